package ledger

import (
	"math"
	"testing"
)

func TestRecordAndCount(t *testing.T) {
	l := New(2, 100)
	if n := l.Record([]float64{0, 0}, -1, true); n != 1 {
		t.Errorf("count after first record: got %d want 1", n)
	}
	if n := l.Record([]float64{1, 1}, math.NaN(), true); n != 2 {
		t.Errorf("count after invalid record: got %d want 2", n)
	}
	if l.ValidCount() != 1 {
		t.Errorf("valid count: got %d want 1", l.ValidCount())
	}
	if l.Len() != 2 {
		t.Errorf("len: got %d want 2", l.Len())
	}
}

func TestLookup(t *testing.T) {
	l := New(1, 2)
	l.Record([]float64{0.5}, -3, true)
	if v, ok := l.Lookup([]float64{0.5}); !ok || v != -3 {
		t.Errorf("lookup: got %v, %v", v, ok)
	}
	if _, ok := l.Lookup([]float64{0.25}); ok {
		t.Error("lookup of unseen point should miss")
	}

	// Invalid observations never serve cache hits.
	l.Record([]float64{0.75}, math.Inf(1), true)
	if _, ok := l.Lookup([]float64{0.75}); ok {
		t.Error("lookup of invalid observation should miss")
	}

	// Cache evicts oldest entries beyond its size.
	l.Record([]float64{0.9}, -1, true)
	if _, ok := l.Lookup([]float64{0.5}); ok {
		t.Error("evicted entry should miss")
	}
}

func TestHPD(t *testing.T) {
	l := New(1, 0)
	for i, y := range []float64{-10, -1, -5, -2, -20} {
		l.Record([]float64{float64(i)}, y, true)
	}
	xs, ys := l.HPD(0.4)
	if len(ys) != 2 {
		t.Fatalf("HPD size: got %d want 2", len(ys))
	}
	if ys[0] != -1 || ys[1] != -2 {
		t.Errorf("HPD values: got %v want [-1 -2]", ys)
	}
	if xs.At(0, 0) != 1 || xs.At(1, 0) != 3 {
		t.Errorf("HPD points wrong: %v %v", xs.At(0, 0), xs.At(1, 0))
	}

	// Always at least one point.
	_, ys = l.HPD(1e-9)
	if len(ys) != 1 {
		t.Errorf("tiny fraction should keep one point, got %d", len(ys))
	}
}

func TestTrim(t *testing.T) {
	l := New(1, 0)
	for i, y := range []float64{-100, -1, -50, -3} {
		l.Record([]float64{float64(i)}, y, true)
	}
	if n := l.Trim(l.MaxValue() - 10); n != 2 {
		t.Fatalf("trim count: got %d want 2", n)
	}
	_, ys := l.Training()
	if len(ys) != 2 {
		t.Errorf("training size after trim: got %d want 2", len(ys))
	}
	// Budget accounting untouched.
	if l.Count() != 4 {
		t.Errorf("count after trim: got %d want 4", l.Count())
	}
}

func TestTrainingExcludesInvalid(t *testing.T) {
	l := New(2, 0)
	l.Record([]float64{0, 0}, -1, true)
	l.Record([]float64{1, 1}, math.NaN(), true)
	l.Record([]float64{2, 2}, -2, false)
	xs, ys := l.Training()
	if len(ys) != 1 || xs == nil {
		t.Fatalf("training should contain exactly the valid row, got %v", ys)
	}
	if r, c := xs.Dims(); r != 1 || c != 2 {
		t.Errorf("training dims: got %d,%d", r, c)
	}
}
