package vbmc

import (
	"math"
	"testing"

	"github.com/jdc08161063/vbmc/ledger"
)

func TestStateEventsDrainOnTake(t *testing.T) {
	st := &State{}
	st.event(EventActiveSample)
	st.event(EventTrim)
	got := st.takeEvents()
	if len(got) != 2 || got[0] != EventActiveSample || got[1] != EventTrim {
		t.Fatalf("takeEvents = %v", got)
	}
	if ev := st.takeEvents(); len(ev) != 0 {
		t.Fatalf("second takeEvents = %v, want empty", ev)
	}
}

func TestEventStrings(t *testing.T) {
	all := []Event{
		EventInitialDesign, EventActiveSample, EventSkipSampling,
		EventBudgetNoSample, EventWarmupEnd, EventTrim,
		EventPruneComponents, EventStableGPSampling, EventEntropySwitch,
		EventGPFitFallback, EventVarFitFallback,
	}
	seen := make(map[string]bool)
	for _, e := range all {
		s := e.String()
		if s == "" || s == "unknown-event" {
			t.Errorf("event %d renders as %q", e, s)
		}
		if seen[s] {
			t.Errorf("duplicate event string %q", s)
		}
		seen[s] = true
	}
}

func TestUpdateRunningMoments(t *testing.T) {
	post := newTestPosterior(2)
	st := &State{
		Dim:    2,
		Ledger: ledger.New(2, 16),
		Post:   post,
	}
	st.Ledger.Record([]float64{0, 0}, -1, true)

	st.updateRunningMoments(20)
	mean, _ := post.Moments()
	for i := range mean {
		if st.RunMean[i] != mean[i] {
			t.Fatalf("first update must copy the moments, got %v want %v", st.RunMean, mean)
		}
	}

	// Shift the posterior and add evaluations; the running mean moves
	// toward the new moments but not all the way.
	post.Mu.Set(0, 0, 4)
	post.Mu.Set(1, 0, 4)
	for i := 0; i < 10; i++ {
		st.Ledger.Record([]float64{float64(i + 1), 0}, -1, true)
	}
	st.updateRunningMoments(20)
	newMean, _ := post.Moments()
	if st.RunMean[0] <= mean[0] || st.RunMean[0] >= newMean[0] {
		t.Errorf("running mean %v not strictly between %v and %v", st.RunMean[0], mean[0], newMean[0])
	}
	if math.IsNaN(st.RunCov.At(0, 0)) {
		t.Error("running covariance is NaN")
	}
}

func TestUpdateRunningMomentsNoNewEvals(t *testing.T) {
	post := newTestPosterior(2)
	st := &State{Dim: 2, Ledger: ledger.New(2, 16), Post: post}
	st.Ledger.Record([]float64{0, 0}, -1, true)
	st.updateRunningMoments(20)
	before := append([]float64(nil), st.RunMean...)

	// Same evaluation count: gamma is zero, the moments stay put even if
	// the posterior moved.
	post.Mu.Set(0, 0, 9)
	st.updateRunningMoments(20)
	for i := range before {
		if st.RunMean[i] != before[i] {
			t.Fatalf("running mean changed without new evaluations: %v -> %v", before, st.RunMean)
		}
	}
}
