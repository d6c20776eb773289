package vbmc

import "testing"

func TestOptionsResolve(t *testing.T) {
	opts := DefaultOptions()
	opts.resolve(3)
	if want := 50 * (2 + 3); opts.MaxIter != want {
		t.Errorf("MaxIter = %d, want %d", opts.MaxIter, want)
	}
	if want := 50 * (2 + 3); opts.MaxFunEvals != want {
		t.Errorf("MaxFunEvals = %d, want %d", opts.MaxFunEvals, want)
	}
	if want := 5 * 3; opts.MinFunEvals != want {
		t.Errorf("MinFunEvals = %d, want %d", opts.MinFunEvals, want)
	}
	if opts.Seed == 0 {
		t.Error("zero seed must resolve to a fixed non-zero seed")
	}
	if opts.Concurrency < 1 {
		t.Errorf("Concurrency = %d, want positive", opts.Concurrency)
	}

	// Explicit settings survive resolution.
	opts = DefaultOptions()
	opts.MaxFunEvals = 42
	opts.resolve(3)
	if opts.MaxFunEvals != 42 {
		t.Errorf("explicit MaxFunEvals overwritten to %d", opts.MaxFunEvals)
	}
}

func TestOptionsValidate(t *testing.T) {
	good := DefaultOptions()
	good.resolve(2)
	if err := good.validate(); err != nil {
		t.Fatalf("default options invalid: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"zero batch", func(o *Options) { o.FunEvalsPerIter = 0 }},
		{"zero design", func(o *Options) { o.InitDesignCount = 0 }},
		{"tiny candidate set", func(o *Options) { o.SearchCandidates = 2 }},
		{"kmax below warmup k", func(o *Options) { o.KMax = 1; o.KWarmup = 2 }},
		{"weight tolerance one", func(o *Options) { o.TolWeight = 1 }},
		{"hpd fraction over one", func(o *Options) { o.HPDFrac = 1.5 }},
		{"bad mean kind", func(o *Options) { o.MeanFunc = 99 }},
		{"window too short", func(o *Options) { o.TolStableIters = 1 }},
		{"excess fills window", func(o *Options) { o.TolStableExcess = 8; o.TolStableIters = 8 }},
		{"negative tolerance", func(o *Options) { o.TolSKL = -1 }},
		{"best fraction zero", func(o *Options) { o.BestFrac = 0 }},
		{"no restarts", func(o *Options) { o.FullRestarts = 0; o.CheapRestarts = 0 }},
		{"zero hyp samples", func(o *Options) { o.HypSampleMax = 0 }},
	}
	for _, tc := range cases {
		opts := DefaultOptions()
		opts.resolve(2)
		tc.mutate(&opts)
		if err := opts.validate(); err == nil {
			t.Errorf("%s: validate accepted invalid options", tc.name)
		}
	}
}
