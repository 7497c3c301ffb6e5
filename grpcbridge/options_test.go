package grpcbridge

import "testing"

func TestDefaultTuningProducesOptions(t *testing.T) {
	tuning := DefaultTuning()

	if opts := tuning.DialOptions(); len(opts) == 0 {
		t.Error("DialOptions() returned no options")
	}
	if opts := tuning.ServerOptions(); len(opts) == 0 {
		t.Error("ServerOptions() returned no options")
	}
}

func TestStaticWindowTuningSetsWindowOptions(t *testing.T) {
	tuning := DefaultTuning()
	tuning.UseAdaptiveWindow = false

	adaptive := DefaultTuning().DialOptions()
	static := tuning.DialOptions()
	if len(static) <= len(adaptive) {
		t.Errorf("expected static window tuning to add options beyond adaptive tuning, got %d vs %d", len(static), len(adaptive))
	}
}
