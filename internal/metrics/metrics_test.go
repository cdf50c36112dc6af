package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobsStarted.Inc()
	m.JobsQueued.Set(3)
	m.SetDeviceBusy(1, true)
	m.SetPaused(true)

	if got := testutil.ToFloat64(m.JobsStarted); got != 1 {
		t.Errorf("jobs_started_total = %v", got)
	}
	if got := testutil.ToFloat64(m.DeviceBusy.WithLabelValues("1")); got != 1 {
		t.Errorf("device_busy{gpu=1} = %v", got)
	}
	if got := testutil.ToFloat64(m.Paused); got != 1 {
		t.Errorf("paused = %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"nexus_jobs_started_total", "nexus_jobs_queued", "nexus_device_busy", "nexus_paused", "nexus_devices_blacklisted", "nexus_device_probe_errors_total"} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestNew_NilRegistry(t *testing.T) {
	m := New(nil)
	m.JobsFailed.Inc()
	m.SetPaused(false)
	if got := testutil.ToFloat64(m.JobsFailed); got != 1 {
		t.Errorf("jobs_failed_total = %v", got)
	}
}

func TestNew_TwiceOnSeparateRegistries(t *testing.T) {
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
