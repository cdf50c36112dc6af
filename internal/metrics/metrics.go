// Package metrics exposes scheduler counters and gauges to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nexus"

// Metrics holds every collector the scheduler updates.
type Metrics struct {
	JobsStarted   prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsQueued    prometheus.Gauge
	JobsRunning   prometheus.Gauge
	Blacklisted   prometheus.Gauge
	ProbeErrors   prometheus.Counter
	Paused        prometheus.Gauge
	DeviceBusy    *prometheus.GaugeVec
	TickDuration  prometheus.Histogram
}

// New registers the collectors on reg. A nil reg yields working collectors
// that are not exported anywhere.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Jobs launched in a session.",
		}),
		JobsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs whose session ended or was killed.",
		}),
		JobsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Jobs whose session could not be started.",
		}),
		JobsQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_queued",
			Help:      "Jobs waiting for a device.",
		}),
		JobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Jobs holding a device.",
		}),
		Blacklisted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_blacklisted",
			Help:      "Device indices excluded from assignment.",
		}),
		ProbeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_probe_errors_total",
			Help:      "Failed device queries.",
		}),
		Paused: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "paused",
			Help:      "1 while assignment is paused.",
		}),
		DeviceBusy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_busy",
			Help:      "1 when a job holds the device.",
		}, []string{"gpu"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one scheduler tick.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
}

// ObserveTick records the duration since start.
func (m *Metrics) ObserveTick(start time.Time) {
	m.TickDuration.Observe(time.Since(start).Seconds())
}

// SetDeviceBusy sets the busy gauge of device index.
func (m *Metrics) SetDeviceBusy(index int, busy bool) {
	v := 0.0
	if busy {
		v = 1
	}
	m.DeviceBusy.WithLabelValues(strconv.Itoa(index)).Set(v)
}

// SetPaused mirrors the pause marker.
func (m *Metrics) SetPaused(paused bool) {
	if paused {
		m.Paused.Set(1)
		return
	}
	m.Paused.Set(0)
}
