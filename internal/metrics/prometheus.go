package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProbeBuckets spans the connect timeout up to the per-call timeout.
var ProbeBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

var (
	// ProbesTotal counts finished probes by outcome.
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpauth_probes_total",
			Help: "Authentication probes",
		},
		[]string{"outcome"},
	)

	// ProbeDuration records probe duration in seconds by outcome.
	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpauth_probe_duration_seconds",
			Help:    "Authentication probe duration",
			Buckets: ProbeBuckets,
		},
		[]string{"outcome"},
	)

	// SkippedFieldsTotal counts headers and bodies left out because their
	// expression failed.
	SkippedFieldsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpauth_skipped_fields_total",
			Help: "Request fields skipped after expression errors",
		},
		[]string{"field"},
	)

	// PooledClients tracks the number of live per-lane HTTP clients.
	PooledClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpauth_pooled_clients",
			Help: "Pooled HTTP clients",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ProbesTotal,
		ProbeDuration,
		SkippedFieldsTotal,
		PooledClients,
	)
}

// ObserveProbe records one finished probe.
func ObserveProbe(outcome Outcome, d time.Duration) {
	ProbesTotal.WithLabelValues(string(outcome)).Inc()
	ProbeDuration.WithLabelValues(string(outcome)).Observe(d.Seconds())
}
