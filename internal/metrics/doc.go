// Package metrics records the outcome and latency of authentication probes.
//
// Process-wide counters are exported to Prometheus:
//
//	httpauth_probes_total{outcome}
//	httpauth_probe_duration_seconds{outcome}
//	httpauth_skipped_fields_total{field}
//	httpauth_pooled_clients
//
// The [Collector] aggregates a bounded run of probes, as issued by the probe
// command, into counts and latency percentiles:
//
//	collector := metrics.NewCollector()
//	collector.RecordProbe(latency, metrics.OutcomeAuthenticated)
//	stats := collector.Stats(elapsed)
package metrics
