// Package output renders probe run summaries.
package output

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/torosent/httpauth/internal/metrics"
	"github.com/torosent/httpauth/internal/threshold"
)

// PrintReport outputs a human-readable summary report.
func PrintReport(w io.Writer, stats metrics.Stats) {
	fmt.Fprintln(w, "\n--- Authentication Probe Results ---")
	fmt.Fprintf(w, "Total Probes:      %d\n", stats.Total)
	fmt.Fprintf(w, "Authenticated:     %d\n", stats.Authenticated)
	fmt.Fprintf(w, "Unauthenticated:   %d\n", stats.Unauthenticated)
	fmt.Fprintf(w, "Duration:          %s\n", stats.Duration)
	fmt.Fprintf(w, "Probes/sec:        %.2f\n", stats.ProbesPerSec)
	fmt.Fprintln(w, "\nLatency:")
	fmt.Fprintf(w, "  Min:             %s\n", stats.MinLatency)
	fmt.Fprintf(w, "  Max:             %s\n", stats.MaxLatency)
	fmt.Fprintf(w, "  Mean:            %s\n", stats.MeanLatency)
	fmt.Fprintf(w, "  P50:             %s\n", stats.P50Latency)
	fmt.Fprintf(w, "  P90:             %s\n", stats.P90Latency)
	fmt.Fprintf(w, "  P99:             %s\n", stats.P99Latency)

	if len(stats.Outcomes) > 0 {
		fmt.Fprintln(w, "\nOutcomes:")
		for _, outcome := range metrics.Outcomes {
			if n, ok := stats.Outcomes[outcome]; ok {
				fmt.Fprintf(w, "  %-16s %d\n", outcome+":", n)
			}
		}
	}
}

// PrintThresholds lists each threshold with its verdict.
func PrintThresholds(w io.Writer, results []threshold.Result) {
	if len(results) == 0 {
		return
	}
	passed := len(results) - len(threshold.Failed(results))
	fmt.Fprintf(w, "\nThresholds (%d/%d passed):\n", passed, len(results))
	for _, r := range results {
		fmt.Fprintf(w, "  %s\n", r.Message)
	}
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, stats metrics.Stats) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}
