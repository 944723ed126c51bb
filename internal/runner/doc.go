// Package runner drives repeated authentication probes.
//
// A [Runner] issues probes from a fixed number of workers until a total count
// or a duration is reached, optionally paced to a rate per second:
//
//	r := runner.New(runner.Options{
//		Concurrency:   4,
//		Total:         100,
//		RatePerSecond: 20,
//		Prober:        prober,
//	})
//	result := r.Run(ctx)
//
// Probe errors are counted as failures; the runner never retries.
package runner
