package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Collector records per-probe metrics in a thread-safe manner.
type Collector struct {
	mu         sync.Mutex
	hist       *hdrhistogram.Histogram
	outcomes   map[Outcome]int64
	minLatency time.Duration
	maxLatency time.Duration
	sumLatency time.Duration
}

// Stats represents aggregated metrics.
type Stats struct {
	Total           int64         `json:"total"`
	Authenticated   int64         `json:"authenticated"`
	Unauthenticated int64         `json:"unauthenticated"`
	MinLatency      time.Duration `json:"-"`
	MaxLatency      time.Duration `json:"-"`
	MeanLatency     time.Duration `json:"-"`
	P50Latency      time.Duration `json:"-"`
	P90Latency      time.Duration `json:"-"`
	P99Latency      time.Duration `json:"-"`
	Duration        time.Duration `json:"-"`
	ProbesPerSec    float64       `json:"probes_per_sec"`

	// JSON-friendly millisecond fields.
	MinLatencyMs  float64         `json:"min_latency_ms"`
	MaxLatencyMs  float64         `json:"max_latency_ms"`
	MeanLatencyMs float64         `json:"mean_latency_ms"`
	P50LatencyMs  float64         `json:"p50_latency_ms"`
	P90LatencyMs  float64         `json:"p90_latency_ms"`
	P99LatencyMs  float64         `json:"p99_latency_ms"`
	DurationMs    float64         `json:"duration_ms"`
	Outcomes      map[Outcome]int `json:"outcomes,omitempty"`
}

func NewCollector() *Collector {
	// Track latencies from 1µs up to 60s with 3 significant figures.
	h := hdrhistogram.New(1, 60_000_000, 3)
	return &Collector{
		hist:     h,
		outcomes: make(map[Outcome]int64),
	}
}

// RecordProbe records a single probe's latency and outcome.
func (c *Collector) RecordProbe(latency time.Duration, outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if latency > 0 {
		us := latency.Microseconds()
		if us < c.hist.LowestTrackableValue() {
			us = c.hist.LowestTrackableValue()
		}
		if us > c.hist.HighestTrackableValue() {
			us = c.hist.HighestTrackableValue()
		}
		_ = c.hist.RecordValue(us)
	}
	c.sumLatency += latency

	if c.minLatency == 0 || latency < c.minLatency {
		c.minLatency = latency
	}
	if latency > c.maxLatency {
		c.maxLatency = latency
	}
	c.outcomes[outcome]++
}

// Stats computes and returns current aggregated statistics.
func (c *Collector) Stats(elapsed time.Duration) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	for _, n := range c.outcomes {
		total += n
	}
	stats := Stats{
		Total:         total,
		Authenticated: c.outcomes[OutcomeAuthenticated],
		MinLatency:    c.minLatency,
		MaxLatency:    c.maxLatency,
	}
	stats.Unauthenticated = total - stats.Authenticated

	if total > 0 {
		stats.MeanLatency = time.Duration(int64(c.sumLatency) / total)
	}

	if c.hist.TotalCount() > 0 {
		stats.P50Latency = time.Duration(c.hist.ValueAtQuantile(50)) * time.Microsecond
		stats.P90Latency = time.Duration(c.hist.ValueAtQuantile(90)) * time.Microsecond
		stats.P99Latency = time.Duration(c.hist.ValueAtQuantile(99)) * time.Microsecond
	}

	stats.MinLatencyMs = float64(stats.MinLatency) / float64(time.Millisecond)
	stats.MaxLatencyMs = float64(stats.MaxLatency) / float64(time.Millisecond)
	stats.MeanLatencyMs = float64(stats.MeanLatency) / float64(time.Millisecond)
	stats.P50LatencyMs = float64(stats.P50Latency) / float64(time.Millisecond)
	stats.P90LatencyMs = float64(stats.P90Latency) / float64(time.Millisecond)
	stats.P99LatencyMs = float64(stats.P99Latency) / float64(time.Millisecond)

	stats.Duration = elapsed
	stats.DurationMs = float64(elapsed) / float64(time.Millisecond)
	if elapsed > 0 && total > 0 {
		stats.ProbesPerSec = float64(total) / elapsed.Seconds()
	}

	if len(c.outcomes) > 0 {
		stats.Outcomes = make(map[Outcome]int, len(c.outcomes))
		for k, v := range c.outcomes {
			stats.Outcomes[k] = int(v)
		}
	}

	return stats
}
