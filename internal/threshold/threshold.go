// Package threshold asserts on the summary of a probe run, e.g.
// "probe_duration:p99 < 250" or "probe_denied:rate <= 0.05".
package threshold

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/torosent/httpauth/internal/metrics"
)

// Supported metrics.
const (
	MetricDuration = "probe_duration" // latency in milliseconds
	MetricDenied   = "probe_denied"   // probes that did not authenticate
	MetricOutcome  = "probe_outcome"  // probes per outcome, e.g. probe_outcome:timeout
	MetricProbes   = "probes"         // all probes
)

var pattern = regexp.MustCompile(`^([a-z_]+):([a-z0-9_]+)\s*([<>=!]+)\s*([0-9.]+)$`)

var operators = []string{"<", "<=", ">", ">=", "=="}

// Threshold is one assertion over probe stats.
type Threshold struct {
	Metric    string
	Aggregate string
	Operator  string
	Value     float64
	Raw       string
}

// Result is the evaluation of one Threshold.
type Result struct {
	Threshold Threshold
	Actual    float64
	Pass      bool
	Message   string
}

// Evaluator evaluates thresholds against probe stats.
type Evaluator struct {
	thresholds []Threshold
}

func NewEvaluator(thresholds []Threshold) *Evaluator {
	return &Evaluator{thresholds: thresholds}
}

// Evaluate checks every threshold against stats.
func (e *Evaluator) Evaluate(stats metrics.Stats) []Result {
	if len(e.thresholds) == 0 {
		return nil
	}
	results := make([]Result, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		results = append(results, evaluate(t, stats))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Pass {
			failed = append(failed, r)
		}
	}
	return failed
}

func evaluate(t Threshold, stats metrics.Stats) Result {
	actual, err := value(t, stats)
	if err != nil {
		return Result{Threshold: t, Message: fmt.Sprintf("error: %v", err)}
	}
	pass := compare(actual, t.Operator, t.Value)
	status := "PASS"
	if !pass {
		status = "FAIL"
	}
	return Result{
		Threshold: t,
		Actual:    actual,
		Pass:      pass,
		Message:   fmt.Sprintf("%s %s (actual %.2f)", status, t.Raw, actual),
	}
}

// Parse parses "metric:aggregate operator value".
//
//	probe_duration:p99 < 250       latency percentile in ms (p50, p90, p99, avg, min, max)
//	probe_denied:rate <= 0.05      share of probes that did not authenticate
//	probe_denied:count == 0        probes that did not authenticate
//	probe_outcome:timeout == 0     probes ending with the named outcome
//	probes:rate >= 20              probes per second (or probes:count)
func Parse(s string) (Threshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Threshold{}, errors.New("empty threshold")
	}
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return Threshold{}, fmt.Errorf("invalid threshold %q (expected metric:aggregate operator value, e.g. 'probe_duration:p99 < 250')", s)
	}

	v, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %w", m[4], err)
	}
	t := Threshold{Metric: m[1], Aggregate: m[2], Operator: m[3], Value: v, Raw: s}

	if !validAggregate(t.Metric, t.Aggregate) {
		return Threshold{}, fmt.Errorf("unsupported threshold %s:%s", t.Metric, t.Aggregate)
	}
	if !contains(operators, t.Operator) {
		return Threshold{}, fmt.Errorf("unsupported operator %q (supported: %s)", t.Operator, strings.Join(operators, ", "))
	}
	return t, nil
}

// ParseMultiple parses every threshold and reports all failures together.
func ParseMultiple(raw []string) ([]Threshold, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	result := make([]Threshold, 0, len(raw))
	var problems []string
	for i, s := range raw {
		t, err := Parse(s)
		if err != nil {
			problems = append(problems, fmt.Sprintf("threshold[%d]: %v", i, err))
			continue
		}
		result = append(result, t)
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("threshold parsing errors: %s", strings.Join(problems, "; "))
	}
	return result, nil
}

func validAggregate(metric, aggregate string) bool {
	switch metric {
	case MetricDuration:
		return contains([]string{"p50", "p90", "p99", "avg", "min", "max"}, aggregate)
	case MetricDenied, MetricProbes:
		return aggregate == "rate" || aggregate == "count"
	case MetricOutcome:
		return contains(outcomeNames(), aggregate)
	default:
		return false
	}
}

func value(t Threshold, stats metrics.Stats) (float64, error) {
	switch t.Metric {
	case MetricDuration:
		switch t.Aggregate {
		case "p50":
			return stats.P50LatencyMs, nil
		case "p90":
			return stats.P90LatencyMs, nil
		case "p99":
			return stats.P99LatencyMs, nil
		case "avg":
			return stats.MeanLatencyMs, nil
		case "min":
			return stats.MinLatencyMs, nil
		case "max":
			return stats.MaxLatencyMs, nil
		}
	case MetricDenied:
		if t.Aggregate == "count" {
			return float64(stats.Unauthenticated), nil
		}
		if stats.Total == 0 {
			return 0, nil
		}
		return float64(stats.Unauthenticated) / float64(stats.Total), nil
	case MetricOutcome:
		return float64(stats.Outcomes[metrics.Outcome(t.Aggregate)]), nil
	case MetricProbes:
		if t.Aggregate == "count" {
			return float64(stats.Total), nil
		}
		return stats.ProbesPerSec, nil
	}
	return 0, fmt.Errorf("unsupported threshold %s:%s", t.Metric, t.Aggregate)
}

func compare(actual float64, operator string, expected float64) bool {
	const epsilon = 1e-9
	switch operator {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected || math.Abs(actual-expected) < epsilon
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected || math.Abs(actual-expected) < epsilon
	case "==":
		return math.Abs(actual-expected) < epsilon
	default:
		return false
	}
}

func outcomeNames() []string {
	names := make([]string, len(metrics.Outcomes))
	for i, o := range metrics.Outcomes {
		names[i] = string(o)
	}
	return names
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
