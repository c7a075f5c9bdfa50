// Package stats accumulates per-message outcomes into summary metrics for
// cross-substrate comparison.
package stats

import (
	"math"
	"sort"
)

// Collector is a running accumulator of send outcomes. It is owned by
// exactly one sender and must only be mutated from the code path that
// issues sends for it; concurrent batches fold their results in after all
// tasks complete.
type Collector struct {
	sent     int
	received int
	failed   int
	timings  []float64
	startMs  float64
	endMs    float64
}

// New creates an empty collector.
func New() *Collector {
	return &Collector{}
}

// Reset discards all recorded outcomes and timings.
func (c *Collector) Reset() {
	*c = Collector{}
}

// RecordSend records one send outcome. Successful sends with a positive
// latency contribute a timing sample.
func (c *Collector) RecordSend(success bool, latencyMs float64) {
	c.sent++
	if success {
		c.received++
		if latencyMs > 0 {
			c.timings = append(c.timings, latencyMs)
		}
		return
	}
	c.failed++
}

// SetDuration records the test start and end timestamps in milliseconds.
func (c *Collector) SetDuration(startMs, endMs float64) {
	c.startMs = startMs
	c.endMs = endMs
}

// DurationMs returns the recorded test duration, zero when unset.
func (c *Collector) DurationMs() float64 {
	if c.startMs != 0 && c.endMs != 0 {
		return c.endMs - c.startMs
	}
	return 0
}

// TimingStats summarizes the successful per-message latency samples.
type TimingStats struct {
	MinMs    float64 `json:"min_ms"`
	MaxMs    float64 `json:"max_ms"`
	MeanMs   float64 `json:"mean_ms"`
	MedianMs float64 `json:"median_ms"`
	StdevMs  float64 `json:"stdev_ms"`
	Count    int     `json:"count"`
}

// Summary is the normalized statistics record emitted per test run.
type Summary struct {
	TotalSent      int          `json:"total_sent"`
	TotalReceived  int          `json:"total_received"`
	TotalFailed    int          `json:"total_failed"`
	DurationMs     float64      `json:"duration_ms"`
	ProcessedPerMs float64      `json:"processed_per_ms"`
	FailedPerMs    float64      `json:"failed_per_ms"`
	Timings        *TimingStats `json:"message_timing_stats,omitempty"`
}

// Summary computes the summary for everything recorded so far. Rates are
// zero when the duration is zero; timing stats are present only when at
// least one latency sample was recorded.
func (c *Collector) Summary() Summary {
	duration := c.DurationMs()
	s := Summary{
		TotalSent:     c.sent,
		TotalReceived: c.received,
		TotalFailed:   c.failed,
		DurationMs:    duration,
	}
	if duration > 0 {
		s.ProcessedPerMs = float64(c.received) / duration
		s.FailedPerMs = float64(c.failed) / duration
	}
	if len(c.timings) > 0 {
		s.Timings = timingStats(c.timings)
	}
	return s
}

func timingStats(samples []float64) *TimingStats {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	n := len(sorted)
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	// Sample standard deviation needs at least two samples.
	stdev := 0.0
	if n >= 2 {
		var sq float64
		for _, v := range sorted {
			d := v - mean
			sq += d * d
		}
		stdev = math.Sqrt(sq / float64(n-1))
	}

	return &TimingStats{
		MinMs:    sorted[0],
		MaxMs:    sorted[n-1],
		MeanMs:   mean,
		MedianMs: median,
		StdevMs:  stdev,
		Count:    n,
	}
}
