package stats

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSendCounting(t *testing.T) {
	c := New()
	latencies := []float64{1.0, 2.0, 3.0}
	for _, l := range latencies {
		c.RecordSend(true, l)
	}
	c.RecordSend(false, 0)
	c.RecordSend(false, 0)

	s := c.Summary()
	assert.Equal(t, 5, s.TotalSent)
	assert.Equal(t, 3, s.TotalReceived)
	assert.Equal(t, 2, s.TotalFailed)
	require.NotNil(t, s.Timings)
	assert.Equal(t, 3, s.Timings.Count)
}

func TestTimingStatsAbsentWithoutSuccesses(t *testing.T) {
	c := New()
	c.RecordSend(false, 0)

	s := c.Summary()
	assert.Nil(t, s.Timings)

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "message_timing_stats")
}

func TestZeroLatencySampleNotRecorded(t *testing.T) {
	c := New()
	c.RecordSend(true, 0)

	s := c.Summary()
	assert.Equal(t, 1, s.TotalReceived)
	assert.Nil(t, s.Timings)
}

func TestRatesWithZeroDurationAreZero(t *testing.T) {
	c := New()
	c.RecordSend(true, 1)

	s := c.Summary()
	assert.Equal(t, 0.0, s.DurationMs)
	assert.Equal(t, 0.0, s.ProcessedPerMs)
	assert.Equal(t, 0.0, s.FailedPerMs)
}

func TestRates(t *testing.T) {
	c := New()
	for i := 0; i < 10; i++ {
		c.RecordSend(true, 1)
	}
	for i := 0; i < 5; i++ {
		c.RecordSend(false, 0)
	}
	c.SetDuration(1000, 1100)

	s := c.Summary()
	assert.InDelta(t, 100.0, s.DurationMs, 1e-9)
	assert.InDelta(t, 0.1, s.ProcessedPerMs, 1e-9)
	assert.InDelta(t, 0.05, s.FailedPerMs, 1e-9)
}

func TestTimingStatsValues(t *testing.T) {
	c := New()
	for _, l := range []float64{4, 2, 8, 6} {
		c.RecordSend(true, l)
	}

	s := c.Summary()
	require.NotNil(t, s.Timings)
	assert.Equal(t, 2.0, s.Timings.MinMs)
	assert.Equal(t, 8.0, s.Timings.MaxMs)
	assert.Equal(t, 5.0, s.Timings.MeanMs)
	assert.Equal(t, 5.0, s.Timings.MedianMs)
	// Sample stdev of {2,4,6,8}.
	assert.InDelta(t, math.Sqrt(20.0/3.0), s.Timings.StdevMs, 1e-9)
	assert.Equal(t, 4, s.Timings.Count)
}

func TestStdevRequiresTwoSamples(t *testing.T) {
	c := New()
	c.RecordSend(true, 3)

	s := c.Summary()
	require.NotNil(t, s.Timings)
	assert.Equal(t, 0.0, s.Timings.StdevMs)
	assert.Equal(t, 3.0, s.Timings.MedianMs)
}

func TestReset(t *testing.T) {
	c := New()
	c.RecordSend(true, 1)
	c.SetDuration(1, 2)
	c.Reset()

	s := c.Summary()
	assert.Equal(t, 0, s.TotalSent)
	assert.Equal(t, 0.0, s.DurationMs)
	assert.Nil(t, s.Timings)
}
