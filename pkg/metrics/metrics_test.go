package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, Outcome(nil))
	assert.Equal(t, OutcomeFailed, Outcome(errors.New("boom")))
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	first := timer.Stop()
	assert.GreaterOrEqual(t, first, 5*time.Millisecond)
	assert.GreaterOrEqual(t, timer.Stop(), first)
}

func TestThroughputTracker(t *testing.T) {
	tracker := NewThroughputTracker("metrics-test")
	tracker.Increment(10)
	tracker.Increment(5)
	time.Sleep(10 * time.Millisecond)

	rate := tracker.GetAndReset()
	assert.Greater(t, rate, 0.0)
	assert.Equal(t, int64(15), tracker.Total())
	assert.Equal(t, rate, testutil.ToFloat64(Throughput.WithLabelValues("metrics-test")))

	assert.Equal(t, 0.0, tracker.GetAndReset())
	assert.Equal(t, int64(15), tracker.Total())
}

func TestCountersRegistered(t *testing.T) {
	before := testutil.ToFloat64(FetchRetries)
	FetchRetries.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(FetchRetries))

	c := RecordsEmitted.WithLabelValues("metrics_test")
	c.Add(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(c))
}
