package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestTimerDurationIsMonotonic(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	d1 := timer.Duration()
	time.Sleep(10 * time.Millisecond)
	d2 := timer.Duration()
	require.Greater(t, d2, d1)
}

func TestTimerObserveDurationDoesNotPanic(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_timer_duration_seconds",
		Help:    "test",
		Buckets: prometheus.DefBuckets,
	})
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDuration(histogram)
}

func TestTimerObserveDurationVecDoesNotPanic(t *testing.T) {
	histogramVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "test_timer_duration_vec_seconds",
		Help:    "test",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDurationVec(histogramVec, "create")
}
