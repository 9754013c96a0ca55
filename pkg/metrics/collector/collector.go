// Package collector periodically snapshots a manager's container states
// into pkg/metrics.ContainersTotal. It is split out from pkg/metrics
// itself so that packages wiring per-event metrics (internal/container,
// pkg/agent) can depend on pkg/metrics without pulling in
// internal/manager, which in turn depends on internal/container —
// importing internal/manager directly from pkg/metrics would cycle.
package collector

import (
	"time"

	"github.com/combust-labs/containervisor/internal/manager"
	"github.com/combust-labs/containervisor/pkg/metrics"
)

// Collector periodically snapshots a manager's container states into
// ContainersTotal, the way a scrape-driven gauge needs a live source
// since the manager itself has no reason to push on every transition.
type Collector struct {
	mgr    *manager.Manager
	period time.Duration
	stopCh chan struct{}
}

// New constructs a collector over mgr, polling every period (15s if zero).
func New(mgr *manager.Manager, period time.Duration) *Collector {
	if period <= 0 {
		period = 15 * time.Second
	}
	return &Collector{mgr: mgr, period: period, stopCh: make(chan struct{})}
}

// Start begins polling in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.period)
	go func() {
		c.Collect()
		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts polling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect takes one snapshot immediately, without waiting for the next
// tick; exported so callers (and tests) can force a refresh on demand.
func (c *Collector) Collect() {
	counts := map[string]int{}
	for _, state := range c.mgr.States() {
		counts[state]++
	}
	metrics.ContainersTotal.Reset()
	for state, count := range counts {
		metrics.ContainersTotal.WithLabelValues(state).Set(float64(count))
	}
}
