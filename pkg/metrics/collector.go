package metrics

import (
	"time"

	"github.com/relaycore/scheduled/pkg/execlog"
	"github.com/relaycore/scheduled/pkg/registry"
	"github.com/relaycore/scheduled/pkg/storage"
)

// Collector periodically samples the registry, schedule store, and
// execution log and publishes their current state as gauges. Each collect
// helper owns exactly one metric family and fails silently (the next tick
// will retry) rather than aborting the whole sweep.
type Collector struct {
	registry *registry.Registry
	store    storage.Store
	execLog  *execlog.Log
	isLeader func() bool

	stopCh chan struct{}
}

// NewCollector creates a collector. isLeader may be nil when raft
// clustering is disabled, in which case RaftLeader is left unset.
func NewCollector(reg *registry.Registry, store storage.Store, execLog *execlog.Log, isLeader func() bool) *Collector {
	return &Collector{
		registry: reg,
		store:    store,
		execLog:  execLog,
		isLeader: isLeader,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics every 15s.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectHandlerMetrics()
	c.collectScheduleMetrics()
	c.collectExecutionMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectHandlerMetrics() {
	if c.registry == nil {
		return
	}
	counts := make(map[string]int)
	for _, h := range c.registry.Snapshot() {
		counts[string(h.Status)]++
	}
	for status, count := range counts {
		HandlersTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *Collector) collectScheduleMetrics() {
	if c.store == nil {
		return
	}
	schedules, err := c.store.List(nil, nil, 0, 0)
	if err != nil {
		return
	}
	SchedulesTotal.Set(float64(len(schedules)))
}

func (c *Collector) collectExecutionMetrics() {
	if c.execLog == nil {
		return
	}
	stats := c.execLog.GetStats()
	ExecLogUtilization.Set(stats.BufferUtilization)
}

func (c *Collector) collectRaftMetrics() {
	if c.isLeader == nil {
		return
	}
	if c.isLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
}
