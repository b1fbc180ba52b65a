package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/relaycore/scheduled/pkg/health"
	"github.com/relaycore/scheduled/pkg/types"
)

// HealthMonitor periodically probes every registered handler's address and
// keeps its Status current between dispatch attempts. A sync loop diffs
// the registry against the set of running per-handler check loops, and the
// checker for each handler is chosen from its address scheme.
type HealthMonitor struct {
	registry *Registry
	interval time.Duration

	mu        sync.Mutex
	cancelFns map[string]context.CancelFunc
	stopCh    chan struct{}
}

// NewHealthMonitor creates a monitor that syncs against reg's entries every
// interval (health.DefaultConfig().Interval if interval <= 0).
func NewHealthMonitor(reg *Registry, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = health.DefaultConfig().Interval
	}
	return &HealthMonitor{
		registry:  reg,
		interval:  interval,
		cancelFns: make(map[string]context.CancelFunc),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the sync loop in the background.
func (hm *HealthMonitor) Start() {
	go hm.syncLoop()
}

// Stop halts the sync loop and every in-flight per-handler check.
func (hm *HealthMonitor) Stop() {
	close(hm.stopCh)
	hm.mu.Lock()
	defer hm.mu.Unlock()
	for _, cancel := range hm.cancelFns {
		cancel()
	}
}

func (hm *HealthMonitor) syncLoop() {
	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	hm.sync()
	for {
		select {
		case <-ticker.C:
			hm.sync()
		case <-hm.stopCh:
			return
		}
	}
}

// sync starts a check goroutine for every currently registered handler that
// doesn't already have one, and stops checks for handlers that were
// unregistered since the last sync.
func (hm *HealthMonitor) sync() {
	current := hm.registry.Snapshot()
	live := make(map[string]bool, len(current))
	for _, v := range current {
		live[v.ID] = true
	}

	hm.mu.Lock()
	for handlerID, cancel := range hm.cancelFns {
		if !live[handlerID] {
			cancel()
			delete(hm.cancelFns, handlerID)
		}
	}
	hm.mu.Unlock()

	for _, v := range current {
		hm.mu.Lock()
		_, monitored := hm.cancelFns[v.ID]
		hm.mu.Unlock()
		if monitored {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		hm.mu.Lock()
		hm.cancelFns[v.ID] = cancel
		hm.mu.Unlock()
		go hm.checkLoop(ctx, v)
	}
}

func (hm *HealthMonitor) checkLoop(ctx context.Context, h types.Handler) {
	cfg := health.DefaultConfig()
	status := health.NewStatus()
	checker := newChecker(h.Address)

	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	hm.runCheck(ctx, h.ID, checker, status, cfg)
	for {
		select {
		case <-ticker.C:
			hm.runCheck(ctx, h.ID, checker, status, cfg)
		case <-ctx.Done():
			return
		case <-hm.stopCh:
			return
		}
	}
}

func (hm *HealthMonitor) runCheck(ctx context.Context, handlerID string, checker health.Checker, status *health.Status, cfg health.Config) {
	checkCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	result := checker.Check(checkCtx)
	status.Update(result, cfg)

	newStatus := types.HandlerStatusDisconnected
	if status.Healthy {
		newStatus = types.HandlerStatusConnected
	}
	// A NotFound here just means the handler was unregistered mid-check.
	_ = hm.registry.ReportStatus(handlerID, newStatus)
}

// newChecker picks an HTTPChecker for http(s)-scheme addresses (a handler
// embedded in an HTTP-serving process) and a TCPChecker otherwise, which
// covers the raw wire-protocol socket addresses most handlers advertise.
func newChecker(address string) health.Checker {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return health.NewHTTPChecker(address + "/health")
	}
	return health.NewTCPChecker(address)
}
