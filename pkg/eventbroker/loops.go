package eventbroker

import (
	"encoding/json"
	"time"

	"github.com/relaycore/scheduled/pkg/metrics"
	"github.com/relaycore/scheduled/pkg/types"
)

// heartbeatLoop publishes a heartbeat every cfg.HeartbeatInterval.
func (b *Broker) heartbeatLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			msg := types.BrokerMessage{
				Type:       types.BrokerHeartbeat,
				InstanceID: b.cfg.InstanceID,
				PID:        b.pid,
				Address:    b.cfg.Address,
			}
			if err := b.publishRaw(msg); err != nil {
				b.logger.Warn().Err(err).Msg("failed to publish heartbeat")
			}
		case <-b.stopCh:
			return
		}
	}
}

// subscribeLoop processes every inbound Redis Pub/Sub message: forwarding
// event payloads from other instances to the local bus, tracking liveness
// on heartbeat, and evicting the sender on shutdown.
func (b *Broker) subscribeLoop() {
	defer b.wg.Done()
	ch := b.sub.Channel()

	for {
		select {
		case raw, ok := <-ch:
			if !ok {
				return
			}
			b.handleInbound(raw.Payload)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) handleInbound(payload string) {
	var msg types.BrokerMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.logger.Warn().Err(err).Msg("failed to decode broker message")
		return
	}
	if msg.InstanceID == b.cfg.InstanceID {
		return // filter out self
	}

	switch msg.Type {
	case types.BrokerEvent:
		b.broadcastLocal(&msg)

	case types.BrokerHeartbeat:
		b.aliveMu.Lock()
		_, existed := b.alive[msg.InstanceID]
		b.alive[msg.InstanceID] = instanceInfo{PID: msg.PID, Address: msg.Address, LastSeen: time.Now()}
		b.aliveMu.Unlock()
		if !existed {
			b.recomputeLeader()
		}

	case types.BrokerShutdown:
		b.aliveMu.Lock()
		_, existed := b.alive[msg.InstanceID]
		delete(b.alive, msg.InstanceID)
		b.aliveMu.Unlock()
		if existed {
			b.recomputeLeader()
		}
	}
}

// cleanupLoop evicts instances unseen for three heartbeat intervals and
// re-runs leader election on every membership change it causes.
func (b *Broker) cleanupLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(2 * b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if b.evictStale() {
				b.recomputeLeader()
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) evictStale() (changed bool) {
	deadline := 3 * b.cfg.HeartbeatInterval
	now := time.Now()

	b.aliveMu.Lock()
	defer b.aliveMu.Unlock()
	for id, info := range b.alive {
		if now.Sub(info.LastSeen) > deadline {
			delete(b.alive, id)
			changed = true
		}
	}
	return changed
}

// recomputeLeader applies the deterministic lowest-pid-wins rule across
// {self} ∪ alive instances.
func (b *Broker) recomputeLeader() {
	b.aliveMu.Lock()
	lowest := b.pid
	count := len(b.alive)
	for _, info := range b.alive {
		if info.PID < lowest {
			lowest = info.PID
		}
	}
	b.aliveMu.Unlock()

	leader := lowest == b.pid

	b.leaderMu.Lock()
	changed := b.isLeader != leader
	b.isLeader = leader
	b.leaderMu.Unlock()

	metrics.BrokerAliveInstances.Set(float64(count))
	if leader {
		metrics.BrokerIsLeader.Set(1)
	} else {
		metrics.BrokerIsLeader.Set(0)
	}

	if changed {
		b.logger.Info().Bool("is_leader", leader).Int("alive_peers", count).Msg("event broker leadership changed")
	}
}
