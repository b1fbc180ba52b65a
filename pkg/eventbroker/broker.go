// Package eventbroker implements the optional Event Broker: Redis Pub/Sub
// carries the wire envelope between coordinator instances, and a local
// subscriber map (buffered-channel fan-out that drops rather than blocks)
// delivers a message once it clears the Redis transport.
package eventbroker

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/relaycore/scheduled/pkg/log"
	"github.com/relaycore/scheduled/pkg/types"
	"github.com/rs/zerolog"
)

// channelName is the single Redis Pub/Sub channel every coordinator
// instance publishes to and subscribes on.
const channelName = "scheduled:broker"

// Subscriber is a channel of local-bus events; publishers never block on a
// slow subscriber.
type Subscriber chan *types.BrokerMessage

// Config controls the broker's identity and timing.
type Config struct {
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	InstanceID       string
	Address          string // this instance's own address, advertised in heartbeats
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	return c
}

// instanceInfo tracks one peer's last-seen heartbeat for membership and
// leader election.
type instanceInfo struct {
	PID      int
	Address  string
	LastSeen time.Time
}

// Broker is one coordinator instance's connection to the event bus.
type Broker struct {
	cfg    Config
	pid    int
	logger zerolog.Logger

	rdb *redis.Client
	sub *redis.PubSub

	subMu       sync.RWMutex
	subscribers map[Subscriber]bool

	aliveMu sync.Mutex
	alive   map[string]instanceInfo

	leaderMu sync.RWMutex
	isLeader bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Broker. It does not start any background loop; call Start.
func New(cfg Config) *Broker {
	cfg = cfg.withDefaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	return &Broker{
		cfg:         cfg,
		pid:         os.Getpid(),
		logger:      log.WithComponent("eventbroker"),
		rdb:         rdb,
		subscribers: make(map[Subscriber]bool),
		alive:       make(map[string]instanceInfo),
		stopCh:      make(chan struct{}),
	}
}

// Start subscribes to Redis and launches the heartbeat, subscribe, and
// cleanup loops.
func (b *Broker) Start(ctx context.Context) error {
	b.sub = b.rdb.Subscribe(ctx, channelName)
	if _, err := b.sub.Receive(ctx); err != nil {
		return err
	}

	b.wg.Add(3)
	go b.heartbeatLoop()
	go b.subscribeLoop()
	go b.cleanupLoop()

	b.recomputeLeader()
	b.logger.Info().Str("instance_id", b.cfg.InstanceID).Msg("event broker started")
	return nil
}

// Stop publishes a shutdown notice, signals every loop, and waits for them
// to exit.
func (b *Broker) Stop() {
	b.publishRaw(types.BrokerMessage{Type: types.BrokerShutdown, InstanceID: b.cfg.InstanceID, PID: b.pid})
	close(b.stopCh)
	b.wg.Wait()
	_ = b.sub.Close()
	_ = b.rdb.Close()
}

// Subscribe registers a new local subscriber with a buffered channel.
func (b *Broker) Subscribe() Subscriber {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a local subscriber channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish broadcasts a scheduler-originated event payload to every other
// instance over Redis, and delivers it to local subscribers directly
// (rather than round-tripping through our own Redis subscription) so a
// message is delivered locally exactly once.
func (b *Broker) Publish(payload []byte) error {
	msg := types.BrokerMessage{Type: types.BrokerEvent, InstanceID: b.cfg.InstanceID, PID: b.pid, Payload: payload}
	if err := b.publishRaw(msg); err != nil {
		return err
	}
	b.broadcastLocal(&msg)
	return nil
}

func (b *Broker) publishRaw(msg types.BrokerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(context.Background(), channelName, data).Err()
}

func (b *Broker) broadcastLocal(msg *types.BrokerMessage) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- msg:
		default:
			// subscriber buffer full, drop rather than block the broker
		}
	}
}

// IsLeader reports whether this instance currently holds event-broker
// leadership under the deterministic lowest-pid election.
func (b *Broker) IsLeader() bool {
	b.leaderMu.RLock()
	defer b.leaderMu.RUnlock()
	return b.isLeader
}

// AliveCount returns the number of peer instances currently considered
// alive (not counting self).
func (b *Broker) AliveCount() int {
	b.aliveMu.Lock()
	defer b.aliveMu.Unlock()
	return len(b.alive)
}
