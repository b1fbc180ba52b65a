package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/relaycore/scheduled/pkg/log"
	"github.com/relaycore/scheduled/pkg/metrics"
	"github.com/relaycore/scheduled/pkg/storage"
	"github.com/relaycore/scheduled/pkg/types"
	"github.com/rs/zerolog"
)

// ErrNotLeader is returned by every mutating raftStore call issued against a
// follower; callers (the HTTP API, the planner) must redirect or retry
// against the leader.
var ErrNotLeader = errors.New("coordinator: not the raft leader")

// Config identifies this raft node: its ID, the transport bind address, and
// the directory holding the raft log, stable store and snapshots. Raft
// timing is not configurable here; raftConfig sets it.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Coordinator owns a raft.Raft instance replicating Store mutations across
// coordinator instances.
type Coordinator struct {
	cfg    Config
	logger zerolog.Logger
	fsm    *FSM
	raft   *raft.Raft
	store  storage.Store
}

func raftConfig(nodeID string) *raft.Config {
	c := raft.DefaultConfig()
	c.LocalID = raft.ServerID(nodeID)
	// Tuned for LAN/edge deployments rather than raft's WAN-conservative
	// defaults.
	c.HeartbeatTimeout = 500 * time.Millisecond
	c.ElectionTimeout = 500 * time.Millisecond
	c.LeaderLeaseTimeout = 250 * time.Millisecond
	return c
}

func newRaft(cfg Config, fsm *FSM) (*raft.Raft, error) {
	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: create transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig(cfg.NodeID), fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("coordinator: create raft: %w", err)
	}
	return r, nil
}

// Bootstrap starts a brand-new single-node cluster with cfg.NodeID as its
// only member, wrapping store behind the replicated FSM.
func Bootstrap(cfg Config, store storage.Store) (*Coordinator, error) {
	fsm := NewFSM(store)
	r, err := newRaft(cfg, fsm)
	if err != nil {
		return nil, err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: raft.ServerAddress(cfg.BindAddr)}},
	}
	if err := r.BootstrapCluster(configuration).Error(); err != nil {
		return nil, fmt.Errorf("coordinator: bootstrap cluster: %w", err)
	}

	return &Coordinator{cfg: cfg, logger: log.WithComponent("coordinator"), fsm: fsm, raft: r, store: store}, nil
}

// Join starts raft on cfg.NodeID and then calls leaderRaftAPI with this
// node's ID and bind address, which is expected to have the current leader
// add it to the cluster (for example through the leader's AddVoter).
func Join(cfg Config, store storage.Store, leaderRaftAPI func(nodeID, bindAddr string) error) (*Coordinator, error) {
	fsm := NewFSM(store)
	r, err := newRaft(cfg, fsm)
	if err != nil {
		return nil, err
	}
	if err := leaderRaftAPI(cfg.NodeID, cfg.BindAddr); err != nil {
		return nil, fmt.Errorf("coordinator: join cluster: %w", err)
	}
	return &Coordinator{cfg: cfg, logger: log.WithComponent("coordinator"), fsm: fsm, raft: r, store: store}, nil
}

// AddVoter is called on the current leader by a joining node's Join call.
func (c *Coordinator) AddVoter(nodeID, bindAddr string) error {
	if c.raft.State() != raft.Leader {
		return ErrNotLeader
	}
	return c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(bindAddr), 0, 10*time.Second).Error()
}

// IsLeader reports whether this instance currently holds raft leadership.
func (c *Coordinator) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// Shutdown releases raft resources.
func (c *Coordinator) Shutdown() error {
	return c.raft.Shutdown().Error()
}

func (c *Coordinator) apply(op string, data any) applyResult {
	if c.raft.State() != raft.Leader {
		return applyResult{Err: ErrNotLeader}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return applyResult{Err: err}
	}
	cmd, err := json.Marshal(Command{Op: op, Data: payload})
	if err != nil {
		return applyResult{Err: err}
	}

	timer := metrics.NewTimer()
	future := c.raft.Apply(cmd, 10*time.Second)
	if err := future.Error(); err != nil {
		return applyResult{Err: fmt.Errorf("coordinator: apply %s: %w", op, err)}
	}
	timer.ObserveDuration(metrics.RaftApplyDuration)
	res, _ := future.Response().(applyResult)
	return res
}

// Store returns a storage.Store that routes mutations through raft and
// serves reads from the local FSM-applied state, so the Dispatch Engine can
// use it exactly like a single-instance BoltStore.
func (c *Coordinator) Store() storage.Store {
	return &raftStore{coordinator: c, local: c.store}
}

type raftStore struct {
	coordinator *Coordinator
	local       storage.Store
}

func (s *raftStore) Put(schedule *types.Schedule, replaceExisting bool) error {
	return s.coordinator.apply(opPutSchedule, putScheduleArgs{Schedule: schedule, ReplaceExisting: replaceExisting}).Err
}

func (s *raftStore) Remove(scheduleID string) error {
	return s.coordinator.apply(opRemoveSchedule, scheduleID).Err
}

func (s *raftStore) Get(scheduleID string) (*types.Schedule, error) {
	return s.local.Get(scheduleID)
}

func (s *raftStore) List(start, end *time.Time, limit, offset int) ([]*types.Schedule, error) {
	return s.local.List(start, end, limit, offset)
}

func (s *raftStore) AcquireDue(now time.Time, limit int, claimedBy string) ([]*types.Schedule, error) {
	res := s.coordinator.apply(opAcquireDue, acquireDueArgs{Now: now, Limit: limit, ClaimedBy: claimedBy})
	return res.Schedules, res.Err
}

func (s *raftStore) Release(scheduleID string, newNextFireTime *time.Time) error {
	return s.coordinator.apply(opReleaseSchedule, releaseArgs{ScheduleID: scheduleID, NewNextFireTime: newNextFireTime}).Err
}

func (s *raftStore) PutJob(job *types.Job) error {
	return s.coordinator.apply(opPutJob, job).Err
}

func (s *raftStore) GetJob(jobID string) (*types.Job, error) {
	return s.local.GetJob(jobID)
}

func (s *raftStore) ListJobsBySchedule(scheduleID string, limit int) ([]*types.Job, error) {
	return s.local.ListJobsBySchedule(scheduleID, limit)
}

func (s *raftStore) Close() error {
	return s.local.Close()
}
