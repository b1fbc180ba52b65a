// Package coordinator wires the Schedule Store behind a raft replicated
// state machine for multi-instance deployments. A single-instance
// deployment does not use this package; it talks to a storage.Store
// directly.
package coordinator

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/relaycore/scheduled/pkg/storage"
	"github.com/relaycore/scheduled/pkg/types"
)

// Command is one replicated log entry: an op tag plus its JSON payload.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opPutSchedule     = "put_schedule"
	opRemoveSchedule  = "remove_schedule"
	opAcquireDue      = "acquire_due"
	opReleaseSchedule = "release_schedule"
	opPutJob          = "put_job"
)

// putScheduleArgs/acquireDueArgs/releaseArgs are the JSON shapes carried
// inside Command.Data for the ops that take more than one scalar argument.
type putScheduleArgs struct {
	Schedule        *types.Schedule `json:"schedule"`
	ReplaceExisting bool            `json:"replace_existing"`
}

type acquireDueArgs struct {
	Now       time.Time `json:"now"`
	Limit     int       `json:"limit"`
	ClaimedBy string    `json:"claimed_by"`
}

type releaseArgs struct {
	ScheduleID      string     `json:"schedule_id"`
	NewNextFireTime *time.Time `json:"new_next_fire_time"`
}

// applyResult is what Apply returns for every op: either claimed schedules
// (acquire_due) or a bare error, so callers get back exactly what the
// underlying storage.Store call would have given them.
type applyResult struct {
	Schedules []*types.Schedule
	Err       error
}

// FSM implements raft.FSM over a storage.Store. The claim timestamp
// for acquire_due travels inside the command payload (acquireDueArgs.Now)
// so every replica applies the identical "now" and stays deterministic.
type FSM struct {
	mu    sync.Mutex
	store storage.Store
}

// NewFSM wraps store behind a raft state machine.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Apply applies one committed log entry. The hashicorp/raft contract is
// that the return value is handed back to whichever goroutine submitted the
// entry via raft.Apply(...).Response(). Only mutating ops go through the
// log; reads (Get/List) are served from the local store by raftStore.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return applyResult{Err: fmt.Errorf("coordinator: unmarshal command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opPutSchedule:
		var args putScheduleArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Err: f.store.Put(args.Schedule, args.ReplaceExisting)}

	case opRemoveSchedule:
		var scheduleID string
		if err := json.Unmarshal(cmd.Data, &scheduleID); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Err: f.store.Remove(scheduleID)}

	case opAcquireDue:
		var args acquireDueArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return applyResult{Err: err}
		}
		schedules, err := f.store.AcquireDue(args.Now, args.Limit, args.ClaimedBy)
		return applyResult{Schedules: schedules, Err: err}

	case opReleaseSchedule:
		var args releaseArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Err: f.store.Release(args.ScheduleID, args.NewNextFireTime)}

	case opPutJob:
		var job types.Job
		if err := json.Unmarshal(cmd.Data, &job); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Err: f.store.PutJob(&job)}

	default:
		return applyResult{Err: fmt.Errorf("coordinator: unknown command %q", cmd.Op)}
	}
}

// Snapshot captures every schedule and job currently in the store as one
// JSON document.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	schedules, err := f.store.List(nil, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("coordinator: list schedules for snapshot: %w", err)
	}

	var jobs []*types.Job
	for _, sched := range schedules {
		js, err := f.store.ListJobsBySchedule(sched.ID, 0)
		if err != nil {
			return nil, fmt.Errorf("coordinator: list jobs for snapshot: %w", err)
		}
		jobs = append(jobs, js...)
	}

	return &snapshot{Schedules: schedules, Jobs: jobs}, nil
}

// Restore replaces the store's contents with a previously captured snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("coordinator: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sched := range snap.Schedules {
		if err := f.store.Put(sched, true); err != nil {
			return fmt.Errorf("coordinator: restore schedule %s: %w", sched.ID, err)
		}
	}
	for _, job := range snap.Jobs {
		if err := f.store.PutJob(job); err != nil {
			return fmt.Errorf("coordinator: restore job %s: %w", job.ID, err)
		}
	}
	return nil
}

// snapshot is the point-in-time payload persisted by raft's snapshot store.
type snapshot struct {
	Schedules []*types.Schedule `json:"schedules"`
	Jobs      []*types.Job      `json:"jobs"`
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		enc := json.NewEncoder(sink)
		return enc.Encode(s)
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshot) Release() {}
