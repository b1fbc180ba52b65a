// Package storage is the durable Schedule Store: schedules and their
// materialized job instances, backed by a transactional key-value database.
package storage

import (
	"time"

	"github.com/relaycore/scheduled/pkg/types"
)

// Store defines the Schedule Store contract. A single
// implementation (BoltStore) backs a lone coordinator instance; when raft
// clustering is enabled, mutating calls are routed through the FSM instead
// (see pkg/coordinator/fsm.go) and eventually land here via Apply.
type Store interface {
	// Put inserts or replaces a schedule. If replaceExisting is false and
	// the id already exists, it returns ErrConflict.
	Put(schedule *types.Schedule, replaceExisting bool) error

	// Remove deletes a schedule. Absence is not an error.
	Remove(scheduleID string) error

	Get(scheduleID string) (*types.Schedule, error)

	// List returns schedules whose NextFireTime falls in [start, end] when
	// those bounds are non-nil, paginated by limit/offset.
	List(start, end *time.Time, limit, offset int) ([]*types.Schedule, error)

	// AcquireDue claims up to limit schedules whose NextFireTime is <= now
	// and returns them with a short-lived claim recorded, so a concurrent
	// caller (another planner) will not see the same rows until Release or
	// lease expiry.
	AcquireDue(now time.Time, limit int, claimedBy string) ([]*types.Schedule, error)

	// Release writes the recomputed NextFireTime (nil meaning exhausted)
	// and clears the claim set by AcquireDue.
	Release(scheduleID string, newNextFireTime *time.Time) error

	// Jobs records materialized job instances for inspection; the Dispatch
	// Engine is the sole owner of in-flight state, this is an audit trail.
	PutJob(job *types.Job) error
	GetJob(jobID string) (*types.Job, error)
	ListJobsBySchedule(scheduleID string, limit int) ([]*types.Job, error)

	Close() error
}
