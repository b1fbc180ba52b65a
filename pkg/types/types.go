// Package types holds the domain model shared across the scheduler: handlers,
// schedules, triggers, job instances, execution records, and broker events.
package types

import (
	"time"
)

// HandlerStatus is the liveness state of a registered handler.
type HandlerStatus string

const (
	HandlerStatusRegistered   HandlerStatus = "registered"
	HandlerStatusConnected    HandlerStatus = "connected"
	HandlerStatusDisconnected HandlerStatus = "disconnected"
	HandlerStatusOffline      HandlerStatus = "offline"
)

// Handler is the persisted identity of a remote worker: where it lives and
// what it can do. The cached Wire Client that talks to it is never part of
// this struct; see pkg/registry.
type Handler struct {
	ID           string        `json:"id" yaml:"-"`
	Address      string        `json:"address" yaml:"address"`
	Methods      []string      `json:"methods" yaml:"methods"`
	RegisteredAt time.Time     `json:"registered_at" yaml:"registered_at"`
	LastUpdated  time.Time     `json:"last_updated" yaml:"last_updated"`
	Status       HandlerStatus `json:"status" yaml:"status"`
}

// HasMethod reports whether the handler currently advertises method m.
func (h *Handler) HasMethod(m string) bool {
	for _, x := range h.Methods {
		if x == m {
			return true
		}
	}
	return false
}

// TriggerKind tags the variant held by a Trigger.
type TriggerKind string

const (
	TriggerDate     TriggerKind = "date"
	TriggerInterval TriggerKind = "interval"
	TriggerCron     TriggerKind = "cron"
)

// Trigger is a tagged union of the three fire-time rules the evaluator
// understands. Exactly one of the kind-specific field groups is meaningful
// at a time, selected by Kind.
type Trigger struct {
	Kind TriggerKind `json:"type"`

	// date
	RunDate time.Time `json:"run_date,omitempty"`

	// interval
	Period    time.Duration `json:"period,omitempty"`
	Start     *time.Time    `json:"start_time,omitempty"`
	End       *time.Time    `json:"end_time,omitempty"`

	// cron
	CronExpr string         `json:"cron_expr,omitempty"`
	Timezone string         `json:"timezone,omitempty"`
}

// Coalesce is the policy applied when acquire_due finds more than one past
// fire-time pending for a single schedule.
type Coalesce string

const (
	CoalesceLatest   Coalesce = "latest"
	CoalesceEarliest Coalesce = "earliest"
	CoalesceAll      Coalesce = "all"
)

// CoalesceAllCap bounds the number of instances CoalesceAll will materialize
// in a single acquire_due call; the remainder are dropped as misfires.
const CoalesceAllCap = 100

// Schedule is a persisted recurrence: handler, method, params, trigger, and
// the bookkeeping the planner needs to know when it next fires.
type Schedule struct {
	ID               string     `json:"id"`
	HandlerID        string     `json:"handler_id"`
	MethodName       string     `json:"method_name"`
	Params           map[string]any `json:"params"`
	Trigger          Trigger    `json:"trigger"`
	NextFireTime     *time.Time `json:"next_fire_time"`
	MisfireGraceTime time.Duration `json:"misfire_grace_time"`
	Coalesce         Coalesce   `json:"coalesce"`
	MaxJitter        time.Duration `json:"max_jitter"`
	MaxAttempts      int        `json:"max_attempts"`
	PausedUntil      *time.Time `json:"paused_until,omitempty"`

	// ClaimedAt/ClaimedBy implement the short-lived acquire_due lease; zero
	// ClaimedAt means unclaimed. Not part of the public API surface.
	ClaimedAt time.Time `json:"claimed_at,omitempty"`
	ClaimedBy string    `json:"claimed_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// JobState is the lifecycle stage of one materialized Job instance.
type JobState string

const (
	JobQueued       JobState = "queued"
	JobRunning      JobState = "running"
	JobSucceeded    JobState = "succeeded"
	JobFailed       JobState = "failed"
	JobRetryPending JobState = "retry_pending"
)

// Job is one materialization of a schedule (or a run-now call): a single
// intended fire, which may involve several attempts before it settles.
type Job struct {
	ID           string         `json:"id"`
	ScheduleID   string         `json:"schedule_id,omitempty"`
	HandlerID    string         `json:"handler_id"`
	MethodName   string         `json:"method_name"`
	Params       map[string]any `json:"params"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	CreatedAt    time.Time      `json:"created_at"`
	AttemptNum   int            `json:"attempt_number"`
	MaxAttempts  int            `json:"max_attempts"`
	State        JobState       `json:"state"`
}

// ExecutionStatus is the terminal or in-flight outcome of one attempt.
type ExecutionStatus string

const (
	ExecRunning ExecutionStatus = "running"
	ExecSuccess ExecutionStatus = "success"
	ExecError   ExecutionStatus = "error"
	ExecRetry   ExecutionStatus = "retry"
	ExecMisfire ExecutionStatus = "misfire"
)

// ExecutionRecord is one row of the bounded execution log: a single attempt
// at dispatching a job to a handler.
type ExecutionRecord struct {
	Seq           uint64          `json:"seq"`
	JobID         string          `json:"job_id"`
	HandlerID     string          `json:"handler_id"`
	MethodName    string          `json:"method_name"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	DurationMs    *int64          `json:"duration_ms,omitempty"`
	Status        ExecutionStatus `json:"status"`
	Result        any             `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	AttemptNumber int             `json:"attempt_number"`
	MaxAttempts   int             `json:"max_attempts"`
	ParamsSummary string          `json:"params_summary"`
}

// SchedulerEvent is the payload published on the event broker whenever a
// schedule fires or a job settles, so peer coordinator instances observe
// the same state changes.
type SchedulerEvent struct {
	Kind       string    `json:"kind"` // job_materialized, job_succeeded, job_failed
	ScheduleID string    `json:"schedule_id,omitempty"`
	JobID      string    `json:"job_id"`
	HandlerID  string    `json:"handler_id"`
	Time       time.Time `json:"time"`
}

// BrokerEventKind tags the three message shapes carried on the event broker.
type BrokerEventKind string

const (
	BrokerEvent    BrokerEventKind = "event"
	BrokerHeartbeat BrokerEventKind = "heartbeat"
	BrokerShutdown BrokerEventKind = "shutdown"
)

// BrokerMessage is the wire envelope exchanged between coordinator instances
// over the event broker's pub/sub transport.
type BrokerMessage struct {
	Type       BrokerEventKind `json:"type"`
	InstanceID string          `json:"instance_id"`
	PID        int             `json:"pid"`
	Address    string          `json:"address,omitempty"`
	Payload    []byte          `json:"payload,omitempty"` // base64 over the wire via encoding/json
}
