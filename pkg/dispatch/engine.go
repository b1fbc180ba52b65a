package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/relaycore/scheduled/pkg/execlog"
	"github.com/relaycore/scheduled/pkg/log"
	"github.com/relaycore/scheduled/pkg/registry"
	"github.com/relaycore/scheduled/pkg/storage"
	"github.com/relaycore/scheduled/pkg/trigger"
	"github.com/relaycore/scheduled/pkg/types"
	"github.com/rs/zerolog"
)

// maxCoalesceScan bounds how many past fire-times planSchedule will walk
// forward through the trigger evaluator before giving up; it is a multiple
// of CoalesceAllCap so a pathologically short interval can never spin the
// planner loop indefinitely.
const maxCoalesceScan = types.CoalesceAllCap * 2

// Config tunes the planner/runner loops. Zero-valued fields fall back to
// the listed defaults.
type Config struct {
	InstanceID      string
	PlannerInterval time.Duration // tick period, default and ceiling 1s
	BatchSize       int           // AcquireDue batch size, default 50
	Workers         int           // runner pool size, default 8
	QueueDepth      int           // buffered job channel size, default 256
	CallTimeout     time.Duration // per-attempt Wire Client timeout, default 30s

	// IsLeader gates planner claims when multiple coordinator instances
	// share an event broker: a follower's planner skips its tick entirely.
	// Nil means always claim (single-instance deployment).
	IsLeader func() bool

	// PublishEvent, when non-nil, receives a serialized SchedulerEvent for
	// every materialization and job settlement, for peer instances
	// subscribed to the event broker.
	PublishEvent func(payload []byte) error
}

func (c Config) withDefaults() Config {
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.PlannerInterval <= 0 {
		c.PlannerInterval = 1 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

// Engine is the Dispatch Engine: a planner loop materializing Job instances
// from due schedules, and a runner pool executing them against their
// handlers.
type Engine struct {
	cfg      Config
	store    storage.Store
	registry *registry.Registry
	execLog  *execlog.Log
	logger   zerolog.Logger

	planner *planner
	runner  *runner
}

// NewEngine wires a Dispatch Engine over the given Schedule Store, Handler
// Registry, and Execution Log.
func NewEngine(store storage.Store, reg *registry.Registry, execLog *execlog.Log, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		store:    store,
		registry: reg,
		execLog:  execLog,
		logger:   log.WithComponent("dispatch"),
	}
	e.runner = newRunner(e)
	e.planner = newPlanner(e)
	return e
}

// Start launches the planner and runner loops.
func (e *Engine) Start() {
	e.runner.start()
	e.planner.start()
}

// Stop signals both loops to stop and waits for the runner to drain, up to
// its shutdown deadline.
func (e *Engine) Stop() {
	e.planner.stop()
	e.runner.stop()
}

// RunNow enqueues a one-off job without creating a schedule; the job is
// written to the store only as an audit record. It
// blocks until the attempt (including retries)
// settles, returning the handler's result or the final error.
func (e *Engine) RunNow(handlerID, methodName string, params map[string]any) (any, error) {
	job := &types.Job{
		ID:           uuid.NewString(),
		HandlerID:    handlerID,
		MethodName:   methodName,
		Params:       params,
		ScheduledFor: time.Now(),
		CreatedAt:    time.Now(),
		AttemptNum:   0,
		MaxAttempts:  3,
		State:        types.JobQueued,
	}
	if err := e.store.PutJob(job); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to persist run-now job audit record")
	}

	result := make(chan runOutcome, 1)
	e.runner.enqueueWithResult(job, result)

	outcome := <-result
	return outcome.result, outcome.err
}

// publishEvent emits a SchedulerEvent through the configured hook, if any.
// Publish failures are logged and swallowed; peers converge on the next
// schedule fire, and the local state change has already been applied.
func (e *Engine) publishEvent(kind string, job *types.Job) {
	if e.cfg.PublishEvent == nil {
		return
	}
	payload, err := json.Marshal(types.SchedulerEvent{
		Kind:       kind,
		ScheduleID: job.ScheduleID,
		JobID:      job.ID,
		HandlerID:  job.HandlerID,
		Time:       time.Now(),
	})
	if err != nil {
		return
	}
	if err := e.cfg.PublishEvent(payload); err != nil {
		e.logger.Warn().Err(err).Str("kind", kind).Str("job_id", job.ID).Msg("failed to publish scheduler event")
	}
}

// materializeJob builds a Job instance bound to a specific past fire-time of
// sched, with a freshly generated job ID.
func (e *Engine) materializeJob(sched *types.Schedule, firedAt time.Time) *types.Job {
	job := &types.Job{
		ID:           uuid.NewString(),
		ScheduleID:   sched.ID,
		HandlerID:    sched.HandlerID,
		MethodName:   sched.MethodName,
		Params:       sched.Params,
		ScheduledFor: firedAt,
		CreatedAt:    time.Now(),
		AttemptNum:   0,
		MaxAttempts:  sched.MaxAttempts,
		State:        types.JobQueued,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	if err := e.store.PutJob(job); err != nil {
		e.logger.Warn().Err(err).Str("schedule_id", sched.ID).Str("job_id", job.ID).Msg("failed to persist materialized job audit record")
	}
	e.publishEvent("job_materialized", job)
	return job
}

// collectPastFireTimes walks the trigger evaluator forward from sched's
// current next_fire_time, gathering every fire-time that is still <= now:
// the raw material for the coalesce policy in planSchedule.
func collectPastFireTimes(sched *types.Schedule, now time.Time) ([]time.Time, error) {
	if sched.NextFireTime == nil {
		return nil, nil
	}
	var times []time.Time
	cursor := *sched.NextFireTime
	if cursor.After(now) {
		return times, nil
	}
	times = append(times, cursor)
	// A date trigger fires exactly once; the evaluator keeps answering
	// RunDate for any `after` at or before it, so walking it forward would
	// loop on the same instant.
	if sched.Trigger.Kind == types.TriggerDate {
		return times, nil
	}
	for i := 0; i < maxCoalesceScan; i++ {
		next, err := trigger.NextFireTime(sched.Trigger, cursor)
		if err != nil {
			return times, fmt.Errorf("dispatch: evaluate trigger for schedule %s: %w", sched.ID, err)
		}
		if next == nil || next.After(now) {
			break
		}
		cursor = *next
		times = append(times, cursor)
	}
	return times, nil
}
