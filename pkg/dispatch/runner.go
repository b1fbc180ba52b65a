package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaycore/scheduled/pkg/execlog"
	"github.com/relaycore/scheduled/pkg/metrics"
	"github.com/relaycore/scheduled/pkg/types"
)

// runOutcome carries the settled result of a run-now job back to its
// synchronous caller. Scheduled jobs (rj.result == nil) have no one waiting.
type runOutcome struct {
	result any
	err    error
}

// runJob pairs a materialized Job with the optional result channel of the
// caller that is blocked waiting for it (run_now only).
type runJob struct {
	job    *types.Job
	result chan runOutcome
}

// runner is the bounded worker pool: it consumes the job queue
// concurrently, calls out to the target handler via the Wire Client, and
// applies the exponential-backoff retry policy for transient failures via
// in-memory timers.
type runner struct {
	engine *Engine

	queue    chan *runJob
	wg       sync.WaitGroup
	draining atomic.Bool
}

func newRunner(e *Engine) *runner {
	return &runner{
		engine: e,
		queue:  make(chan *runJob, e.cfg.QueueDepth),
	}
}

func (r *runner) start() {
	for i := 0; i < r.engine.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	r.engine.logger.Info().Int("workers", r.engine.cfg.Workers).Msg("runner pool started")
}

// stop stops accepting new jobs, closes the queue so idle workers exit,
// and waits for in-flight attempts to settle up to the shutdown deadline.
func (r *runner) stop() {
	r.draining.Store(true)
	close(r.queue)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.engine.logger.Info().Msg("runner pool drained")
	case <-time.After(30 * time.Second):
		r.engine.logger.Warn().Msg("runner pool drain deadline exceeded, proceeding with shutdown")
	}
}

func (r *runner) worker() {
	defer r.wg.Done()
	for rj := range r.queue {
		r.execute(rj)
	}
}

// enqueue hands a planner-materialized job to the pool with no caller
// waiting on the result.
func (r *runner) enqueue(job *types.Job) {
	r.enqueueWithResult(job, nil)
}

// enqueueWithResult hands a job to the pool, optionally wiring a result
// channel for a synchronous run_now caller. Once the pool is draining, jobs
// are dropped rather than sent to the (possibly closed) queue channel, the
// same retry-loss-on-shutdown trade-off accepted for in-flight retries.
func (r *runner) enqueueWithResult(job *types.Job, result chan runOutcome) {
	if r.draining.Load() {
		r.engine.logger.Warn().Str("job_id", job.ID).Msg("runner is draining, dropping job")
		if result != nil {
			result <- runOutcome{err: fmt.Errorf("dispatch: runner is shutting down")}
		}
		return
	}

	select {
	case r.queue <- &runJob{job: job, result: result}:
		metrics.RunnerQueueDepth.Set(float64(len(r.queue)))
	default:
		r.engine.logger.Warn().Str("job_id", job.ID).Msg("runner queue full, dropping job")
		if result != nil {
			result <- runOutcome{err: fmt.Errorf("dispatch: runner queue is full")}
		}
	}
}

// execute runs a single attempt and drives the job's state machine forward:
// Queued -> Running -> Succeeded, or Running -> RetryPending/Failed on
// error.
func (r *runner) execute(rj *runJob) {
	job := rj.job
	job.AttemptNum++
	job.State = types.JobRunning

	handle := r.engine.execLog.RecordStart(job.ID, job.HandlerID, job.MethodName, job.AttemptNum, job.MaxAttempts, job.Params)
	timer := metrics.NewTimer()

	client, err := r.engine.registry.GetClient(job.HandlerID)
	if err != nil {
		r.fail(rj, handle, timer, fmt.Errorf("handler unavailable: %w", err))
		return
	}

	reply, err := client.Call(job.MethodName, job.Params)
	if err != nil {
		r.fail(rj, handle, timer, err)
		return
	}
	if !reply.Success {
		r.fail(rj, handle, timer, errors.New(reply.Error))
		return
	}

	var result any
	if len(reply.Result) > 0 {
		if err := json.Unmarshal(reply.Result, &result); err != nil {
			r.engine.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to decode handler result")
		}
	}

	job.State = types.JobSucceeded
	r.engine.execLog.RecordSuccess(handle, result)
	r.engine.publishEvent("job_succeeded", job)
	timer.ObserveDurationVec(metrics.JobDispatchDuration, job.HandlerID)
	metrics.JobsDispatchedTotal.WithLabelValues(job.HandlerID, "success").Inc()
	if err := r.engine.store.PutJob(job); err != nil {
		r.engine.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to persist job state")
	}

	if rj.result != nil {
		rj.result <- runOutcome{result: result}
	}
}

// fail records a failed attempt and either schedules a retry or settles the
// job as Failed, depending on whether attempts remain.
func (r *runner) fail(rj *runJob, handle execlog.Handle, timer *metrics.Timer, cause error) {
	job := rj.job
	timer.ObserveDurationVec(metrics.JobDispatchDuration, job.HandlerID)
	metrics.JobsDispatchedTotal.WithLabelValues(job.HandlerID, "error").Inc()

	final := job.AttemptNum >= job.MaxAttempts
	r.engine.execLog.RecordError(handle, cause.Error(), final)

	if final {
		job.State = types.JobFailed
		metrics.JobsExhaustedTotal.Inc()
		if err := r.engine.store.PutJob(job); err != nil {
			r.engine.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to persist job state")
		}
		r.engine.logger.Error().Err(cause).Str("job_id", job.ID).Int("attempts", job.AttemptNum).Msg("job exhausted all retry attempts")
		r.engine.publishEvent("job_failed", job)
		if rj.result != nil {
			rj.result <- runOutcome{err: cause}
		}
		return
	}

	job.State = types.JobRetryPending
	if err := r.engine.store.PutJob(job); err != nil {
		r.engine.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to persist job state")
	}
	metrics.JobRetriesTotal.Inc()

	delay := backoffDelay(job.AttemptNum)
	r.engine.logger.Warn().Err(cause).Str("job_id", job.ID).Int("attempt", job.AttemptNum).Dur("retry_in", delay).Msg("attempt failed, scheduling retry")

	time.AfterFunc(delay, func() {
		job.State = types.JobQueued
		r.enqueueWithResult(job, rj.result)
	})
}
