package dispatch

import (
	"time"

	"github.com/relaycore/scheduled/pkg/metrics"
	"github.com/relaycore/scheduled/pkg/trigger"
	"github.com/relaycore/scheduled/pkg/types"
)

// planner is the Dispatch Engine's planner loop: a fixed-interval tick
// that runs one cycle, logs and continues on per-schedule error rather
// than aborting, and stops cooperatively on stopCh.
type planner struct {
	engine *Engine
	stopCh chan struct{}
}

func newPlanner(e *Engine) *planner {
	return &planner{engine: e, stopCh: make(chan struct{})}
}

func (p *planner) start() {
	go p.run()
}

func (p *planner) stop() {
	close(p.stopCh)
}

func (p *planner) run() {
	ticker := time.NewTicker(p.engine.cfg.PlannerInterval)
	defer ticker.Stop()

	p.engine.logger.Info().Msg("planner loop started")
	for {
		select {
		case <-ticker.C:
			p.tick()
		case <-p.stopCh:
			p.engine.logger.Info().Msg("planner loop stopped")
			return
		}
	}
}

func (p *planner) tick() {
	if p.engine.cfg.IsLeader != nil && !p.engine.cfg.IsLeader() {
		return
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PlannerCycleDuration)

	now := time.Now()
	due, err := p.engine.store.AcquireDue(now, p.engine.cfg.BatchSize, p.engine.cfg.InstanceID)
	if err != nil {
		p.engine.logger.Error().Err(err).Msg("acquire_due failed")
		return
	}
	if len(due) == 0 {
		return
	}
	metrics.SchedulesAcquiredTotal.Add(float64(len(due)))

	for _, sched := range due {
		if err := p.planSchedule(now, sched); err != nil {
			p.engine.logger.Error().Err(err).Str("schedule_id", sched.ID).Msg("failed to plan schedule")
		}
	}
}

// planSchedule applies the misfire and coalesce policies to one claimed
// schedule: it walks every past fire-time
// since the schedule's last release, splits them into candidates-to-run and
// misfires, materializes the survivors, and releases the claim with the
// freshly computed future next_fire_time.
func (p *planner) planSchedule(now time.Time, sched *types.Schedule) error {
	times, err := collectPastFireTimes(sched, now)
	if err != nil {
		// Still release the claim with no advance so the schedule is not
		// stuck claimed forever; the caller will see the error logged.
		_ = p.engine.store.Release(sched.ID, sched.NextFireTime)
		return err
	}

	toRun, misfired := applyMisfireAndCoalesce(sched, now, times)

	for range misfired {
		p.engine.execLog.RecordMisfire(sched.ID, sched.HandlerID, sched.MethodName)
		metrics.MisfiresTotal.Inc()
	}

	for _, firedAt := range toRun {
		job := p.engine.materializeJob(sched, firedAt)
		p.engine.runner.enqueue(job)
	}

	// A date trigger whose single fire-time was consumed (run or misfired)
	// is exhausted; asking the evaluator again with cursor == RunDate would
	// hand back RunDate forever.
	if sched.Trigger.Kind == types.TriggerDate && len(times) > 0 {
		return p.engine.store.Release(sched.ID, nil)
	}

	var cursor time.Time
	if len(times) > 0 {
		cursor = times[len(times)-1]
	} else {
		cursor = now
	}
	next, err := trigger.NextFireTime(sched.Trigger, cursor)
	if err != nil {
		p.engine.logger.Error().Err(err).Str("schedule_id", sched.ID).Msg("failed to compute next fire time")
		next = nil
	}

	return p.engine.store.Release(sched.ID, next)
}

// applyMisfireAndCoalesce first drops any fire-time older than
// misfire_grace_time, then collapses or caps the remainder per the
// schedule's coalesce policy.
func applyMisfireAndCoalesce(sched *types.Schedule, now time.Time, times []time.Time) (toRun, misfired []time.Time) {
	var candidates []time.Time
	for _, t := range times {
		if sched.MisfireGraceTime > 0 && now.Sub(t) > sched.MisfireGraceTime {
			misfired = append(misfired, t)
			continue
		}
		candidates = append(candidates, t)
	}

	switch sched.Coalesce {
	case types.CoalesceEarliest:
		if len(candidates) > 1 {
			misfired = append(misfired, candidates[1:]...)
			candidates = candidates[:1]
		}
	case types.CoalesceAll:
		if len(candidates) > types.CoalesceAllCap {
			misfired = append(misfired, candidates[types.CoalesceAllCap:]...)
			candidates = candidates[:types.CoalesceAllCap]
		}
	default: // types.CoalesceLatest and the zero value both collapse to latest
		if len(candidates) > 1 {
			misfired = append(misfired, candidates[:len(candidates)-1]...)
			candidates = candidates[len(candidates)-1:]
		}
	}

	return candidates, misfired
}
