package dispatch

import (
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaycore/scheduled/pkg/execlog"
	"github.com/relaycore/scheduled/pkg/registry"
	"github.com/relaycore/scheduled/pkg/storage"
	"github.com/relaycore/scheduled/pkg/types"
	"github.com/relaycore/scheduled/pkg/wireclient"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeHandler accepts connections and replies according to behavior: "ok"
// echoes params back as the result, "fail" always replies success:false.
func fakeHandler(t *testing.T, behavior string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					raw, err := wireclient.ReadFrame(conn)
					if err != nil {
						return
					}
					var req wireclient.Request
					_ = json.Unmarshal(raw, &req)

					var reply wireclient.Reply
					switch behavior {
					case "fail":
						reply = wireclient.Reply{Success: false, Error: "handler exploded"}
					default:
						result, _ := json.Marshal(req.Params)
						reply = wireclient.Reply{Success: true, Result: result}
					}
					out, _ := json.Marshal(reply)
					if err := wireclient.WriteFrame(conn, out); err != nil {
						return
					}
				}
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func newTestEngine(t *testing.T, handlerID, handlerAddr string) (*Engine, storage.Store, *registry.Registry) {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := registry.New(filepath.Join(dir, "registry.yaml"), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, reg.Register(handlerID, handlerAddr, []string{"do_thing"}))

	execLog := execlog.New(100)

	engine := NewEngine(store, reg, execLog, Config{
		PlannerInterval: 20 * time.Millisecond,
		BatchSize:       10,
		Workers:         2,
		QueueDepth:      10,
		CallTimeout:     2 * time.Second,
	})
	return engine, store, reg
}

func TestEngine_RunNowSucceeds(t *testing.T) {
	addr := fakeHandler(t, "ok")
	engine, _, _ := newTestEngine(t, "h1", addr)
	engine.Start()
	defer engine.Stop()

	result, err := engine.RunNow("h1", "do_thing", map[string]any{"x": float64(42)})
	require.NoError(t, err)

	got, ok := result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(42), got["x"])
}

func TestEngine_RunNowHandlerUnavailable(t *testing.T) {
	engine, _, _ := newTestEngine(t, "h1", "127.0.0.1:1")
	engine.Start()
	defer engine.Stop()

	_, err := engine.RunNow("missing-handler", "do_thing", nil)
	require.Error(t, err)
}

func TestEngine_RunNowRetriesThenExhausts(t *testing.T) {
	addr := fakeHandler(t, "fail")
	engine, _, _ := newTestEngine(t, "h1", addr)
	engine.Start()
	defer engine.Stop()

	start := time.Now()
	_, err := engine.RunNow("h1", "do_thing", nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	require.Contains(t, err.Error(), "handler exploded")
	// two retries at backoffFloor-scale delays must have elapsed (attempt 1
	// fails immediately, attempts 2 and 3 each wait at least the backoff
	// floor before running).
	require.GreaterOrEqual(t, elapsed, 2*backoffFloor)

	stats := engine.execLog.GetStats()
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 1, stats.Error) // only the final attempt counts as a terminal error
}

func TestEngine_PlannerMaterializesDueSchedule(t *testing.T) {
	addr := fakeHandler(t, "ok")
	engine, store, _ := newTestEngine(t, "h1", addr)

	due := time.Now().Add(-time.Second)
	sched := &types.Schedule{
		ID:               "s1",
		HandlerID:        "h1",
		MethodName:       "do_thing",
		Params:           map[string]any{"y": float64(1)},
		Trigger:          types.Trigger{Kind: types.TriggerInterval, Period: time.Hour},
		NextFireTime:     &due,
		MisfireGraceTime: time.Minute,
		Coalesce:         types.CoalesceLatest,
		MaxAttempts:      3,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, store.Put(sched, false))

	engine.Start()
	defer engine.Stop()

	require.Eventually(t, func() bool {
		stats := engine.execLog.GetStats()
		return stats.Success == 1
	}, 2*time.Second, 10*time.Millisecond)

	updated, err := store.Get("s1")
	require.NoError(t, err)
	require.NotNil(t, updated.NextFireTime)
	require.True(t, updated.NextFireTime.After(due))
}

func TestCollectPastFireTimes_Coalesce(t *testing.T) {
	now := time.Now()
	start := now.Add(-10 * time.Minute)
	sched := &types.Schedule{
		Trigger:      types.Trigger{Kind: types.TriggerInterval, Period: time.Minute, Start: &start},
		NextFireTime: &start,
	}

	times, err := collectPastFireTimes(sched, now)
	require.NoError(t, err)
	require.True(t, len(times) > 1)

	sched.Coalesce = types.CoalesceLatest
	toRun, misfired := applyMisfireAndCoalesce(sched, now, times)
	require.Len(t, toRun, 1)
	require.Equal(t, times[len(times)-1], toRun[0])
	require.Len(t, misfired, len(times)-1)

	sched.Coalesce = types.CoalesceEarliest
	toRun, misfired = applyMisfireAndCoalesce(sched, now, times)
	require.Len(t, toRun, 1)
	require.Equal(t, times[0], toRun[0])

	sched.Coalesce = types.CoalesceAll
	toRun, misfired = applyMisfireAndCoalesce(sched, now, times)
	require.Equal(t, len(times), len(toRun))
	require.Empty(t, misfired)
}

func TestBackoffDelay_Monotone(t *testing.T) {
	d1 := backoffDelay(1)
	d3 := backoffDelay(3)
	require.GreaterOrEqual(t, d1, backoffFloor)
	require.Greater(t, d3, d1/2) // loose bound given jitter, but factor^2 growth dominates
}

func TestEngine_FollowerPlannerSkipsClaims(t *testing.T) {
	addr := fakeHandler(t, "ok")
	engine, store, _ := newTestEngine(t, "h1", addr)
	engine.cfg.IsLeader = func() bool { return false }

	due := time.Now().Add(-time.Second)
	sched := &types.Schedule{
		ID:           "s-follower",
		HandlerID:    "h1",
		MethodName:   "do_thing",
		Trigger:      types.Trigger{Kind: types.TriggerInterval, Period: time.Hour},
		NextFireTime: &due,
		Coalesce:     types.CoalesceLatest,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, store.Put(sched, false))

	engine.Start()
	defer engine.Stop()

	time.Sleep(150 * time.Millisecond)
	require.Zero(t, engine.execLog.GetStats().Total)

	unclaimed, err := store.Get("s-follower")
	require.NoError(t, err)
	require.NotNil(t, unclaimed.NextFireTime)
	require.Equal(t, due.Unix(), unclaimed.NextFireTime.Unix())
}

func TestEngine_PublishesSettlementEvents(t *testing.T) {
	addr := fakeHandler(t, "ok")
	engine, _, _ := newTestEngine(t, "h1", addr)

	var mu sync.Mutex
	var kinds []string
	engine.cfg.PublishEvent = func(payload []byte) error {
		var ev types.SchedulerEvent
		require.NoError(t, json.Unmarshal(payload, &ev))
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
		return nil
	}

	engine.Start()
	defer engine.Stop()

	_, err := engine.RunNow("h1", "do_thing", nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"job_succeeded"}, kinds)
}

func TestCollectPastFireTimes_DateTriggerYieldsSingleFire(t *testing.T) {
	now := time.Now()
	run := now.Add(-time.Minute)
	sched := &types.Schedule{
		Trigger:      types.Trigger{Kind: types.TriggerDate, RunDate: run},
		NextFireTime: &run,
	}

	times, err := collectPastFireTimes(sched, now)
	require.NoError(t, err)
	require.Len(t, times, 1)
	require.Equal(t, run, times[0])
}

func TestEngine_DateScheduleFiresOnceThenExhausts(t *testing.T) {
	addr := fakeHandler(t, "ok")
	engine, store, _ := newTestEngine(t, "h1", addr)

	run := time.Now().Add(-time.Second)
	sched := &types.Schedule{
		ID:               "date-1",
		HandlerID:        "h1",
		MethodName:       "do_thing",
		Trigger:          types.Trigger{Kind: types.TriggerDate, RunDate: run},
		NextFireTime:     &run,
		MisfireGraceTime: time.Minute,
		Coalesce:         types.CoalesceLatest,
		MaxAttempts:      3,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, store.Put(sched, false))

	engine.Start()
	defer engine.Stop()

	require.Eventually(t, func() bool {
		return engine.execLog.GetStats().Success == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Exhausted: next_fire_time is cleared and later ticks neither re-fire
	// nor record misfires.
	exhausted, err := store.Get("date-1")
	require.NoError(t, err)
	require.Nil(t, exhausted.NextFireTime)

	time.Sleep(100 * time.Millisecond)
	stats := engine.execLog.GetStats()
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.Success)
}

func TestEngine_MissedDateScheduleMisfiresOnceThenExhausts(t *testing.T) {
	addr := fakeHandler(t, "ok")
	engine, store, _ := newTestEngine(t, "h1", addr)

	run := time.Now().Add(-time.Hour) // far outside the grace window
	sched := &types.Schedule{
		ID:               "date-late",
		HandlerID:        "h1",
		MethodName:       "do_thing",
		Trigger:          types.Trigger{Kind: types.TriggerDate, RunDate: run},
		NextFireTime:     &run,
		MisfireGraceTime: time.Second,
		Coalesce:         types.CoalesceLatest,
		MaxAttempts:      3,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, store.Put(sched, false))

	engine.Start()
	defer engine.Stop()

	require.Eventually(t, func() bool {
		return len(engine.execLog.GetErrors(10)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	exhausted, err := store.Get("date-late")
	require.NoError(t, err)
	require.Nil(t, exhausted.NextFireTime)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, engine.execLog.GetStats().Total)
}
