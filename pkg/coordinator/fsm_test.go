package coordinator

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/relaycore/scheduled/pkg/storage"
	"github.com/relaycore/scheduled/pkg/types"
	"github.com/stretchr/testify/require"
)

// memSink is a minimal in-memory raft.SnapshotSink for exercising
// FSM.Snapshot/Restore without a real raft.FileSnapshotStore.
type memSink struct {
	bytes.Buffer
}

func (m *memSink) ID() string      { return "test-snapshot" }
func (m *memSink) Cancel() error   { return nil }
func (m *memSink) Close() error    { return nil }
func (m *memSink) readCloser() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(m.Bytes()))
}

func newTestFSM(t *testing.T) (*FSM, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewFSM(store), store
}

func applyCmd(t *testing.T, fsm *FSM, op string, data any) applyResult {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	cmdBytes, err := json.Marshal(Command{Op: op, Data: payload})
	require.NoError(t, err)
	res, ok := fsm.Apply(&raft.Log{Data: cmdBytes}).(applyResult)
	require.True(t, ok)
	return res
}

func TestFSM_PutAndGetSchedule(t *testing.T) {
	fsm, store := newTestFSM(t)

	sched := &types.Schedule{
		ID:         "s1",
		HandlerID:  "h1",
		MethodName: "do_thing",
		Trigger:    types.Trigger{Kind: types.TriggerDate, RunDate: time.Now().Add(time.Hour)},
		CreatedAt:  time.Now(),
	}
	res := applyCmd(t, fsm, opPutSchedule, putScheduleArgs{Schedule: sched, ReplaceExisting: false})
	require.NoError(t, res.Err)

	got, err := store.Get("s1")
	require.NoError(t, err)
	require.Equal(t, "h1", got.HandlerID)
}

func TestFSM_AcquireDueAndRelease(t *testing.T) {
	fsm, store := newTestFSM(t)

	due := time.Now().Add(-time.Second)
	sched := &types.Schedule{ID: "s1", HandlerID: "h1", MethodName: "m", NextFireTime: &due, CreatedAt: time.Now()}
	require.NoError(t, store.Put(sched, false))

	now := time.Now()
	res := applyCmd(t, fsm, opAcquireDue, acquireDueArgs{Now: now, Limit: 10, ClaimedBy: "node-1"})
	require.NoError(t, res.Err)
	require.Len(t, res.Schedules, 1)

	next := now.Add(time.Hour)
	res = applyCmd(t, fsm, opReleaseSchedule, releaseArgs{ScheduleID: "s1", NewNextFireTime: &next})
	require.NoError(t, res.Err)

	got, err := store.Get("s1")
	require.NoError(t, err)
	require.True(t, got.ClaimedAt.IsZero())
	require.Equal(t, next.Unix(), got.NextFireTime.Unix())
}

func TestFSM_SnapshotAndRestore(t *testing.T) {
	fsm, store := newTestFSM(t)

	sched := &types.Schedule{ID: "s1", HandlerID: "h1", MethodName: "m", CreatedAt: time.Now()}
	require.NoError(t, store.Put(sched, false))
	job := &types.Job{ID: "j1", ScheduleID: "s1", HandlerID: "h1", MethodName: "m", CreatedAt: time.Now()}
	require.NoError(t, store.PutJob(job))

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	fsm2, store2 := newTestFSM(t)
	sink := &memSink{}
	require.NoError(t, snap.(*snapshot).Persist(sink))

	require.NoError(t, fsm2.Restore(sink.readCloser()))

	got, err := store2.Get("s1")
	require.NoError(t, err)
	require.Equal(t, "h1", got.HandlerID)
}

func TestFSM_UnknownOp(t *testing.T) {
	fsm, _ := newTestFSM(t)
	res := applyCmd(t, fsm, "bogus_op", map[string]any{})
	require.Error(t, res.Err)
}
