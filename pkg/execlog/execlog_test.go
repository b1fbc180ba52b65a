package execlog

import (
	"testing"

	"github.com/relaycore/scheduled/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_RecordStartThenSuccess(t *testing.T) {
	l := New(10)
	h := l.RecordStart("job-1", "h1", "echo", 1, 3, map[string]any{"x": 1})
	l.RecordSuccess(h, map[string]any{"ok": true})

	recent := l.GetRecent(10)
	require.Len(t, recent, 1)
	assert.Equal(t, types.ExecSuccess, recent[0].Status)
	require.NotNil(t, recent[0].CompletedAt)
	require.NotNil(t, recent[0].DurationMs)
}

func TestLog_RecordErrorRetryVsFinal(t *testing.T) {
	l := New(10)
	h1 := l.RecordStart("job-1", "h1", "echo", 1, 3, nil)
	l.RecordError(h1, "boom", false)

	h2 := l.RecordStart("job-1", "h1", "echo", 2, 3, nil)
	l.RecordError(h2, "boom again", true)

	recent := l.GetRecent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, types.ExecError, recent[0].Status) // newest first
	assert.Equal(t, types.ExecRetry, recent[1].Status)
}

func TestLog_EvictsOldestWhenFull(t *testing.T) {
	l := New(2)
	l.RecordStart("job-1", "h1", "m", 1, 1, nil)
	l.RecordStart("job-2", "h1", "m", 1, 1, nil)
	l.RecordStart("job-3", "h1", "m", 1, 1, nil)

	recent := l.GetRecent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, "job-3", recent[0].JobID)
	assert.Equal(t, "job-2", recent[1].JobID)
}

func TestLog_RecordMisfire(t *testing.T) {
	l := New(10)
	l.RecordMisfire("job-1", "h1", "m")

	errs := l.GetErrors(10)
	require.Len(t, errs, 1)
	assert.Equal(t, types.ExecMisfire, errs[0].Status)
}

func TestLog_GetByHandlerAndJob(t *testing.T) {
	l := New(10)
	l.RecordStart("job-1", "h1", "m", 1, 1, nil)
	l.RecordStart("job-2", "h2", "m", 1, 1, nil)

	assert.Len(t, l.GetByHandler("h1", 10), 1)
	assert.Len(t, l.GetByJob("job-2", 10), 1)
	assert.Len(t, l.GetByHandler("nope", 10), 0)
}

func TestLog_GetStats(t *testing.T) {
	l := New(10)
	h1 := l.RecordStart("job-1", "h1", "m", 1, 1, nil)
	l.RecordSuccess(h1, nil)
	h2 := l.RecordStart("job-2", "h1", "m", 1, 1, nil)
	l.RecordError(h2, "x", true)

	stats := l.GetStats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Success)
	assert.Equal(t, 1, stats.Error)
	assert.InDelta(t, 0.5, stats.SuccessRate, 0.001)
	assert.Equal(t, uint64(2), stats.LifetimeCount)
}

func TestLog_ClearResetsLifetime(t *testing.T) {
	l := New(10)
	l.RecordStart("job-1", "h1", "m", 1, 1, nil)
	l.Clear()

	assert.Len(t, l.GetRecent(10), 0)
	stats := l.GetStats()
	assert.Equal(t, uint64(0), stats.LifetimeCount)

	h := l.RecordStart("job-2", "h1", "m", 1, 1, nil)
	l.RecordSuccess(h, nil)
	assert.Equal(t, uint64(1), l.GetStats().LifetimeCount)
}

func TestLog_ParamsSummaryTruncatesAndCaps(t *testing.T) {
	l := New(10)
	params := map[string]any{
		"a": "1", "b": "2", "c": "3", "d": "4", "e": "5", "f": "6",
	}
	h := l.RecordStart("job-1", "h1", "m", 1, 1, params)
	rec := l.GetRecent(1)[0]
	_ = h
	assert.Contains(t, rec.ParamsSummary, "a=1")
	assert.NotContains(t, rec.ParamsSummary, "f=6")
}

func TestLog_UnknownHandleIsNoop(t *testing.T) {
	l := New(10)
	l.RecordSuccess(Handle{seq: 999}, nil)
	assert.Len(t, l.GetRecent(10), 0)
}

func TestLog_FinalizeSurvivesEviction(t *testing.T) {
	l := New(2)
	h1 := l.RecordStart("job-1", "h1", "m", 1, 1, nil)
	h2 := l.RecordStart("job-2", "h1", "m", 1, 1, nil)
	h3 := l.RecordStart("job-3", "h1", "m", 1, 1, nil) // evicts job-1's record

	// Finalizing the evicted handle is a no-op; job-3's record, which now
	// occupies the slot job-2's record used to, must stay untouched.
	l.RecordError(h1, "late failure", true)

	recent := l.GetRecent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, "job-3", recent[0].JobID)
	assert.Equal(t, types.ExecRunning, recent[0].Status)
	assert.Equal(t, "job-2", recent[1].JobID)
	assert.Equal(t, types.ExecRunning, recent[1].Status)

	// Handles issued before the eviction still resolve to their own records.
	l.RecordSuccess(h2, nil)
	l.RecordError(h3, "boom", true)

	recent = l.GetRecent(10)
	assert.Equal(t, "job-3", recent[0].JobID)
	assert.Equal(t, types.ExecError, recent[0].Status)
	assert.Equal(t, "boom", recent[0].Error)
	assert.Equal(t, "job-2", recent[1].JobID)
	assert.Equal(t, types.ExecSuccess, recent[1].Status)
}
