// Package execlog implements the Execution Log: a thread-safe, bounded
// ring buffer of attempt records, with a monotone lifetime-insertion
// counter. It is pure in-memory; no operation here blocks on I/O.
package execlog

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/relaycore/scheduled/pkg/types"
)

const (
	// DefaultCapacity is the ring size used unless overridden.
	DefaultCapacity = 1000

	maxSummaryPairs    = 5
	maxSummaryValueLen = 50
)

// Handle identifies an in-flight attempt between RecordStart and its
// RecordSuccess/RecordError finalize call.
type Handle struct {
	seq uint64
}

// Stats is the aggregate view returned by GetStats.
type Stats struct {
	Total             int                `json:"total"`
	Success           int                `json:"success"`
	Error             int                `json:"error"`
	SuccessRate       float64            `json:"success_rate"`
	AvgDurationMs     float64            `json:"avg_duration_ms"`
	PerHandler        map[string]int     `json:"per_handler"`
	LifetimeCount     uint64             `json:"lifetime_count"`
	BufferUtilization float64            `json:"buffer_utilization"`
}

// Log is the bounded ring buffer. The index maps seq directly to the
// record so eviction, which shifts every surviving record's position in
// the slice, cannot leave a handle resolving to the wrong record.
type Log struct {
	mu       sync.Mutex
	capacity int
	records  []*types.ExecutionRecord // ring storage, len <= capacity
	index    map[uint64]*types.ExecutionRecord
	lifetime uint64
}

// New creates a Log with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		capacity: capacity,
		index:    make(map[uint64]*types.ExecutionRecord),
	}
}

// RecordStart appends a new running record and returns its handle.
func (l *Log) RecordStart(jobID, handlerID, methodName string, attempt, maxAttempts int, params map[string]any) Handle {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lifetime++
	rec := &types.ExecutionRecord{
		Seq:           l.lifetime,
		JobID:         jobID,
		HandlerID:     handlerID,
		MethodName:    methodName,
		StartedAt:     time.Now(),
		Status:        types.ExecRunning,
		AttemptNumber: attempt,
		MaxAttempts:   maxAttempts,
		ParamsSummary: summarizeParams(params),
	}

	l.append(rec)
	return Handle{seq: rec.Seq}
}

func (l *Log) append(rec *types.ExecutionRecord) {
	if len(l.records) >= l.capacity {
		evicted := l.records[0]
		delete(l.index, evicted.Seq)
		l.records = l.records[1:]
	}
	l.records = append(l.records, rec)
	l.index[rec.Seq] = rec
}

// findLocked resolves a handle to its record; nil means the record was
// evicted, and the finalize becomes a no-op.
func (l *Log) findLocked(h Handle) *types.ExecutionRecord {
	return l.index[h.seq]
}

// RecordSuccess finalizes an attempt as a success.
func (l *Log) RecordSuccess(h Handle, result any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.findLocked(h)
	if rec == nil {
		return
	}
	l.finalize(rec, types.ExecSuccess, result, "")
}

// RecordError finalizes an attempt as an error or retry, depending on
// isFinal.
func (l *Log) RecordError(h Handle, errString string, isFinal bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.findLocked(h)
	if rec == nil {
		return
	}
	status := types.ExecRetry
	if isFinal {
		status = types.ExecError
	}
	l.finalize(rec, status, nil, errString)
}

// RecordMisfire records a skipped fire directly, with no preceding
// RecordStart, since misfires never run.
func (l *Log) RecordMisfire(jobID, handlerID, methodName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lifetime++
	now := time.Now()
	rec := &types.ExecutionRecord{
		Seq:           l.lifetime,
		JobID:         jobID,
		HandlerID:     handlerID,
		MethodName:    methodName,
		StartedAt:     now,
		CompletedAt:   &now,
		Status:        types.ExecMisfire,
		AttemptNumber: 0,
	}
	l.append(rec)
}

func (l *Log) finalize(rec *types.ExecutionRecord, status types.ExecutionStatus, result any, errString string) {
	now := time.Now()
	rec.CompletedAt = &now
	ms := now.Sub(rec.StartedAt).Milliseconds()
	rec.DurationMs = &ms
	rec.Status = status
	rec.Result = result
	rec.Error = errString
}

// GetRecent returns up to limit most-recent records, newest first.
func (l *Log) GetRecent(limit int) []*types.ExecutionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return reverseCopy(l.records, limit, nil)
}

// GetByHandler filters recent records to one handler.
func (l *Log) GetByHandler(handlerID string, limit int) []*types.ExecutionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return reverseCopy(l.records, limit, func(r *types.ExecutionRecord) bool {
		return r.HandlerID == handlerID
	})
}

// GetByJob filters recent records to one job.
func (l *Log) GetByJob(jobID string, limit int) []*types.ExecutionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return reverseCopy(l.records, limit, func(r *types.ExecutionRecord) bool {
		return r.JobID == jobID
	})
}

// GetErrors returns the most recent error/misfire records.
func (l *Log) GetErrors(limit int) []*types.ExecutionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return reverseCopy(l.records, limit, func(r *types.ExecutionRecord) bool {
		return r.Status == types.ExecError || r.Status == types.ExecMisfire
	})
}

func reverseCopy(records []*types.ExecutionRecord, limit int, keep func(*types.ExecutionRecord) bool) []*types.ExecutionRecord {
	out := make([]*types.ExecutionRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if keep != nil && !keep(records[i]) {
			continue
		}
		out = append(out, records[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// GetStats computes the aggregate view over the current buffer contents.
func (l *Log) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Stats{
		PerHandler:        make(map[string]int),
		LifetimeCount:     l.lifetime,
		BufferUtilization: float64(len(l.records)) / float64(l.capacity),
	}

	var totalDuration int64
	var durationSamples int
	for _, rec := range l.records {
		stats.Total++
		stats.PerHandler[rec.HandlerID]++
		switch rec.Status {
		case types.ExecSuccess:
			stats.Success++
		case types.ExecError, types.ExecMisfire:
			stats.Error++
		}
		if rec.DurationMs != nil {
			totalDuration += *rec.DurationMs
			durationSamples++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Success) / float64(stats.Total)
	}
	if durationSamples > 0 {
		stats.AvgDurationMs = float64(totalDuration) / float64(durationSamples)
	}
	return stats
}

// Clear empties the buffer. This is the one operation that also resets the
// lifetime counter.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
	l.index = make(map[uint64]*types.ExecutionRecord)
	l.lifetime = 0
}

func summarizeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxSummaryPairs {
		keys = keys[:maxSummaryPairs]
	}

	out := ""
	for i, k := range keys {
		v := truncate(toDisplayString(params[k]), maxSummaryValueLen)
		if i > 0 {
			out += ", "
		}
		out += k + "=" + v
	}
	return out
}

func toDisplayString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "?"
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
