package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/relaycore/scheduled/pkg/dispatch"
	"github.com/relaycore/scheduled/pkg/execlog"
	"github.com/relaycore/scheduled/pkg/registry"
	"github.com/relaycore/scheduled/pkg/storage"
	"github.com/relaycore/scheduled/pkg/wireclient"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandler is a minimal remote worker: every method echoes its params
// back as the result.
func echoHandler(t *testing.T) string {
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
					result, _ := json.Marshal(req.Params)
					out, _ := json.Marshal(wireclient.Reply{Success: true, Result: result})
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

func newTestServer(t *testing.T) (*gin.Engine, *registry.Registry, storage.Store, *execlog.Log) {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := registry.New(filepath.Join(dir, "registry.yaml"), zerolog.Nop())
	require.NoError(t, err)

	execLog := execlog.New(100)
	engine := dispatch.NewEngine(store, reg, execLog, dispatch.Config{
		PlannerInterval: 50 * time.Millisecond,
		Workers:         2,
		CallTimeout:     2 * time.Second,
	})
	engine.Start()
	t.Cleanup(engine.Stop)

	srv := NewServer(reg, store, engine, execLog)
	return srv.Router(), reg, store, execLog
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	router, _, _, _ := newTestServer(t)
	w := doJSON(t, router, "GET", "/api/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestAddSchedule(t *testing.T) {
	router, reg, store, _ := newTestServer(t)
	require.NoError(t, reg.Register("h1", "127.0.0.1:9", []string{"write"}))

	body := `{
		"handler_id": "h1",
		"job_method": "write",
		"job_params": {"path": "/tmp/x"},
		"trigger": {"type": "interval", "seconds": 3600},
		"job_id": "sched-1"
	}`
	w := doJSON(t, router, "POST", "/api/schedule", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "sched-1", resp["job_id"])

	sched, err := store.Get("sched-1")
	require.NoError(t, err)
	assert.Equal(t, "write", sched.MethodName)
	require.NotNil(t, sched.NextFireTime)
	assert.True(t, sched.NextFireTime.After(time.Now()))
}

func TestAddSchedule_UnknownHandler(t *testing.T) {
	router, _, _, _ := newTestServer(t)
	body := `{"handler_id":"nope","job_method":"m","trigger":{"type":"interval","seconds":60}}`
	w := doJSON(t, router, "POST", "/api/schedule", body)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAddSchedule_MethodNotExposed(t *testing.T) {
	router, reg, _, _ := newTestServer(t)
	require.NoError(t, reg.Register("h1", "127.0.0.1:9", []string{"write"}))

	body := `{"handler_id":"h1","job_method":"read","trigger":{"type":"interval","seconds":60}}`
	w := doJSON(t, router, "POST", "/api/schedule", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAddSchedule_InvalidTrigger(t *testing.T) {
	router, reg, _, _ := newTestServer(t)
	require.NoError(t, reg.Register("h1", "127.0.0.1:9", []string{"m"}))

	body := `{"handler_id":"h1","job_method":"m","trigger":{"type":"lunar"}}`
	w := doJSON(t, router, "POST", "/api/schedule", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAddSchedule_Conflict(t *testing.T) {
	router, reg, _, _ := newTestServer(t)
	require.NoError(t, reg.Register("h1", "127.0.0.1:9", []string{"m"}))

	body := `{"handler_id":"h1","job_method":"m","trigger":{"type":"interval","seconds":60},"job_id":"dup"}`
	w := doJSON(t, router, "POST", "/api/schedule", body)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, "POST", "/api/schedule", body)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRunNow(t *testing.T) {
	router, reg, _, execLog := newTestServer(t)
	addr := echoHandler(t)
	require.NoError(t, reg.Register("h1", addr, []string{"echo"}))

	body := `{"handler_id":"h1","job_method":"echo","job_params":{"x":1}}`
	w := doJSON(t, router, "POST", "/api/run_now", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	result, ok := resp["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), result["x"])

	records := execLog.GetRecent(10)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].AttemptNumber)
}

func TestRunNow_UnknownHandler(t *testing.T) {
	router, _, _, _ := newTestServer(t)
	body := `{"handler_id":"ghost","job_method":"m","job_params":{}}`
	w := doJSON(t, router, "POST", "/api/run_now", body)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListAndRemoveSchedules(t *testing.T) {
	router, reg, _, _ := newTestServer(t)
	require.NoError(t, reg.Register("h1", "127.0.0.1:9", []string{"m"}))

	body := `{"handler_id":"h1","job_method":"m","trigger":{"type":"interval","hours":1},"job_id":"s1"}`
	w := doJSON(t, router, "POST", "/api/schedule", body)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, "GET", "/api/schedules", "")
	require.Equal(t, http.StatusOK, w.Code)
	var listResp struct {
		Schedules []scheduleView `json:"schedules"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	require.Len(t, listResp.Schedules, 1)
	assert.Equal(t, "s1", listResp.Schedules[0].ID)

	w = doJSON(t, router, "DELETE", "/api/schedules/s1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	// removal is observable and a second delete is NotFound
	w = doJSON(t, router, "GET", "/api/schedules", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	assert.Empty(t, listResp.Schedules)

	w = doJSON(t, router, "DELETE", "/api/schedules/s1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecutionEndpoints(t *testing.T) {
	router, reg, _, execLog := newTestServer(t)
	addr := echoHandler(t)
	require.NoError(t, reg.Register("h1", addr, []string{"echo"}))

	body := `{"handler_id":"h1","job_method":"echo","job_params":{"n":7}}`
	w := doJSON(t, router, "POST", "/api/run_now", body)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, "GET", "/api/executions?handler_id=h1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var execResp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &execResp))
	assert.Equal(t, 1, execResp.Count)

	w = doJSON(t, router, "GET", "/api/executions/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats execlog.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Success)

	w = doJSON(t, router, "POST", "/api/executions/clear", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, execLog.GetRecent(10))
}
