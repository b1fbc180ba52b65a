package handler

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/relaycore/scheduled/pkg/registry"
	"github.com/relaycore/scheduled/pkg/wireclient"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHandler(t *testing.T, id string) (*Handler, string) {
	t.Helper()
	h := New(id)
	h.RegisterMethod("echo", func(params map[string]any) (any, error) {
		return params, nil
	})
	h.RegisterMethod("fail", func(params map[string]any) (any, error) {
		return nil, errors.New("boom")
	})

	addr, err := h.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(h.Stop)
	return h, addr
}

func TestHandler_EchoCall(t *testing.T) {
	_, addr := startHandler(t, "h1")

	c := wireclient.New(wireclient.DefaultConfig(addr), zerolog.Nop())
	defer c.Close()

	reply, err := c.Call("echo", map[string]any{"x": float64(1)})
	require.NoError(t, err)
	require.True(t, reply.Success)

	var got map[string]any
	require.NoError(t, json.Unmarshal(reply.Result, &got))
	assert.Equal(t, float64(1), got["x"])
}

func TestHandler_PingBuiltin(t *testing.T) {
	_, addr := startHandler(t, "h1")

	c := wireclient.New(wireclient.DefaultConfig(addr), zerolog.Nop())
	defer c.Close()
	require.NoError(t, c.Ping())
}

func TestHandler_MethodError(t *testing.T) {
	_, addr := startHandler(t, "h1")

	c := wireclient.New(wireclient.DefaultConfig(addr), zerolog.Nop())
	defer c.Close()

	reply, err := c.Call("fail", nil)
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Equal(t, "boom", reply.Error)
}

func TestHandler_UnknownMethod(t *testing.T) {
	_, addr := startHandler(t, "h1")

	c := wireclient.New(wireclient.DefaultConfig(addr), zerolog.Nop())
	defer c.Close()

	reply, err := c.Call("nope", nil)
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Contains(t, reply.Error, "unknown method")
}

func TestHandler_MethodsSorted(t *testing.T) {
	h, _ := startHandler(t, "h1")
	assert.Equal(t, []string{"echo", "fail"}, h.Methods())
}

func TestHandler_RegisterWithCoordinator(t *testing.T) {
	dir := t.TempDir()
	reg, err := registry.New(filepath.Join(dir, "registry.yaml"), zerolog.Nop())
	require.NoError(t, err)

	srv := registry.NewServer(reg, zerolog.Nop())
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(srv.Stop)

	h, addr := startHandler(t, "h1")
	require.NoError(t, h.RegisterWith(srv.Addr(), addr))

	entry, err := reg.Get("h1")
	require.NoError(t, err)
	assert.Equal(t, addr, entry.Address)
	assert.Equal(t, []string{"echo", "fail"}, entry.Methods)

	require.NoError(t, h.ReportStatus(srv.Addr(), "offline"))
	entry, err = reg.Get("h1")
	require.NoError(t, err)
	assert.Equal(t, "offline", string(entry.Status))
}
