package wireclient

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// echoServer accepts exactly one connection and echoes back a success reply
// containing whatever params it received, until the client disconnects.
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			raw, err := ReadFrame(conn)
			if err != nil {
				return
			}
			var req Request
			_ = json.Unmarshal(raw, &req)
			result, _ := json.Marshal(req.Params)
			reply := Reply{Success: true, Result: result}
			out, _ := json.Marshal(reply)
			if err := WriteFrame(conn, out); err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestClient_CallEcho(t *testing.T) {
	addr := echoServer(t)
	cfg := DefaultConfig(addr)
	cfg.CallTimeout = 2 * time.Second
	c := New(cfg, zerolog.Nop())
	defer c.Close()

	reply, err := c.Call("echo", map[string]any{"x": float64(1)})
	require.NoError(t, err)
	require.True(t, reply.Success)

	var got map[string]any
	require.NoError(t, json.Unmarshal(reply.Result, &got))
	require.Equal(t, float64(1), got["x"])
}

func TestClient_PingFailsWithoutServer(t *testing.T) {
	cfg := DefaultConfig("127.0.0.1:1") // nothing listens there
	cfg.DialTimeout = 200 * time.Millisecond
	c := New(cfg, zerolog.Nop())
	defer c.Close()

	err := c.Ping()
	require.Error(t, err)
}

func TestClient_OneOutstandingRequestAtATime(t *testing.T) {
	addr := echoServer(t)
	cfg := DefaultConfig(addr)
	c := New(cfg, zerolog.Nop())
	defer c.Close()

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _ = c.Call("echo", map[string]any{})
			done <- struct{}{}
		}()
	}
	<-done
	<-done
}

func TestClient_CallAfterCloseFailsUntilReconnect(t *testing.T) {
	addr := echoServer(t)
	cfg := DefaultConfig(addr)
	c := New(cfg, zerolog.Nop())

	_, err := c.Call("echo", map[string]any{})
	require.NoError(t, err)

	require.NoError(t, c.Close())

	_, err = c.Call("echo", map[string]any{})
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, c.Ping(), ErrNotConnected)

	// Connect reopens the client; the echo server accepts one connection,
	// so redial a fresh server.
	addr2 := echoServer(t)
	c.cfg.Address = addr2
	require.NoError(t, c.Connect())
	_, err = c.Call("echo", map[string]any{})
	require.NoError(t, err)
	require.NoError(t, c.Close())
}
