// Package handler is the worker-side library: it serves the request/reply
// wire protocol, dispatches incoming calls to registered method functions,
// and registers the handler with the coordinator's registration endpoint.
package handler

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/relaycore/scheduled/pkg/log"
	"github.com/relaycore/scheduled/pkg/wireclient"
	"github.com/rs/zerolog"
)

// MethodFunc executes one named method. The returned value is marshaled
// into the reply's result field.
type MethodFunc func(params map[string]any) (any, error)

// Handler is one remote worker: an id, a listening address, and a set of
// named methods.
type Handler struct {
	id     string
	logger zerolog.Logger

	mu      sync.Mutex
	methods map[string]MethodFunc

	listener net.Listener
	stopCh   chan struct{}
}

// New creates a Handler with the given id. Register methods before Start.
func New(id string) *Handler {
	return &Handler{
		id:      id,
		logger:  log.WithHandlerID(id),
		methods: make(map[string]MethodFunc),
		stopCh:  make(chan struct{}),
	}
}

// RegisterMethod adds or replaces a named method.
func (h *Handler) RegisterMethod(name string, fn MethodFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methods[name] = fn
}

// Methods returns the sorted advertised method names.
func (h *Handler) Methods() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.methods))
	for name := range h.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start binds addr and serves calls until Stop. The returned address is the
// concrete one bound (useful with ":0").
func (h *Handler) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("handler: listen %s: %w", addr, err)
	}
	h.listener = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-h.stopCh:
					return
				default:
					h.logger.Error().Err(err).Msg("accept failed")
					continue
				}
			}
			go h.serve(conn)
		}
	}()

	h.logger.Info().Str("addr", ln.Addr().String()).Msg("handler listening")
	return ln.Addr().String(), nil
}

// Stop closes the listener; in-flight calls finish on their own connections.
func (h *Handler) Stop() {
	close(h.stopCh)
	if h.listener != nil {
		h.listener.Close()
	}
}

func (h *Handler) serve(conn net.Conn) {
	defer conn.Close()
	for {
		raw, err := wireclient.ReadFrame(conn)
		if err != nil {
			return
		}

		var req wireclient.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			h.reply(conn, wireclient.Reply{Success: false, Error: "malformed request"})
			continue
		}

		h.reply(conn, h.dispatch(req))
	}
}

func (h *Handler) dispatch(req wireclient.Request) wireclient.Reply {
	if req.Method == "ping" {
		result, _ := json.Marshal("pong")
		return wireclient.Reply{Success: true, Result: result}
	}

	h.mu.Lock()
	fn, ok := h.methods[req.Method]
	h.mu.Unlock()
	if !ok {
		return wireclient.Reply{Success: false, Error: "unknown method: " + req.Method}
	}

	params, _ := req.Params.(map[string]any)
	out, err := fn(params)
	if err != nil {
		return wireclient.Reply{Success: false, Error: err.Error()}
	}

	result, err := json.Marshal(out)
	if err != nil {
		return wireclient.Reply{Success: false, Error: "unserializable result: " + err.Error()}
	}
	return wireclient.Reply{Success: true, Result: result}
}

func (h *Handler) reply(conn net.Conn, reply wireclient.Reply) {
	out, err := json.Marshal(reply)
	if err != nil {
		return
	}
	_ = wireclient.WriteFrame(conn, out)
}

// RegisterWith announces this handler to the coordinator's registration
// endpoint, advertising myAddr and the current method set.
func (h *Handler) RegisterWith(coordinatorAddr, myAddr string) error {
	client := wireclient.New(wireclient.DefaultConfig(coordinatorAddr), h.logger)
	defer client.Close()

	reply, err := client.Call("register", map[string]any{
		"handler_id": h.id,
		"address":    myAddr,
		"methods":    h.Methods(),
	})
	if err != nil {
		return fmt.Errorf("handler: register with %s: %w", coordinatorAddr, err)
	}
	if !reply.Success {
		return fmt.Errorf("handler: registration rejected: %s", reply.Error)
	}
	h.logger.Info().Str("coordinator", coordinatorAddr).Msg("registered")
	return nil
}

// ReportStatus sends an explicit liveness report to the coordinator.
func (h *Handler) ReportStatus(coordinatorAddr, status string) error {
	client := wireclient.New(wireclient.DefaultConfig(coordinatorAddr), h.logger)
	defer client.Close()

	reply, err := client.Call("report_status", map[string]any{
		"handler_id": h.id,
		"status":     status,
	})
	if err != nil {
		return err
	}
	if !reply.Success {
		return fmt.Errorf("handler: status report rejected: %s", reply.Error)
	}
	return nil
}
