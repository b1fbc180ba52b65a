package registry

import (
	"encoding/json"
	"net"

	"github.com/relaycore/scheduled/pkg/types"
	"github.com/relaycore/scheduled/pkg/wireclient"
	"github.com/rs/zerolog"
)

// Server is the Registration Server: a request/reply endpoint, sharing
// the Wire Client's length-prefixed JSON frame transport,
// that decodes register/report_status/unregister/ping messages and mutates
// the Registry. Its only shared state is the Registry it was built with.
type Server struct {
	registry *Registry
	logger   zerolog.Logger
	listener net.Listener
	stopCh   chan struct{}
}

func NewServer(reg *Registry, logger zerolog.Logger) *Server {
	return &Server{
		registry: reg,
		logger:   logger.With().Str("component", "registration_server").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start binds addr and serves connections until Stop is called.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.stopCh:
					return
				default:
					s.logger.Error().Err(err).Msg("accept failed")
					continue
				}
			}
			go s.serve(conn)
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("registration server listening")
	return nil
}

// Addr returns the bound listen address; useful when Start was given ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop() {
	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	for {
		raw, err := wireclient.ReadFrame(conn)
		if err != nil {
			return
		}

		var req wireclient.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			s.reply(conn, wireclient.Reply{Success: false, Error: "malformed request"})
			continue
		}

		reply := s.handle(req)
		if err := s.reply(conn, reply); err != nil {
			return
		}
	}
}

func (s *Server) reply(conn net.Conn, reply wireclient.Reply) error {
	out, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return wireclient.WriteFrame(conn, out)
}

func (s *Server) handle(req wireclient.Request) wireclient.Reply {
	params, _ := req.Params.(map[string]any)

	switch req.Method {
	case "register":
		handlerID, _ := params["handler_id"].(string)
		address, _ := params["address"].(string)
		methods := toStringSlice(params["methods"])
		if handlerID == "" || address == "" {
			return wireclient.Reply{Success: false, Error: "handler_id and address are required"}
		}
		if err := s.registry.Register(handlerID, address, methods); err != nil {
			return wireclient.Reply{Success: false, Error: err.Error()}
		}
		return wireclient.Reply{Success: true}

	case "report_status":
		handlerID, _ := params["handler_id"].(string)
		status, _ := params["status"].(string)
		if err := s.registry.ReportStatus(handlerID, types.HandlerStatus(status)); err != nil {
			return wireclient.Reply{Success: false, Error: err.Error()}
		}
		return wireclient.Reply{Success: true}

	case "unregister":
		handlerID, _ := params["handler_id"].(string)
		if err := s.registry.Unregister(handlerID); err != nil {
			return wireclient.Reply{Success: false, Error: err.Error()}
		}
		return wireclient.Reply{Success: true}

	case "ping":
		return wireclient.Reply{Success: true}

	default:
		return wireclient.Reply{Success: false, Error: "unknown method: " + req.Method}
	}
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, x := range raw {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
