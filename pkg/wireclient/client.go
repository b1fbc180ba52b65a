package wireclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Error classes the caller is expected to branch on. These wrap the
// underlying cause via %w so errors.Is still resolves to the concrete net
// error where useful.
var (
	ErrNotConnected = errors.New("wireclient: not connected")
	ErrTimeout      = errors.New("wireclient: timeout")
	ErrNetwork      = errors.New("wireclient: network error")
	ErrProtocol     = errors.New("wireclient: protocol error")
)

// Request is one call frame: {"method": ..., "params": ...}.
type Request struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// Reply is one response frame: {"success": bool, "result": ..., "error": ...}.
type Reply struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Config controls dial and per-call timeouts.
type Config struct {
	Address      string
	DialTimeout  time.Duration
	CallTimeout  time.Duration
	AutoReconnect bool
}

// DefaultConfig returns a 30s call timeout with auto-reconnect enabled.
func DefaultConfig(address string) Config {
	return Config{
		Address:       address,
		DialTimeout:   5 * time.Second,
		CallTimeout:   30 * time.Second,
		AutoReconnect: true,
	}
}

// Client is a Wire Client: exactly one socket, exactly one outstanding
// request at a time, with transparent poisoned-socket recovery. A timeout,
// transport error, or protocol error poisons the underlying connection,
// and the next call rebuilds it before sending, retried at most once, so a
// permanently broken address fails fast instead of looping forever.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	conn     net.Conn
	poisoned bool
	closed   bool
}

// New creates a Wire Client. It does not dial; call Connect (or let the
// first Call dial lazily) before use.
func New(cfg Config, logger zerolog.Logger) *Client {
	return &Client{cfg: cfg, logger: logger.With().Str("address", cfg.Address).Logger()}
}

// Connect is idempotent: it dials only if there is no live connection. It
// also reopens a client that was explicitly closed.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = false
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	if c.closed {
		return ErrNotConnected
	}
	if c.conn != nil && !c.poisoned {
		return nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	conn, err := net.DialTimeout("tcp", c.cfg.Address, c.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrNetwork, c.cfg.Address, err)
	}
	c.conn = conn
	c.poisoned = false
	return nil
}

// Call issues one request and waits for its reply. See the package doc for
// the poisoned-socket recovery contract.
func (c *Client) Call(method string, params any) (*Reply, error) {
	return c.call(method, params, c.cfg.AutoReconnect)
}

func (c *Client) call(method string, params any, autoReconnect bool) (*Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(); err != nil {
		return nil, err
	}

	req := Request{Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrProtocol, err)
	}

	deadline := time.Now().Add(c.cfg.CallTimeout)
	c.conn.SetDeadline(deadline)

	if err := WriteFrame(c.conn, body); err != nil {
		c.poisonLocked()
		return c.recoverAndRetry(method, params, autoReconnect, classify(err))
	}

	raw, err := ReadFrame(c.conn)
	if err != nil {
		c.poisonLocked()
		return c.recoverAndRetry(method, params, autoReconnect, classify(err))
	}

	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		c.poisonLocked()
		return c.recoverAndRetry(method, params, autoReconnect, fmt.Errorf("%w: %v", ErrProtocol, err))
	}

	return &reply, nil
}

// recoverAndRetry rebuilds a poisoned socket and attempts the call exactly
// once more, with autoReconnect forced false so a second failure surfaces
// instead of looping.
func (c *Client) recoverAndRetry(method string, params any, autoReconnect bool, cause error) (*Reply, error) {
	if !autoReconnect {
		return nil, cause
	}
	c.logger.Warn().Err(cause).Str("method", method).Msg("wire client socket poisoned, rebuilding")
	if err := c.connectLocked(); err != nil {
		return nil, err
	}

	req := Request{Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrProtocol, err)
	}
	c.conn.SetDeadline(time.Now().Add(c.cfg.CallTimeout))
	if err := WriteFrame(c.conn, body); err != nil {
		c.poisonLocked()
		return nil, classify(err)
	}
	raw, err := ReadFrame(c.conn)
	if err != nil {
		c.poisonLocked()
		return nil, classify(err)
	}
	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		c.poisonLocked()
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return &reply, nil
}

func (c *Client) poisonLocked() {
	c.poisoned = true
}

func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

// Ping is call("ping", {}) used for liveness probing by the Registry.
func (c *Client) Ping() error {
	reply, err := c.Call("ping", map[string]any{})
	if err != nil {
		return err
	}
	if !reply.Success {
		return fmt.Errorf("%w: ping rejected: %s", ErrProtocol, reply.Error)
	}
	return nil
}

// Close releases the transport. Further calls fail with ErrNotConnected
// until Connect is called again.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Terminate is an alias for Close; callers should prefer Close.
func (c *Client) Terminate() error {
	return c.Close()
}
