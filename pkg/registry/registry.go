// Package registry implements the Handler Registry: the authoritative,
// disk-persisted map of handler_id -> {address, methods, liveness}, plus a
// parallel in-memory map of lazily constructed Wire Clients. The persisted
// struct never holds a client; runtime resource caching and durable
// identity stay separate.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relaycore/scheduled/pkg/types"
	"github.com/relaycore/scheduled/pkg/wireclient"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("registry: handler not found")

// entry pairs a persisted Handler with its (possibly nil) cached client.
// Only Handler is ever serialized.
type entry struct {
	handler *types.Handler
	client  *wireclient.Client
}

// Registry is the handler map, guarded by one exclusive lock.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	path     string
	logger   zerolog.Logger
	probeTO  time.Duration
}

// New loads path if it exists (handlers with no cached client, status
// Registered until first probe) or starts empty.
func New(path string, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]*entry),
		path:    path,
		logger:  logger.With().Str("component", "registry").Logger(),
		probeTO: 2 * time.Second,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry: read %s: %w", r.path, err)
	}

	var persisted map[string]*types.Handler
	if err := yaml.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("registry: parse %s: %w", r.path, err)
	}
	for id, h := range persisted {
		h.ID = id
		h.Status = types.HandlerStatusRegistered
		r.entries[id] = &entry{handler: h}
	}
	return nil
}

// saveLocked writes the registry atomically: write-temp, then rename.
func (r *Registry) saveLocked() error {
	persisted := make(map[string]*types.Handler, len(r.entries))
	for id, e := range r.entries {
		h := *e.handler
		persisted[id] = &h
	}

	data, err := yaml.Marshal(persisted)
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}

	dir := filepath.Dir(r.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("registry: mkdir %s: %w", dir, err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("registry: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("registry: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: rename temp file: %w", err)
	}
	return nil
}

// Register upserts a handler entry. If the address changed, the cached
// Wire Client is closed so the next GetClient dials the new address.
func (r *Registry) Register(handlerID, address string, methods []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	e, exists := r.entries[handlerID]
	if !exists {
		e = &entry{handler: &types.Handler{
			ID:           handlerID,
			RegisteredAt: now,
		}}
		r.entries[handlerID] = e
	}

	addressChanged := e.handler.Address != "" && e.handler.Address != address
	e.handler.Address = address
	e.handler.Methods = methods
	e.handler.LastUpdated = now
	e.handler.Status = types.HandlerStatusRegistered

	if addressChanged && e.client != nil {
		e.client.Close()
		e.client = nil
	}

	return r.saveLocked()
}

// ReportStatus updates liveness fields for an existing handler.
func (r *Registry) ReportStatus(handlerID string, status types.HandlerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[handlerID]
	if !ok {
		return ErrNotFound
	}
	e.handler.Status = status
	e.handler.LastUpdated = time.Now()
	return r.saveLocked()
}

// Unregister removes the entry and closes its cached client.
func (r *Registry) Unregister(handlerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[handlerID]
	if !ok {
		return ErrNotFound
	}
	if e.client != nil {
		e.client.Close()
	}
	delete(r.entries, handlerID)
	return r.saveLocked()
}

// GetClient returns a usable Wire Client for handlerID: the cached one if a
// quick ping still succeeds, otherwise a freshly dialed replacement. The
// blocking connect happens with the lock released; on return it is
// re-acquired and the result is rechecked so a losing race's client is
// discarded rather than clobbering a winner's.
func (r *Registry) GetClient(handlerID string) (*wireclient.Client, error) {
	r.mu.Lock()
	e, ok := r.entries[handlerID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	address := e.handler.Address
	cached := e.client
	r.mu.Unlock()

	if cached != nil {
		if err := cached.Ping(); err == nil {
			return cached, nil
		}
		r.mu.Lock()
		if e2, ok := r.entries[handlerID]; ok && e2.client == cached {
			e2.client = nil
		}
		r.mu.Unlock()
	}

	candidate := wireclient.New(wireclient.DefaultConfig(address), r.logger)
	if err := candidate.Connect(); err != nil {
		return nil, fmt.Errorf("registry: handler %s unavailable: %w", handlerID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok = r.entries[handlerID]
	if !ok {
		candidate.Close()
		return nil, ErrNotFound
	}
	if e.client != nil {
		candidate.Close() // lost the race; discard
		return e.client, nil
	}
	e.client = candidate
	return candidate, nil
}

// HandlerView is the read-only snapshot returned by List.
type HandlerView struct {
	types.Handler
	Reachable bool `json:"reachable"`
}

// List returns a snapshot of every entry with a live connectivity probe.
func (r *Registry) List() []HandlerView {
	r.mu.Lock()
	snapshot := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e)
	}
	r.mu.Unlock()

	views := make([]HandlerView, 0, len(snapshot))
	for _, e := range snapshot {
		reachable := false
		if client, err := r.GetClient(e.handler.ID); err == nil {
			reachable = client.Ping() == nil
		}
		views = append(views, HandlerView{Handler: *e.handler, Reachable: reachable})
	}
	return views
}

// Snapshot returns a copy of every persisted entry without probing
// connectivity; callers that need liveness use List instead.
func (r *Registry) Snapshot() []types.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Handler, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e.handler)
	}
	return out
}

// Get returns the persisted handler entry, without touching its client.
func (r *Registry) Get(handlerID string) (*types.Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[handlerID]
	if !ok {
		return nil, ErrNotFound
	}
	h := *e.handler
	return &h, nil
}

// CloseAll releases every cached client; used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.client != nil {
			e.client.Close()
			e.client = nil
		}
	}
}
