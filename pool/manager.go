package pool

import (
	"context"
	"sync"

	"github.com/cortexrun/agentcore/engine"
)

// Manager is the process-wide keyed map from engine id to its Pool. Pools
// are created lazily on first GetPool for an engine id.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	pools map[string]*Pool
}

// NewManager constructs an empty Manager. Every pool it creates uses cfg as
// its configuration; callers needing per-engine configs should construct
// Pools directly and skip Manager.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, pools: make(map[string]*Pool)}
}

// GetPool returns the pool for eng, creating one on first use.
func (m *Manager) GetPool(eng engine.Engine) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[eng.ID()]
	if !ok {
		p = New(eng, m.cfg)
		m.pools[eng.ID()] = p
	}
	return p
}

// RemovePool disposes and removes the pool for engineID, if one exists.
func (m *Manager) RemovePool(ctx context.Context, engineID string) {
	m.mu.Lock()
	p, ok := m.pools[engineID]
	delete(m.pools, engineID)
	m.mu.Unlock()
	if ok {
		p.Dispose(ctx)
	}
}

// AllStats returns a snapshot of every pool's stats, keyed by engine id.
func (m *Manager) AllStats() map[string]Stats {
	m.mu.Lock()
	pools := make(map[string]*Pool, len(m.pools))
	for id, p := range m.pools {
		pools[id] = p
	}
	m.mu.Unlock()

	out := make(map[string]Stats, len(pools))
	for id, p := range pools {
		out[id] = p.Stats()
	}
	return out
}

// ClearAll clears every managed pool.
func (m *Manager) ClearAll(ctx context.Context, disposeIdle bool) {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()
	for _, p := range pools {
		p.Clear(ctx, disposeIdle)
	}
}

// WarmupAll warms up every managed pool.
func (m *Manager) WarmupAll(ctx context.Context) map[string]error {
	m.mu.Lock()
	pools := make(map[string]*Pool, len(m.pools))
	for id, p := range m.pools {
		pools[id] = p
	}
	m.mu.Unlock()

	errs := make(map[string]error)
	for id, p := range pools {
		if err := p.Warmup(ctx, nil); err != nil {
			errs[id] = err
		}
	}
	return errs
}

// Dispose tears down every managed pool.
func (m *Manager) Dispose(ctx context.Context) {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()
	for _, p := range pools {
		p.Dispose(ctx)
	}
}

var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// DefaultManager returns the process-wide Manager, constructing one with
// NewManager(DefaultConfig()) on first use. Most of the runtime wires a
// Manager explicitly; DefaultManager exists for callers with no natural
// place to thread one through.
func DefaultManager() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager == nil {
		defaultManager = NewManager(DefaultConfig())
	}
	return defaultManager
}

// ResetDefaultManager discards the process-wide Manager so the next
// DefaultManager call constructs a fresh one. Intended for test teardown.
func ResetDefaultManager() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultManager = nil
}
