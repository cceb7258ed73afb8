// Package pool implements a per-engine bounded session cache: reuse of idle
// sessions, opportunistic expiry sweeps, warmup, and non-blocking
// acquisition (sessions beyond the configured max live transiently and are
// destroyed on release rather than blocking the caller).
//
// The single-mutex, snapshot-before-unlock lock discipline is grounded on
// goa-ai's runtime/agent/session/inmem.Store, generalized from a session
// record store to a session cache.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/cortexrun/agentcore/engine"
	"github.com/cortexrun/agentcore/session"
	"github.com/cortexrun/agentcore/telemetry"
)

const (
	DefaultMaxPoolSize         = 5
	DefaultMinPoolSize         = 0
	DefaultMaxIdleTime         = 30 * time.Minute
	DefaultMaxSessionLifetime  = 2 * time.Hour
)

type (
	// Config configures a Pool.
	Config struct {
		MaxPoolSize        int
		MinPoolSize        int
		MaxIdleTime        time.Duration
		MaxSessionLifetime time.Duration
		// RateLimitTokensPerMinute, if positive, wraps the pool's engine in
		// an engine.RateLimiter with this token-bucket budget before any
		// session is created or run, throttling every backend the pool
		// manages rather than just the ones that happen to rate-limit
		// themselves.
		RateLimitTokensPerMinute float64
		// Metrics, if set, receives counters for session create/reuse/
		// destroy events, tagged by engine id. Defaults to a no-op recorder.
		Metrics telemetry.Metrics
		// OnCreate and OnDestroy, if set, are invoked (outside the pool's
		// lock) whenever a session is created or destroyed.
		OnCreate  func(session.Session)
		OnDestroy func(session.Session)
	}

	// Stats reports monotonic counters plus current gauges.
	Stats struct {
		Total, Idle, InUse                int
		Created, Destroyed, Acquired, Released int64
	}

	// Info describes one pooled session for inspection.
	Info struct {
		ID         string
		InUse      bool
		CreatedAt  time.Time
		LastUsedAt time.Time
		UseCount   int
	}

	pooledSession struct {
		sess       session.Session
		inUse      bool
		createdAt  time.Time
		lastUsedAt time.Time
		useCount   int
	}

	// Pool is a bounded, per-engine cache of reusable sessions.
	Pool struct {
		mu      sync.Mutex
		eng     engine.Engine
		cfg     Config
		entries map[string]*pooledSession

		created, destroyed, acquired, released int64
	}
)

// DefaultConfig returns a Config with the package's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxPoolSize:        DefaultMaxPoolSize,
		MinPoolSize:        DefaultMinPoolSize,
		MaxIdleTime:        DefaultMaxIdleTime,
		MaxSessionLifetime: DefaultMaxSessionLifetime,
	}
}

// New constructs a Pool bound to eng with the given config. Zero-value
// fields of cfg fall back to DefaultConfig's values.
func New(eng engine.Engine, cfg Config) *Pool {
	d := DefaultConfig()
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = d.MaxPoolSize
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = d.MaxIdleTime
	}
	if cfg.MaxSessionLifetime <= 0 {
		cfg.MaxSessionLifetime = d.MaxSessionLifetime
	}
	if cfg.RateLimitTokensPerMinute > 0 {
		eng = engine.NewRateLimiter(cfg.RateLimitTokensPerMinute).Wrap(eng)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NoopMetrics{}
	}
	return &Pool{eng: eng, cfg: cfg, entries: make(map[string]*pooledSession)}
}

// Acquire sweeps expired idle sessions, returns an idle session if one
// remains, or else constructs a new one via the engine. Acquire never
// blocks on pool size: sessions beyond MaxPoolSize are allowed to live
// transiently and are destroyed on Release instead.
func (p *Pool) Acquire(ctx context.Context, cfg *session.Config) (session.Session, error) {
	p.mu.Lock()
	p.sweepExpiredLocked()
	for _, e := range p.entries {
		if !e.inUse {
			e.inUse = true
			e.useCount++
			e.lastUsedAt = time.Now()
			p.acquired++
			sess := e.sess
			p.mu.Unlock()
			p.cfg.Metrics.IncCounter("pool.session.reused", 1, "engine", p.eng.ID())
			return sess, nil
		}
	}
	p.mu.Unlock()

	sessCfg := session.DefaultConfig()
	if cfg != nil {
		sessCfg = *cfg
	}
	sess, err := p.eng.CreateSession(ctx, sessCfg)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	p.mu.Lock()
	p.entries[sess.ID()] = &pooledSession{sess: sess, inUse: true, createdAt: now, lastUsedAt: now, useCount: 1}
	p.created++
	p.acquired++
	p.mu.Unlock()

	p.cfg.Metrics.IncCounter("pool.session.created", 1, "engine", p.eng.ID())
	if p.cfg.OnCreate != nil {
		p.cfg.OnCreate(sess)
	}
	return sess, nil
}

// Release returns sess to the pool as idle, unless dispose is true or the
// pool is currently over MaxPoolSize, in which case it is destroyed
// instead.
func (p *Pool) Release(ctx context.Context, sess session.Session, dispose bool) {
	p.mu.Lock()
	e, ok := p.entries[sess.ID()]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.released++
	over := len(p.entries) > p.cfg.MaxPoolSize
	if dispose || over {
		delete(p.entries, sess.ID())
		p.destroyed++
		p.mu.Unlock()
		_ = sess.Dispose(ctx)
		p.cfg.Metrics.IncCounter("pool.session.destroyed", 1, "engine", p.eng.ID())
		if p.cfg.OnDestroy != nil {
			p.cfg.OnDestroy(sess)
		}
		return
	}
	e.inUse = false
	e.lastUsedAt = time.Now()
	p.mu.Unlock()
}

// AbortAndRelease aborts sess's current task (if any) then releases it.
func (p *Pool) AbortAndRelease(ctx context.Context, sess session.Session, taskID string) {
	sess.Abort(taskID)
	p.Release(ctx, sess, false)
}

// Warmup creates sessions until at least max(MinPoolSize, 1) are idle.
func (p *Pool) Warmup(ctx context.Context, cfg *session.Config) error {
	target := p.cfg.MinPoolSize
	if target < 1 {
		target = 1
	}
	// Acquired sessions are held until the loop ends, so Acquire cannot hand
	// back the same idle session again instead of creating a new one.
	var held []session.Session
	defer func() {
		for _, s := range held {
			p.Release(ctx, s, false)
		}
	}()
	for {
		p.mu.Lock()
		idle := len(held)
		for _, e := range p.entries {
			if !e.inUse {
				idle++
			}
		}
		p.mu.Unlock()
		if idle >= target {
			return nil
		}
		sess, err := p.Acquire(ctx, cfg)
		if err != nil {
			return err
		}
		held = append(held, sess)
	}
}

// Clear removes every idle entry from the pool. If disposeIdle is true, idle
// sessions are disposed; in-use sessions are always left alone (their
// owner must release them).
func (p *Pool) Clear(ctx context.Context, disposeIdle bool) {
	p.mu.Lock()
	var toDispose []session.Session
	for id, e := range p.entries {
		if e.inUse {
			continue
		}
		delete(p.entries, id)
		p.destroyed++
		if disposeIdle {
			toDispose = append(toDispose, e.sess)
		}
	}
	p.mu.Unlock()
	for _, s := range toDispose {
		_ = s.Dispose(ctx)
		if p.cfg.OnDestroy != nil {
			p.cfg.OnDestroy(s)
		}
	}
}

// Dispose tears down every session in the pool, in use or not.
func (p *Pool) Dispose(ctx context.Context) {
	p.mu.Lock()
	all := make([]session.Session, 0, len(p.entries))
	for _, e := range p.entries {
		all = append(all, e.sess)
	}
	p.entries = make(map[string]*pooledSession)
	p.destroyed += int64(len(all))
	p.mu.Unlock()
	for _, s := range all {
		_ = s.Dispose(ctx)
		if p.cfg.OnDestroy != nil {
			p.cfg.OnDestroy(s)
		}
	}
}

// sweepExpiredLocked destroys idle sessions past MaxIdleTime or past
// MaxSessionLifetime; in-use sessions are skipped, whatever their age. Must
// be called with p.mu held.
func (p *Pool) sweepExpiredLocked() {
	now := time.Now()
	for id, e := range p.entries {
		if e.inUse {
			continue
		}
		expired := now.Sub(e.createdAt) > p.cfg.MaxSessionLifetime ||
			now.Sub(e.lastUsedAt) > p.cfg.MaxIdleTime
		if !expired {
			continue
		}
		delete(p.entries, id)
		p.destroyed++
		sess := e.sess
		go func() {
			_ = sess.Dispose(context.Background())
			p.cfg.Metrics.IncCounter("pool.session.expired", 1, "engine", p.eng.ID())
			if p.cfg.OnDestroy != nil {
				p.cfg.OnDestroy(sess)
			}
		}()
	}
}

// Stats returns a snapshot of the pool's counters and gauges.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Created: p.created, Destroyed: p.destroyed, Acquired: p.acquired, Released: p.released}
	s.Total = len(p.entries)
	for _, e := range p.entries {
		if e.inUse {
			s.InUse++
		} else {
			s.Idle++
		}
	}
	return s
}

// SessionInfo returns inspection info for a pooled session by id.
func (p *Pool) SessionInfo(id string) (Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return Info{}, false
	}
	return Info{ID: id, InUse: e.inUse, CreatedAt: e.createdAt, LastUsedAt: e.lastUsedAt, UseCount: e.useCount}, true
}

func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.entries {
		if !e.inUse {
			n++
		}
	}
	return n
}

func (p *Pool) InUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.entries {
		if e.inUse {
			n++
		}
	}
	return n
}

func (p *Pool) HasIdle() bool { return p.IdleCount() > 0 }
