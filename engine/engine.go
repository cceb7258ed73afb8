// Package engine defines the capability-described backend handle and the
// process-wide registry that tracks engines by id, including lazy
// factories materialized on first use.
package engine

import (
	"context"

	"github.com/cortexrun/agentcore/session"
	"github.com/cortexrun/agentcore/task"
)

// Capabilities describes what an engine supports, used by callers (and a
// future scheduler) to route tasks to engines that can actually serve them.
type Capabilities struct {
	SupportedKinds        []task.Kind
	Streaming             bool
	ConcurrentSessions    bool
	TaskAbort             bool
	MaxConcurrentSessions int // 0 = unlimited
	Description           string
	Version               string
}

// Engine is a factory for sessions against one backend (a hosted API, an
// external CLI agent, or any other invocation mechanism — the core stays
// agnostic to which).
type Engine interface {
	ID() string
	Name() string
	Capabilities() Capabilities

	// CreateSession constructs a new session bound to this engine. cfg may
	// be the zero value, in which case the engine applies its own
	// defaults.
	CreateSession(ctx context.Context, cfg session.Config) (session.Session, error)

	// IsAvailable reports whether the engine can currently serve requests
	// (credentials present, endpoint reachable, binary on PATH, etc).
	IsAvailable(ctx context.Context) bool
}

// Initializer is optionally implemented by engines that need one-time setup
// before first use. Initialize must be idempotent.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Cleaner is optionally implemented by engines that hold resources needing
// explicit teardown. Cleanup must be idempotent.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}
