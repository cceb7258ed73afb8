// Package session defines the per-task execution contract: a long-lived
// conversational context that runs at most one task at a time and emits a
// normalized event stream.
//
// The status state machine (idle -> running -> idle, or -> disposed) and
// the busy-guard on concurrent Run calls are grounded on the lock discipline
// of goa-ai's runtime/agent/session/inmem.Store (a single mutex, no lock
// held across a blocking call) generalized from "session record storage" to
// "session execution".
package session

import (
	"context"
	"errors"

	"github.com/cortexrun/agentcore/event"
	"github.com/cortexrun/agentcore/task"
)

// Status enumerates a session's lifecycle state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusDisposed Status = "disposed"
)

// DefaultTimeoutMS is the per-task timeout, in milliseconds, that
// DefaultConfig puts in Config.TimeoutMS. A zero Config.TimeoutMS is not
// replaced by it.
const DefaultTimeoutMS = 300_000

var (
	// ErrBusy is returned by Run when the session is already running a task.
	ErrBusy = errors.New("session: busy")
	// ErrDisposed is returned by Run when the session has been disposed.
	ErrDisposed = errors.New("session: disposed")
)

// Config configures a session at creation or acquisition time.
type Config struct {
	WorkspaceDir string
	Verbose      bool
	TimeoutMS    int
	// CorrelationTaskID optionally identifies the task that requested this
	// session. taskmanager sets it so that a session it acquires and runs
	// can be traced back to the task that asked for it even when several
	// tasks are in flight against the same engine concurrently.
	CorrelationTaskID string
	Options           map[string]any
}

// DefaultConfig returns a Config with sensible baseline defaults.
func DefaultConfig() Config {
	return Config{TimeoutMS: DefaultTimeoutMS}
}

// Session is a per-task execution context. Implementations must emit
// session_start first and session_end last from Run, must be safe to Run
// exactly once per task, and must refuse ("busy") or serialize a second
// concurrent Run.
type Session interface {
	ID() string
	Status() Status
	Config() Config

	// Run invokes the backend for t and returns a channel of the
	// normalized events it produces. The channel is closed when the
	// session returns to idle. Run returns ErrBusy if the session is
	// already running a task, or ErrDisposed if it has been disposed.
	Run(ctx context.Context, t task.Task) (<-chan event.Event, error)

	// Abort signals cancellation of the current run, if any. Idempotent;
	// a no-op if the session is idle.
	Abort(taskID string)

	// OnEvent registers a listener that mirrors every event Run produces
	// for every task this session executes, returning an idempotent
	// unsubscribe function.
	OnEvent(listener func(event.Event)) (unsubscribe func())

	// Dispose terminates the session and releases underlying resources.
	// Further Run calls fail with ErrDisposed.
	Dispose(ctx context.Context) error
}
