// Package event defines the normalized event vocabulary emitted by sessions,
// republished by the task queue, and fanned out by the event bus. Every
// concrete event type embeds Base and implements the Event interface so that
// bus subscribers and stream consumers can handle them generically or type
// assert to the concrete payload when they need structured field access.
//
// The vocabulary here is deliberately backend-agnostic: it is the contract
// downstream of the stream parser, never the raw wire shape any one backend
// happens to emit.
package event

import "time"

type (
	// Type identifies an event's concrete shape. Subscribers filter on Type
	// (or the wildcard topic "*") rather than performing type assertions up
	// front.
	Type string

	// Event is the common interface implemented by every concrete event
	// type in this package. Implementations are immutable after
	// construction and safe to publish concurrently.
	Event interface {
		// Type returns the event's discriminator.
		Type() Type
		// Session returns the id of the session that produced the event, or
		// the empty string for events with no session affinity (for example
		// task lifecycle events published before a session exists).
		Session() string
	}

	// Base carries the fields common to all events. Concrete event types
	// embed Base and add their own payload fields.
	Base struct {
		typ       Type
		sessionID string
	}
)

// NewBase constructs a Base with the given type and session id.
func NewBase(t Type, sessionID string) Base {
	return Base{typ: t, sessionID: sessionID}
}

// Type implements Event.
func (b Base) Type() Type { return b.typ }

// Session implements Event.
func (b Base) Session() string { return b.sessionID }

// Event type discriminators, one per event variant.
const (
	TypeToken             Type = "token"
	TypeAssistantMessage  Type = "assistant_message"
	TypeUserMessage       Type = "user_message"
	TypeToolCallStart     Type = "tool_call_start"
	TypeToolCallEnd       Type = "tool_call_end"
	TypeProgress          Type = "progress"
	TypeError             Type = "error"
	TypeSessionStart      Type = "session_start"
	TypeSessionEnd        Type = "session_end"
	TypeTaskMetadata      Type = "task_metadata"
	TypeTaskProgress      Type = "task_progress"
	TypeTaskCompleted     Type = "task_completed"
	TypeTaskCanceled      Type = "task_canceled"
	TypeResult            Type = "result"

	// TypeWildcard is the topic that receives every published event,
	// delivered after the event's exact-type subscribers.
	TypeWildcard Type = "*"
)

// SessionEndReason enumerates why a session stream ended.
type SessionEndReason string

const (
	SessionEndCompleted SessionEndReason = "completed"
	SessionEndAborted   SessionEndReason = "aborted"
	SessionEndError     SessionEndReason = "error"
)

// TaskStatus enumerates the runtime status of a queued task.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskRunning  TaskStatus = "running"
	TaskSuccess  TaskStatus = "success"
	TaskError    TaskStatus = "error"
	TaskCanceled TaskStatus = "canceled"
)

type (
	// ToolCallRef is the lightweight view of a tool call carried inside an
	// AssistantMessage's ToolCalls list: enough to correlate with the
	// matching ToolCallStart/ToolCallEnd without duplicating their payloads.
	ToolCallRef struct {
		ID     string
		Name   string
		Status string // "pending", "completed", "failed"
	}

	// Token is a raw text fragment, the lowest-level unit the parser emits
	// when a backend has no richer structure to offer (plain-text fallback,
	// or a provider that streams undifferentiated tokens).
	Token struct {
		Base
		Text string
	}

	// AssistantMessage reports assistant-authored content, possibly as an
	// incremental delta (IsDelta=true) or a finalized turn (IsDelta=false)
	// that also lists any tool calls the turn produced.
	AssistantMessage struct {
		Base
		Content   string
		IsDelta   bool
		ToolCalls []ToolCallRef
	}

	// UserMessage reports user-authored content re-surfaced by the backend
	// (for example an echoed prompt that included file attachments).
	UserMessage struct {
		Base
		Content string
		Files   []string
	}

	// ToolCallStart announces that a tool invocation has begun. CallID
	// correlates with the ToolCallEnd (or an implicit end via SessionEnd
	// with a non-completed reason) that eventually follows.
	ToolCallStart struct {
		Base
		CallID string
		Tool   string
		Args   map[string]any
	}

	// ToolCallEnd reports the outcome of a previously started tool call.
	ToolCallEnd struct {
		Base
		CallID  string
		Tool    string
		Result  any
		Success bool
	}

	// Progress is a human-readable status update with no bearing on control
	// flow; consumers display it, nothing downstream depends on its content.
	Progress struct {
		Base
		Message string
		Percent *int
	}

	// Error reports a backend or stream-level error. It never aborts the
	// process; it is surfaced to subscribers and, for task-scoped errors,
	// terminates the owning task.
	Error struct {
		Base
		Err  string
		Code string
	}

	// SessionStart is always the first event of a session's stream.
	// TaskID, when non-empty, names the task that requested this session
	// (threaded from session.Config.CorrelationTaskID), letting a listener
	// on the bus alone correlate a session_start with the task that caused
	// it without relying on temporal proximity.
	SessionStart struct {
		Base
		TaskID string
	}

	// SessionEnd is always the last event of a session's stream.
	SessionEnd struct {
		Base
		Reason SessionEndReason
	}

	// TaskMetadata reports a task's lifecycle snapshot: status plus timing
	// once known. Published on every status transition, not just terminal
	// ones.
	TaskMetadata struct {
		Base
		TaskID    string
		Status    TaskStatus
		StartTime *time.Time
		EndTime   *time.Time
		Duration  *time.Duration
		Error     string
	}

	// TaskProgress mirrors Progress but is scoped to a task rather than a
	// session, used for queue-depth and scheduling commentary.
	TaskProgress struct {
		Base
		TaskID  string
		Message string
		Percent *int
	}

	// TaskCompleted is the terminal event for a task that reached success
	// or error (not canceled; see TaskCanceled).
	TaskCompleted struct {
		Base
		TaskID   string
		Status   TaskStatus
		Duration time.Duration
		Error    string
	}

	// TaskCanceled is the terminal event for a task that was canceled,
	// either by explicit request or by timeout.
	TaskCanceled struct {
		Base
		TaskID string
		Reason string
	}

	// Result carries a task's final output value, published alongside
	// TaskCompleted for consumers that only care about the payload.
	Result struct {
		Base
		Output any
	}
)
