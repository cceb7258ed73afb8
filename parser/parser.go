// Package parser incrementally converts a backend's raw byte stream (mixed
// JSON lines and free text) into the normalized event vocabulary defined in
// package event.
//
// The incremental, callback-free design (Feed returns a batch of events
// rather than pushing to a channel) is grounded on the chunk-processing loop
// in features/model/anthropic/stream.go's anthropicChunkProcessor: accumulate
// state across calls, decode one unit of input at a time, and emit zero or
// more normalized events per unit. Unlike that SDK-typed processor, this one
// consumes arbitrary line-oriented bytes, so JSON decode failure is an
// expected, handled case (the plain-text fallback) rather than a stream
// error.
package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cortexrun/agentcore/event"
	"github.com/cortexrun/agentcore/telemetry"
)

// noCtx is used for the handful of logger calls made from parsing code that
// has no caller-supplied context: Feed and ParseLine are synchronous and
// context-free by design.
var noCtx = context.Background()

// progressMessages maps a `system` event's subtype to a human-readable
// progress message.
var progressMessages = map[string]string{
	"init":      "initializing",
	"reading":   "reading files",
	"writing":   "writing files",
	"thinking":  "thinking",
	"searching": "searching",
}

type (
	// ToolCall is the parser's view of a tool invocation in flight.
	ToolCall struct {
		ID     string
		Name   string
		Status string // "pending", "completed", "failed"
	}

	// TextPattern is one entry in the plain-text fallback table. Callers
	// may narrow, widen, or disable this branch entirely without altering
	// the JSON-line contract.
	TextPattern struct {
		// Match reports whether line should be handled by this pattern.
		Match func(line string) bool
		// Build produces the events for a matched line. It receives the
		// Parser, so a pattern can register a tool call under a
		// parser-assigned id (see Parser.nextCallID).
		Build func(p *Parser, line string) []event.Event
	}

	// Option configures a Parser at construction time.
	Option func(*Parser)

	// Parser holds the incremental parsing state for one backend stream:
	// the current session id (if any has been seen), accumulated assistant
	// text, in-flight tool calls keyed by call id, and a buffer for partial
	// lines spanning Feed calls.
	Parser struct {
		log       telemetry.Logger
		sessionID string
		text      strings.Builder
		toolCalls map[string]*ToolCall
		buf       []byte
		patterns  []TextPattern
		callSeq   int
	}
)

// WithTextPatterns overrides the plain-text fallback table. Pass an empty
// slice to disable the branch entirely (every non-JSON line then becomes a
// token).
func WithTextPatterns(patterns []TextPattern) Option {
	return func(p *Parser) { p.patterns = patterns }
}

// WithLogger overrides the logger used to report unknown event types and
// malformed input (both handled gracefully, never surfaced as an error).
func WithLogger(log telemetry.Logger) Option {
	return func(p *Parser) { p.log = log }
}

// New constructs a Parser with the default text-pattern table and a
// no-op logger.
func New(opts ...Option) *Parser {
	p := &Parser{
		toolCalls: make(map[string]*ToolCall),
		patterns:  DefaultTextPatterns(),
		log:       telemetry.NoopLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DefaultTextPatterns returns the built-in plain-text fallback table: a line
// matching "Calling tool: X" yields a progress marker plus a tool_call_start
// for X; a line starting with "Error:" yields an error event; everything
// else is unmatched (parseText falls back to a single token).
func DefaultTextPatterns() []TextPattern {
	return []TextPattern{
		{
			Match: func(line string) bool { return strings.Contains(line, "Calling tool: ") },
			Build: func(p *Parser, line string) []event.Event {
				idx := strings.Index(line, "Calling tool: ")
				name := strings.TrimSpace(line[idx+len("Calling tool: "):])
				id := p.nextCallID()
				p.toolCalls[id] = &ToolCall{ID: id, Name: name, Status: "pending"}
				return []event.Event{
					progressEvent(p.sessionID, "calling "+name, nil),
					event.ToolCallStart{Base: event.NewBase(event.TypeToolCallStart, p.sessionID), CallID: id, Tool: name},
				}
			},
		},
		{
			Match: func(line string) bool { return strings.HasPrefix(line, "Error:") },
			Build: func(p *Parser, line string) []event.Event {
				msg := strings.TrimSpace(strings.TrimPrefix(line, "Error:"))
				return []event.Event{event.Error{Base: event.NewBase(event.TypeError, p.sessionID), Err: msg}}
			},
		},
	}
}

// SessionID returns the session id captured so far, or the empty string.
func (p *Parser) SessionID() string { return p.sessionID }

// AccumulatedText returns the concatenation of every assistant text fragment
// seen so far (finalized messages and deltas alike).
func (p *Parser) AccumulatedText() string { return p.text.String() }

// ActiveToolCalls returns the tool calls currently awaiting a matching end
// event, in no particular order.
func (p *Parser) ActiveToolCalls() []ToolCall {
	out := make([]ToolCall, 0, len(p.toolCalls))
	for _, tc := range p.toolCalls {
		if tc.Status == "pending" {
			out = append(out, *tc)
		}
	}
	return out
}

// Reset clears all parsing state (session id, accumulated text, tool calls,
// line buffer) so the Parser behaves as if freshly constructed: feeding
// chunk A, resetting, then feeding chunk B must produce exactly the events
// a fresh parser fed only chunk B would produce.
func (p *Parser) Reset() {
	p.sessionID = ""
	p.text.Reset()
	p.toolCalls = make(map[string]*ToolCall)
	p.buf = nil
	p.callSeq = 0
}

// Feed appends chunk to the line buffer, splits on newline, and parses every
// complete line. The trailing partial line (if chunk does not end in '\n')
// remains buffered for the next Feed call.
func (p *Parser) Feed(chunk []byte) []event.Event {
	p.buf = append(p.buf, chunk...)
	var events []event.Event
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(p.buf[:idx])
		p.buf = p.buf[idx+1:]
		events = append(events, p.ParseLine(line)...)
	}
	return events
}

// ParseLine trims line, attempts a JSON decode, and dispatches by the
// decoded object's `type` field on success. On decode failure the line is
// handled by the plain-text fallback table.
func (p *Parser) ParseLine(line string) []event.Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	var env wireEnvelope
	if err := json.Unmarshal([]byte(line), &env); err != nil || env.Type == "" {
		return p.parseText(line)
	}
	return p.dispatch(&env)
}

func (p *Parser) parseText(line string) []event.Event {
	for _, pat := range p.patterns {
		if pat.Match(line) {
			return pat.Build(p, line)
		}
	}
	return []event.Event{event.Token{Base: event.NewBase(event.TypeToken, p.sessionID), Text: line}}
}

func (p *Parser) nextCallID() string {
	p.callSeq++
	return "call-" + strconv.Itoa(p.callSeq)
}

func progressEvent(sessionID, msg string, percent *int) event.Event {
	return event.Progress{Base: event.NewBase(event.TypeProgress, sessionID), Message: msg, Percent: percent}
}
