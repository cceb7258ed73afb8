package parser

import (
	"strings"

	"github.com/cortexrun/agentcore/event"
)

// dispatch routes a decoded wire envelope to the handler for its type.
func (p *Parser) dispatch(env *wireEnvelope) []event.Event {
	switch env.Type {
	case "system":
		return p.dispatchSystem(env)
	case "assistant":
		return p.dispatchAssistant(env)
	case "user":
		return p.dispatchUser(env)
	case "text_delta":
		return p.dispatchTextDelta(env)
	case "tool_start":
		return p.dispatchToolStart(env)
	case "tool_end":
		return p.dispatchToolEnd(env)
	case "permission_request":
		return []event.Event{progressEvent(p.sessionID, "awaiting permission", nil)}
	case "error":
		return []event.Event{event.Error{Base: event.NewBase(event.TypeError, p.sessionID), Err: env.Error}}
	case "session_start":
		if sid := env.sessionID(); sid != "" {
			p.sessionID = sid
		}
		return []event.Event{event.SessionStart{Base: event.NewBase(event.TypeSessionStart, p.sessionID)}}
	case "session_end":
		return p.dispatchSessionEnd()
	default:
		p.log.Debug(noCtx, "parser: unknown event type", "type", env.Type)
		return nil
	}
}

func (p *Parser) dispatchSystem(env *wireEnvelope) []event.Event {
	var events []event.Event
	if sid := env.sessionID(); sid != "" {
		p.sessionID = sid
		events = append(events, event.SessionStart{Base: event.NewBase(event.TypeSessionStart, p.sessionID)})
	}
	if env.Subtype != "" || (env.Extra != nil && env.Extra.Message != "") {
		msg := env.Subtype
		if mapped, ok := progressMessages[env.Subtype]; ok {
			msg = mapped
		} else if env.Extra != nil && env.Extra.Message != "" {
			msg = env.Extra.Message
		}
		events = append(events, progressEvent(p.sessionID, msg, nil))
	}
	return events
}

func (p *Parser) dispatchAssistant(env *wireEnvelope) []event.Event {
	if env.Message == nil {
		return nil
	}
	var (
		events    []event.Event
		concat    strings.Builder
		toolCalls []event.ToolCallRef
	)
	for _, c := range env.Message.Content {
		switch c.Type {
		case "text":
			concat.WriteString(c.Text)
		case "tool_use":
			p.toolCalls[c.ID] = &ToolCall{ID: c.ID, Name: c.Name, Status: "pending"}
			toolCalls = append(toolCalls, event.ToolCallRef{ID: c.ID, Name: c.Name, Status: "pending"})
			events = append(events, event.ToolCallStart{
				Base:   event.NewBase(event.TypeToolCallStart, p.sessionID),
				CallID: c.ID,
				Tool:   c.Name,
				Args:   decodeMap(c.Input),
			})
		}
	}
	text := concat.String()
	if text != "" {
		p.text.WriteString(text)
	}
	if text != "" || len(toolCalls) > 0 {
		events = append(events, event.AssistantMessage{
			Base:      event.NewBase(event.TypeAssistantMessage, p.sessionID),
			Content:   text,
			IsDelta:   false,
			ToolCalls: toolCalls,
		})
	}
	return events
}

func (p *Parser) dispatchUser(env *wireEnvelope) []event.Event {
	if env.Message == nil {
		return nil
	}
	var events []event.Event
	for _, c := range env.Message.Content {
		if c.Type != "tool_result" {
			continue
		}
		tc, ok := p.toolCalls[c.ToolUseID]
		if !ok {
			tc = &ToolCall{ID: c.ToolUseID}
		}
		isErr := c.IsError != nil && *c.IsError
		if isErr {
			tc.Status = "failed"
		} else {
			tc.Status = "completed"
		}
		delete(p.toolCalls, c.ToolUseID)
		events = append(events, event.ToolCallEnd{
			Base:    event.NewBase(event.TypeToolCallEnd, p.sessionID),
			CallID:  c.ToolUseID,
			Tool:    tc.Name,
			Result:  decodeAny(c.Content),
			Success: !isErr,
		})
	}
	return events
}

func (p *Parser) dispatchTextDelta(env *wireEnvelope) []event.Event {
	p.text.WriteString(env.Text)
	return []event.Event{event.AssistantMessage{
		Base:    event.NewBase(event.TypeAssistantMessage, p.sessionID),
		Content: env.Text,
		IsDelta: true,
	}}
}

func (p *Parser) dispatchToolStart(env *wireEnvelope) []event.Event {
	id := p.nextCallID()
	p.toolCalls[id] = &ToolCall{ID: id, Name: env.ToolName, Status: "pending"}
	return []event.Event{
		progressEvent(p.sessionID, "calling "+env.ToolName, nil),
		event.ToolCallStart{
			Base:   event.NewBase(event.TypeToolCallStart, p.sessionID),
			CallID: id,
			Tool:   env.ToolName,
			Args:   decodeMap(env.Input),
		},
	}
}

func (p *Parser) dispatchToolEnd(env *wireEnvelope) []event.Event {
	id, tc := p.findPendingByName(env.ToolName)
	if tc != nil {
		tc.Status = "completed"
		delete(p.toolCalls, id)
	}
	return []event.Event{
		progressEvent(p.sessionID, "finished "+env.ToolName, nil),
		event.ToolCallEnd{
			Base:    event.NewBase(event.TypeToolCallEnd, p.sessionID),
			CallID:  id,
			Tool:    env.ToolName,
			Result:  decodeAny(env.Output),
			Success: true,
		},
	}
}

func (p *Parser) dispatchSessionEnd() []event.Event {
	sid := p.sessionID
	events := []event.Event{event.SessionEnd{
		Base:   event.NewBase(event.TypeSessionEnd, sid),
		Reason: event.SessionEndCompleted,
	}}
	p.Reset()
	return events
}

// findPendingByName returns the most recently registered pending tool call
// with the given name, used to correlate a generic tool_end (which carries
// only a name, not a call id) with its tool_start.
func (p *Parser) findPendingByName(name string) (string, *ToolCall) {
	var (
		bestID string
		best   *ToolCall
	)
	for id, tc := range p.toolCalls {
		if tc.Name == name && tc.Status == "pending" {
			// Parser-assigned ids are "call-N"; comparing length first
			// orders them numerically ("call-10" after "call-9").
			if best == nil || len(id) > len(bestID) || (len(id) == len(bestID) && id > bestID) {
				bestID, best = id, tc
			}
		}
	}
	return bestID, best
}
