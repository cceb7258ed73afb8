package parser

import "encoding/json"

// wireEnvelope is the superset JSON shape recognized on the line-oriented
// wire contract. Every recognized `type` populates a subset of these
// fields; others are left zero. This mirrors the anthropic-sdk-go SSE event
// union handled field-by-field in features/model/anthropic/stream.go,
// adapted here to a single flat decode since the wire shape is JSON-lines
// rather than an SDK-typed SSE stream.
type wireEnvelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	SessionID2 string         `json:"sessionId,omitempty"`
	Subtype   string          `json:"subtype,omitempty"`
	Extra     *wireExtra      `json:"extra,omitempty"`
	Message   *wireMessage    `json:"message,omitempty"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type wireExtra struct {
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type wireMessage struct {
	Content []wireContent `json:"content"`
}

type wireContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   *bool           `json:"is_error,omitempty"`
}

func (e *wireEnvelope) sessionID() string {
	if e.SessionID != "" {
		return e.SessionID
	}
	if e.SessionID2 != "" {
		return e.SessionID2
	}
	if e.Extra != nil && e.Extra.SessionID != "" {
		return e.Extra.SessionID
	}
	return ""
}

func decodeMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func decodeAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
