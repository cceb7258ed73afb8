package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexrun/agentcore/event"
)

func eventTypes(evts []event.Event) []event.Type {
	out := make([]event.Type, len(evts))
	for i, e := range evts {
		out[i] = e.Type()
	}
	return out
}

func TestParseLineSystemSetsSessionID(t *testing.T) {
	p := New()
	evts := p.ParseLine(`{"type":"system","session_id":"sess-1","subtype":"init"}`)
	require.Len(t, evts, 2)
	assert.Equal(t, event.TypeSessionStart, evts[0].Type())
	assert.Equal(t, "sess-1", p.SessionID())
}

func TestParseLineAssistantTextAccumulates(t *testing.T) {
	p := New()
	p.ParseLine(`{"type":"system","session_id":"sess-1"}`)
	evts := p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}`)
	require.Len(t, evts, 1)
	msg, ok := evts[0].(event.AssistantMessage)
	require.True(t, ok)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "hello", p.AccumulatedText())
}

func TestToolCallStartThenEndBalances(t *testing.T) {
	p := New()
	p.ParseLine(`{"type":"system","session_id":"sess-1"}`)
	startEvts := p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"call-1","name":"search","input":{}}]}}`)
	require.Len(t, startEvts, 2)
	assert.Equal(t, event.TypeToolCallStart, startEvts[0].Type())
	assert.Equal(t, event.TypeAssistantMessage, startEvts[1].Type())
	assert.Len(t, p.ActiveToolCalls(), 1)

	endEvts := p.ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"call-1","content":"42"}]}}`)
	require.Len(t, endEvts, 1)
	end, ok := endEvts[0].(event.ToolCallEnd)
	require.True(t, ok)
	assert.Equal(t, "call-1", end.CallID)
	assert.True(t, end.Success)
	assert.Empty(t, p.ActiveToolCalls())
}

func TestToolCallErrorResult(t *testing.T) {
	p := New()
	p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"call-1","name":"search","input":{}}]}}`)
	isErr := true
	_ = isErr
	endEvts := p.ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"call-1","is_error":true,"content":"bad"}]}}`)
	require.Len(t, endEvts, 1)
	end := endEvts[0].(event.ToolCallEnd)
	assert.False(t, end.Success)
}

func TestTextDeltaEmitsDeltaEvent(t *testing.T) {
	p := New()
	evts := p.ParseLine(`{"type":"text_delta","text":"partial"}`)
	require.Len(t, evts, 1)
	msg := evts[0].(event.AssistantMessage)
	assert.True(t, msg.IsDelta)
	assert.Equal(t, "partial", msg.Content)
}

func TestPlainTextFallbackToolPattern(t *testing.T) {
	p := New()
	evts := p.ParseLine("Calling tool: search")
	require.Len(t, evts, 2)
	assert.Equal(t, event.TypeProgress, evts[0].Type())
	assert.Equal(t, event.TypeToolCallStart, evts[1].Type())
}

func TestPlainTextFallbackErrorPattern(t *testing.T) {
	p := New()
	evts := p.ParseLine("Error: something broke")
	require.Len(t, evts, 1)
	errEvt := evts[0].(event.Error)
	assert.Equal(t, "something broke", errEvt.Err)
}

func TestPlainTextFallbackDefaultIsToken(t *testing.T) {
	p := New()
	evts := p.ParseLine("just some unstructured text")
	require.Len(t, evts, 1)
	assert.Equal(t, event.TypeToken, evts[0].Type())
}

func TestMalformedJSONFallsBackToText(t *testing.T) {
	p := New()
	evts := p.ParseLine(`{"type": "assistant", not valid json`)
	require.Len(t, evts, 1)
	assert.Equal(t, event.TypeToken, evts[0].Type())
}

func TestFeedSplitsOnNewlineAndBuffersPartialLine(t *testing.T) {
	p := New()
	evts := p.Feed([]byte("Error: boom\npartial-line-no-newline"))
	require.Len(t, evts, 1)

	more := p.Feed([]byte(" continues\n"))
	require.Len(t, more, 1)
	tokEvt := more[0].(event.Token)
	assert.Equal(t, "partial-line-no-newline continues", tokEvt.Text)
}

func TestSessionEndResetsState(t *testing.T) {
	p := New()
	p.ParseLine(`{"type":"system","session_id":"sess-1"}`)
	p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}`)

	evts := p.ParseLine(`{"type":"session_end"}`)
	require.Len(t, evts, 1)
	assert.Equal(t, event.TypeSessionEnd, evts[0].Type())

	assert.Equal(t, "", p.SessionID())
	assert.Equal(t, "", p.AccumulatedText())
	assert.Empty(t, p.ActiveToolCalls())
}

// TestResetIsEquivalentToFreshParser checks invariant 11: feeding chunk A,
// resetting, then feeding chunk B produces exactly what a fresh parser fed
// only chunk B would produce.
func TestResetIsEquivalentToFreshParser(t *testing.T) {
	chunkA := []byte(`{"type":"system","session_id":"sess-A"}` + "\n")
	chunkB := []byte(`{"type":"system","session_id":"sess-B"}` + "\n" + `{"type":"text_delta","text":"hi"}` + "\n")

	dirty := New()
	dirty.Feed(chunkA)
	dirty.Reset()
	gotDirty := dirty.Feed(chunkB)

	fresh := New()
	gotFresh := fresh.Feed(chunkB)

	require.Equal(t, eventTypes(gotFresh), eventTypes(gotDirty))
	assert.Equal(t, fresh.SessionID(), dirty.SessionID())
	assert.Equal(t, fresh.AccumulatedText(), dirty.AccumulatedText())
}

func TestWithTextPatternsOverridesFallback(t *testing.T) {
	p := New(WithTextPatterns(nil))
	evts := p.ParseLine("Calling tool: search")
	require.Len(t, evts, 1)
	assert.Equal(t, event.TypeToken, evts[0].Type())
}
