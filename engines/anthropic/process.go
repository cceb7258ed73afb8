package anthropic

import (
	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/cortexrun/agentcore/event"
)

// blockTracker converts a stream of sdk.MessageStreamEventUnion into this
// module's event vocabulary, tracking tool-use blocks per content block
// index as goa-ai's anthropicChunkProcessor does (see
// _teacher_ref/model/anthropic/stream.go), but emitting Token/ToolCallStart/
// ToolCallEnd instead of its model.Chunk. The streamed tool-input JSON
// fragments are not accumulated, so ToolCallStart carries no Args.
type blockTracker struct {
	sessionID string
	emit      func(event.Event)
	nextCall  func() string

	toolBlocks map[int]*toolBuf
}

type toolBuf struct {
	id, name string
	input    map[string]any
	started  bool
}

func newBlockTracker(sessionID string, emit func(event.Event), nextCall func() string) *blockTracker {
	return &blockTracker{sessionID: sessionID, emit: emit, nextCall: nextCall, toolBlocks: make(map[int]*toolBuf)}
}

func (p *blockTracker) handle(ev sdk.MessageStreamEventUnion) error {
	switch v := ev.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.toolBlocks = make(map[int]*toolBuf)
		return nil
	case sdk.ContentBlockStartEvent:
		idx := int(v.Index)
		if tu, ok := v.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			p.toolBlocks[idx] = &toolBuf{id: tu.ID, name: tu.Name}
		}
		return nil
	case sdk.ContentBlockDeltaEvent:
		idx := int(v.Index)
		switch d := v.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if d.Text == "" {
				return nil
			}
			p.emit(event.Token{Base: event.NewBase(event.TypeToken, p.sessionID), Text: d.Text})
		case sdk.InputJSONDelta:
			if tb, ok := p.toolBlocks[idx]; ok && !tb.started {
				tb.started = true
				p.emit(event.ToolCallStart{
					Base: event.NewBase(event.TypeToolCallStart, p.sessionID),
					CallID: tb.id, Tool: tb.name,
				})
			}
		}
		return nil
	case sdk.ContentBlockStopEvent:
		idx := int(v.Index)
		tb, ok := p.toolBlocks[idx]
		if !ok {
			return nil
		}
		delete(p.toolBlocks, idx)
		p.emit(event.ToolCallEnd{
			Base: event.NewBase(event.TypeToolCallEnd, p.sessionID),
			CallID: tb.id, Tool: tb.name, Success: true,
		})
		return nil
	case sdk.MessageStopEvent:
		p.toolBlocks = make(map[int]*toolBuf)
		return nil
	}
	return nil
}
