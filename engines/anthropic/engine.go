// Package anthropic implements engine.Engine on top of Anthropic's Claude
// Messages streaming API via github.com/anthropics/anthropic-sdk-go.
//
// The streaming-event-to-normalized-event mapping is grounded on goa-ai's
// runtime/agent/model/anthropic streamer (see _teacher_ref/model/anthropic/
// stream.go): ContentBlockStartEvent/ContentBlockDeltaEvent/
// ContentBlockStopEvent drive a small per-index buffer keyed by content
// block index, exactly as that streamer's anthropicChunkProcessor does,
// but translated into this module's event.Event vocabulary instead of its
// model.Chunk.
package anthropic

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/cortexrun/agentcore/engine"
	"github.com/cortexrun/agentcore/event"
	"github.com/cortexrun/agentcore/session"
	"github.com/cortexrun/agentcore/task"
	"github.com/cortexrun/agentcore/telemetry"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// engine, satisfied by *sdk.MessageService so tests can substitute a fake
// streamer without a live API key.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) Stream
}

// Stream is the minimal surface of *ssestream.Stream[sdk.MessageStreamEventUnion]
// the engine consumes.
type Stream interface {
	Next() bool
	Current() sdk.MessageStreamEventUnion
	Err() error
	Close() error
}

// Options configures the Engine.
type Options struct {
	ID           string // defaults to "anthropic"
	DefaultModel string
	MaxTokens    int64
}

// Engine implements engine.Engine against the Anthropic Messages API.
type Engine struct {
	id   string
	msg  MessagesClient
	opts Options
	log  telemetry.Logger
}

// New constructs an Anthropic engine. Pass nil log to use a no-op logger.
func New(msg MessagesClient, opts Options, log telemetry.Logger) *Engine {
	if opts.ID == "" {
		opts.ID = "anthropic"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Engine{id: opts.ID, msg: msg, opts: opts, log: log}
}

func (e *Engine) ID() string   { return e.id }
func (e *Engine) Name() string { return "Anthropic Claude (" + e.opts.DefaultModel + ")" }

func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		SupportedKinds:     []task.Kind{task.KindChat, task.KindRefactor, task.KindAnalyze, task.KindGenerate},
		Streaming:          true,
		ConcurrentSessions: true,
		TaskAbort:          true,
		Description:        "Hosted Anthropic Claude Messages API, consumed via streaming.",
		Version:            "v1",
	}
}

func (e *Engine) IsAvailable(ctx context.Context) bool { return e.msg != nil }

// CreateSession implements engine.Engine.
func (e *Engine) CreateSession(ctx context.Context, cfg session.Config) (session.Session, error) {
	id := e.opts.ID + "-session-" + uuid.NewString()
	return session.NewBase(id, cfg, e.produce), nil
}

func (e *Engine) produce(ctx context.Context, t task.Task, emit func(event.Event)) error {
	if t.Input.Prompt == "" {
		return errors.New("anthropic: task prompt is required")
	}
	sessID := ctxSessionID(ctx, t)

	params := sdk.MessageNewParams{
		Model:     sdk.Model(e.opts.DefaultModel),
		MaxTokens: e.opts.MaxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(t.Input.Prompt)),
		},
	}

	stream := e.msg.NewStreaming(ctx, params)
	defer stream.Close()

	proc := newBlockTracker(sessID, emit, e.nextCallID)
	for stream.Next() {
		if err := proc.handle(stream.Current()); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return stream.Err()
}

func (e *Engine) nextCallID() string { return "call-" + uuid.NewString() }

func ctxSessionID(ctx context.Context, t task.Task) string {
	if t.EngineID != "" {
		return t.EngineID + ":" + t.ID
	}
	return t.ID
}
