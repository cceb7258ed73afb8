// Package openai implements engine.Engine on top of the OpenAI Chat
// Completions streaming API via github.com/openai/openai-go, demonstrating
// backend heterogeneity alongside engines/anthropic.
//
// The request/response translation shape (task prompt -> chat messages,
// mockable client interface for tests) is grounded on goa-ai's
// runtime/agent/model/openai client (see _teacher_ref/model/openai/
// client.go), adapted from that client's non-streaming Complete call to
// this module's streaming Producer contract.
package openai

import (
	"context"
	"errors"

	oai "github.com/openai/openai-go"

	"github.com/cortexrun/agentcore/engine"
	"github.com/cortexrun/agentcore/event"
	"github.com/cortexrun/agentcore/session"
	"github.com/cortexrun/agentcore/task"
	"github.com/cortexrun/agentcore/telemetry"
)

// ChatClient captures the subset of the openai-go client used by the
// engine, satisfied by the SDK's Chat.Completions service so tests can
// substitute a fake streamer.
type ChatClient interface {
	NewStreaming(ctx context.Context, params oai.ChatCompletionNewParams) Stream
}

// Stream is the minimal surface of openai-go's streaming response the
// engine consumes.
type Stream interface {
	Next() bool
	Current() oai.ChatCompletionChunk
	Err() error
	Close() error
}

// Options configures the Engine.
type Options struct {
	ID           string // defaults to "openai"
	DefaultModel string
}

// Engine implements engine.Engine against the OpenAI Chat Completions API.
type Engine struct {
	id    string
	chat  ChatClient
	model string
	log   telemetry.Logger
}

// New constructs an OpenAI engine.
func New(chat ChatClient, opts Options, log telemetry.Logger) *Engine {
	if opts.ID == "" {
		opts.ID = "openai"
	}
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Engine{id: opts.ID, chat: chat, model: opts.DefaultModel, log: log}
}

func (e *Engine) ID() string   { return e.id }
func (e *Engine) Name() string { return "OpenAI Chat (" + e.model + ")" }

func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		SupportedKinds:     []task.Kind{task.KindChat, task.KindAnalyze, task.KindGenerate},
		Streaming:          true,
		ConcurrentSessions: true,
		TaskAbort:          true,
		Description:        "Hosted OpenAI Chat Completions API, consumed via streaming.",
		Version:            "v1",
	}
}

func (e *Engine) IsAvailable(ctx context.Context) bool { return e.chat != nil && e.model != "" }

// CreateSession implements engine.Engine.
func (e *Engine) CreateSession(ctx context.Context, cfg session.Config) (session.Session, error) {
	id := e.id + "-session-" + cfg.CorrelationTaskID
	if cfg.CorrelationTaskID == "" {
		id = e.id + "-session"
	}
	return session.NewBase(id, cfg, e.produce), nil
}

func (e *Engine) produce(ctx context.Context, t task.Task, emit func(ev event.Event)) error {
	if t.Input.Prompt == "" {
		return errors.New("openai: task prompt is required")
	}
	sessID := t.ID

	params := oai.ChatCompletionNewParams{
		Model: oai.ChatModel(e.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.UserMessage(t.Input.Prompt),
		},
	}

	stream := e.chat.NewStreaming(ctx, params)
	defer stream.Close()

	var pendingCall string
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			emit(event.Token{Base: event.NewBase(event.TypeToken, sessID), Text: delta.Content})
		}
		for _, tc := range delta.ToolCalls {
			if tc.ID != "" && tc.ID != pendingCall {
				pendingCall = tc.ID
				emit(event.ToolCallStart{
					Base:   event.NewBase(event.TypeToolCallStart, sessID),
					CallID: tc.ID, Tool: tc.Function.Name,
				})
			}
		}
		if chunk.Choices[0].FinishReason != "" && pendingCall != "" {
			emit(event.ToolCallEnd{
				Base:    event.NewBase(event.TypeToolCallEnd, sessID),
				CallID:  pendingCall,
				Success: true,
			})
			pendingCall = ""
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return stream.Err()
}
