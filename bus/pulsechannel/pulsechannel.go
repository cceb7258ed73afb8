// Package pulsechannel implements an optional distributed variant of
// bus.Channel: events published through it are serialized and appended to a
// Pulse stream (backed by Redis via github.com/redis/go-redis/v9) so that
// peer processes running their own Bus can observe them via a consumer
// group sink, in addition to local in-process fan-out.
//
// This is an additive capability beyond the base bus, which otherwise
// scopes event delivery to a single process; it extends the global,
// process-wide bus singleton into an opt-in multi-process deployment,
// using the pulse client wrapper goa-ai built for exactly this purpose
// (see _teacher_ref/... features/stream/pulse/clients/pulse/client.go).
package pulsechannel

import (
	"context"
	"encoding/json"

	pulse "goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/cortexrun/agentcore/bus"
	"github.com/cortexrun/agentcore/event"
	"github.com/cortexrun/agentcore/telemetry"
)

// wireEvent is the JSON envelope written to the Pulse stream: enough to
// reconstruct a generic event.Event on the reading side via a registered
// decoder, without requiring every concrete event type to implement its own
// marshaling.
type wireEvent struct {
	Type      event.Type      `json:"type"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// Decoder reconstructs a concrete event.Event from a wireEvent's type and
// raw payload. Callers register one decoder per event.Type they want to
// receive from remote peers; unregistered types are dropped with a log
// line.
type Decoder func(sessionID string, payload json.RawMessage) (event.Event, error)

// Channel is a bus.Channel that mirrors every Publish onto a Pulse stream in
// addition to delivering locally through the wrapped local bus.Channel.
type Channel struct {
	local    bus.Channel
	stream   *pulse.Stream
	log      telemetry.Logger
	decoders map[event.Type]Decoder
}

// New wraps local with Pulse stream replication. stream should already be
// open (via pulse.NewStream against a *redis.Client); this package does not
// own Redis connection lifecycle.
func New(local bus.Channel, stream *pulse.Stream, log telemetry.Logger, decoders map[event.Type]Decoder) *Channel {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	if decoders == nil {
		decoders = make(map[event.Type]Decoder)
	}
	return &Channel{local: local, stream: stream, log: log, decoders: decoders}
}

// Publish delivers evt to local subscribers, then best-effort mirrors it to
// the Pulse stream. A stream write failure is logged, never returned: a
// distributed peer missing one event must not block or fail the local
// publisher, extending the bus's local back-pressure policy to the
// cross-process case.
func (c *Channel) Publish(ctx context.Context, evt event.Event) {
	c.local.Publish(ctx, evt)
	if c.stream == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		c.log.Warn(ctx, "pulsechannel: marshal event failed", "type", string(evt.Type()), "error", err.Error())
		return
	}
	we := wireEvent{Type: evt.Type(), SessionID: evt.Session(), Payload: payload}
	data, err := json.Marshal(we)
	if err != nil {
		c.log.Warn(ctx, "pulsechannel: marshal envelope failed", "error", err.Error())
		return
	}
	if _, err := c.stream.Add(ctx, string(evt.Type()), data); err != nil {
		c.log.Warn(ctx, "pulsechannel: stream add failed", "error", err.Error())
	}
}

func (c *Channel) Subscribe(topic event.Type, l bus.Listener, opts bus.Options) bus.Unsubscribe {
	return c.local.Subscribe(topic, l, opts)
}

func (c *Channel) SubscribeOnce(topic event.Type, l bus.Listener, opts bus.Options) bus.Unsubscribe {
	return c.local.SubscribeOnce(topic, l, opts)
}

func (c *Channel) Namespace() string { return c.local.Namespace() }

// ConsumeRemote reads events from a Pulse sink (a consumer group on the same
// stream, typically opened from a peer process) and republishes decoded
// events onto the local bus.Bus so local subscribers observe them
// indistinguishably from locally-produced events. It blocks until ctx is
// done or the sink's channel closes.
func ConsumeRemote(ctx context.Context, b bus.Bus, sink pulseSink, decoders map[event.Type]Decoder, log telemetry.Logger) error {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			var we wireEvent
			if err := json.Unmarshal(ev.Payload, &we); err != nil {
				log.Warn(ctx, "pulsechannel: decode envelope failed", "error", err.Error())
				_ = sink.Ack(ctx, ev)
				continue
			}
			decode, ok := decoders[we.Type]
			if !ok {
				log.Warn(ctx, "pulsechannel: no decoder registered", "type", string(we.Type))
				_ = sink.Ack(ctx, ev)
				continue
			}
			decoded, err := decode(we.SessionID, we.Payload)
			if err != nil {
				log.Warn(ctx, "pulsechannel: decode payload failed", "type", string(we.Type), "error", err.Error())
				_ = sink.Ack(ctx, ev)
				continue
			}
			b.Publish(ctx, decoded)
			if err := sink.Ack(ctx, ev); err != nil {
				log.Warn(ctx, "pulsechannel: ack failed", "error", err.Error())
			}
		}
	}
}

// pulseSink mirrors the subset of goa.design/pulse/streaming.Sink consumed
// here, named locally so ConsumeRemote can be exercised against a fake in
// tests without a live Redis instance.
type pulseSink interface {
	Subscribe() <-chan *pulse.Event
	Ack(context.Context, *pulse.Event) error
}
