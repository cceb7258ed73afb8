// Package bus provides an in-process, topic-keyed publish/subscribe fan-out
// for the normalized event vocabulary defined in package event. It is the
// only legal cross-component channel in the core: sessions, the task queue,
// and the engine registry all communicate with outside observers exclusively
// by publishing here.
//
// The delivery model is adapted from goa-ai's runtime/agent/hooks.Bus: a
// snapshot of subscribers is taken under lock, then invoked outside the
// lock so registration/unregistration never deadlocks with delivery. Unlike
// that bus, Publish never stops early: a panicking or misbehaving listener
// is isolated (recovered, logged) and its peers still run, matching this
// package's stricter "every surviving listener runs exactly once" contract.
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cortexrun/agentcore/event"
	"github.com/cortexrun/agentcore/telemetry"
)

const defaultMaxHistory = 100

type (
	// Listener receives events published on a topic it is subscribed to.
	// A listener must not block indefinitely: Publish is synchronous and a
	// slow listener delays every other subscriber and the publisher itself.
	Listener func(ctx context.Context, evt event.Event)

	// Options configures a subscription.
	Options struct {
		// Once, if true, removes the subscription after its first
		// invocation (successful or not).
		Once bool
		// Priority controls delivery order among subscribers on the same
		// topic: strictly descending priority, ties broken by registration
		// order. Default 0.
		Priority int
		// Namespace tags the subscription for bulk removal via
		// UnsubscribeNamespace. Empty means no namespace.
		Namespace string
	}

	// Unsubscribe removes a subscription. It is idempotent and safe to call
	// multiple times or concurrently with Publish.
	Unsubscribe func()

	// HistoryFilter reports whether a recorded event should be included in
	// a History query. A nil filter matches everything.
	HistoryFilter func(evt event.Event) bool

	// Channel is a thin namespaced facade over a Bus: subscriptions made
	// through it are auto-tagged with the channel's namespace, and events
	// published through it are wrapped so subscribers can recover which
	// channel originated them by type-asserting the event to Namespacer.
	Channel interface {
		Publish(ctx context.Context, evt event.Event)
		Subscribe(topic event.Type, l Listener, opts Options) Unsubscribe
		SubscribeOnce(topic event.Type, l Listener, opts Options) Unsubscribe
		Namespace() string
	}

	// Bus is the publish/subscribe fan-out contract.
	Bus interface {
		// Subscribe adds a listener for topic (an event.Type, or
		// event.TypeWildcard for every event), inserted by descending
		// priority. Returns an idempotent Unsubscribe.
		Subscribe(topic event.Type, l Listener, opts Options) Unsubscribe
		// SubscribeOnce behaves like Subscribe but removes the
		// subscription after its first invocation.
		SubscribeOnce(topic event.Type, l Listener, opts Options) Unsubscribe
		// Publish records evt in history (trimmed to maxHistory, FIFO
		// eviction) and delivers it first to exact-topic subscribers, then
		// to wildcard subscribers, iterating a snapshot of each list.
		Publish(ctx context.Context, evt event.Event)
		// UnsubscribeNamespace removes every subscription created with the
		// given namespace.
		UnsubscribeNamespace(ns string)
		// History returns recorded events oldest-to-newest, optionally
		// narrowed by filter.
		History(filter HistoryFilter) []event.Event
		// Clear removes every subscription and clears history.
		Clear()
		// ClearHistory empties the history buffer without touching
		// subscriptions.
		ClearHistory()
		// CreateChannel returns a namespaced facade over this bus.
		CreateChannel(namespace string) Channel
	}

	subscription struct {
		id       uint64
		topic    event.Type
		listener Listener
		opts     Options
		removed  bool
	}

	bus struct {
		mu         sync.Mutex
		subs       map[event.Type][]*subscription
		history    []event.Event
		maxHistory int
		nextID     uint64
		log        telemetry.Logger
	}

	channel struct {
		b  *bus
		ns string
	}

	namespacedEvent struct {
		event.Event
		ns string
	}
)

// Namespacer is implemented by events wrapped by Channel.Publish. Listeners
// that care which channel produced an event can type-assert to it.
type Namespacer interface {
	Namespace() string
}

func (n namespacedEvent) Namespace() string { return n.ns }

// New constructs an empty Bus with the default history bound (100).
func New(log telemetry.Logger) Bus {
	return NewWithHistory(log, defaultMaxHistory)
}

// NewWithHistory constructs an empty Bus bounded to maxHistory recorded
// events. A non-positive maxHistory disables history recording.
func NewWithHistory(log telemetry.Logger, maxHistory int) Bus {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &bus{
		subs:       make(map[event.Type][]*subscription),
		maxHistory: maxHistory,
		log:        log,
	}
}

var (
	defaultMu  sync.Mutex
	defaultBus Bus
)

// Default returns the process-wide Bus, constructing one with New(nil) on
// first use. Most of the runtime is wired via explicit constructor
// injection instead; Default exists for callers (CLI subcommands, ad hoc
// scripts) that have no natural place to thread a Bus through.
func Default() Bus {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultBus == nil {
		defaultBus = New(telemetry.NoopLogger{})
	}
	return defaultBus
}

// SetDefault replaces the process-wide Bus returned by Default.
func SetDefault(b Bus) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultBus = b
}

// Reset discards the process-wide Bus so the next Default call constructs a
// fresh one. Intended for test teardown between cases that rely on Default.
func Reset() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultBus = nil
}

func (b *bus) Subscribe(topic event.Type, l Listener, opts Options) Unsubscribe {
	return b.subscribe(topic, l, opts, false)
}

func (b *bus) SubscribeOnce(topic event.Type, l Listener, opts Options) Unsubscribe {
	return b.subscribe(topic, l, opts, true)
}

func (b *bus) subscribe(topic event.Type, l Listener, opts Options, once bool) Unsubscribe {
	if l == nil {
		return func() {}
	}
	opts.Once = opts.Once || once
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, topic: topic, listener: l, opts: opts}
	list := append(b.subs[topic], sub)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].opts.Priority > list[j].opts.Priority
	})
	b.subs[topic] = list
	b.mu.Unlock()

	var once1 sync.Once
	return func() {
		once1.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.removeLocked(sub)
		})
	}
}

func (b *bus) removeLocked(sub *subscription) {
	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			sub.removed = true
			return
		}
	}
}

// Publish implements Bus.
func (b *bus) Publish(ctx context.Context, evt event.Event) {
	b.mu.Lock()
	b.record(evt)
	exact := snapshot(b.subs[evt.Type()])
	var wild []*subscription
	if evt.Type() != event.TypeWildcard {
		wild = snapshot(b.subs[event.TypeWildcard])
	}
	b.mu.Unlock()

	b.deliver(ctx, evt, exact)
	b.deliver(ctx, evt, wild)
}

func snapshot(in []*subscription) []*subscription {
	out := make([]*subscription, len(in))
	copy(out, in)
	return out
}

func (b *bus) deliver(ctx context.Context, evt event.Event, subs []*subscription) {
	for _, sub := range subs {
		b.invoke(ctx, evt, sub)
		if sub.opts.Once {
			b.mu.Lock()
			if !sub.removed {
				b.removeLocked(sub)
			}
			b.mu.Unlock()
		}
	}
}

func (b *bus) invoke(ctx context.Context, evt event.Event, sub *subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error(ctx, "bus: listener panicked", "topic", string(sub.topic), "panic", fmt.Sprint(r))
		}
	}()
	sub.listener(ctx, evt)
}

func (b *bus) record(evt event.Event) {
	if b.maxHistory <= 0 {
		return
	}
	b.history = append(b.history, evt)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
}

func (b *bus) UnsubscribeNamespace(ns string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, list := range b.subs {
		kept := list[:0:0]
		for _, s := range list {
			if s.opts.Namespace == ns {
				s.removed = true
				continue
			}
			kept = append(kept, s)
		}
		b.subs[topic] = kept
	}
}

func (b *bus) History(filter HistoryFilter) []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if filter == nil {
		out := make([]event.Event, len(b.history))
		copy(out, b.history)
		return out
	}
	out := make([]event.Event, 0, len(b.history))
	for _, e := range b.history {
		if filter(e) {
			out = append(out, e)
		}
	}
	return out
}

func (b *bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[event.Type][]*subscription)
	b.history = nil
}

func (b *bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}

func (b *bus) CreateChannel(namespace string) Channel {
	return &channel{b: b, ns: namespace}
}

func (c *channel) Namespace() string { return c.ns }

func (c *channel) Publish(ctx context.Context, evt event.Event) {
	c.b.Publish(ctx, namespacedEvent{Event: evt, ns: c.ns})
}

func (c *channel) Subscribe(topic event.Type, l Listener, opts Options) Unsubscribe {
	opts.Namespace = c.ns
	return c.b.Subscribe(topic, l, opts)
}

func (c *channel) SubscribeOnce(topic event.Type, l Listener, opts Options) Unsubscribe {
	opts.Namespace = c.ns
	return c.b.SubscribeOnce(topic, l, opts)
}
