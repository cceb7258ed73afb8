package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cortexrun/agentcore/bus"
	"github.com/cortexrun/agentcore/event"
	"github.com/cortexrun/agentcore/telemetry"
)

type (
	// Factory lazily constructs an Engine. Registered via RegisterFactory,
	// it is materialized (and then discarded in favor of the constructed
	// Engine) on first Get.
	Factory func() (Engine, error)

	// RegisterOptions controls behavior at registration time.
	RegisterOptions struct {
		AutoInitialize bool
		AsDefault      bool
	}

	// RegistryEventKind enumerates registry lifecycle transitions.
	RegistryEventKind string

	// RegistryEvent is published on the registry's dedicated listener set
	// for every lifecycle transition, in addition to a progress event
	// published on the global event bus.
	RegistryEvent struct {
		Kind     RegistryEventKind
		EngineID string
		Err      error
	}

	// Descriptor summarizes one registry entry for List, covering both
	// live registrations and unresolved factories.
	Descriptor struct {
		ID           string
		Name         string
		RegisteredAt time.Time
		Initialized  bool
		Available    bool
		FromFactory  bool
	}

	entry struct {
		engine       Engine
		registeredAt time.Time
		initialized  bool
		available    bool
	}

	// Registry is the process-wide, lifecycle-bound keyed map from engine
	// id to its entry, plus a parallel lazy-factory map for deferred
	// construction.
	Registry struct {
		mu        sync.Mutex
		entries   map[string]*entry
		factories map[string]Factory
		defaultID string

		bus       bus.Bus
		log       telemetry.Logger
		listeners map[int]func(RegistryEvent)
		nextLID   int
	}
)

const (
	RegistryEngineRegistered   RegistryEventKind = "engine_registered"
	RegistryEngineInitialized RegistryEventKind = "engine_initialized"
	RegistryEngineError        RegistryEventKind = "engine_error"
	RegistryEngineUnregistered RegistryEventKind = "engine_unregistered"
)

// NewRegistry constructs an empty Registry. b receives a progress event on
// every transition; pass nil to skip global bus notifications (tests often
// do, to keep assertions focused on the registry's own state).
func NewRegistry(b bus.Bus, log telemetry.Logger) *Registry {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Registry{
		entries:   make(map[string]*entry),
		factories: make(map[string]Factory),
		bus:       b,
		log:       log,
		listeners: make(map[int]func(RegistryEvent)),
	}
}

// Subscribe adds a listener to the registry's dedicated event set,
// returning an idempotent unsubscribe function.
func (r *Registry) Subscribe(l func(RegistryEvent)) func() {
	r.mu.Lock()
	r.nextLID++
	id := r.nextLID
	r.listeners[id] = l
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

func (r *Registry) fire(ctx context.Context, evt RegistryEvent, progressMsg string) {
	r.mu.Lock()
	ls := make([]func(RegistryEvent), 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	r.mu.Unlock()
	for _, l := range ls {
		l(evt)
	}
	if r.bus != nil {
		r.bus.Publish(ctx, event.Progress{
			Base:    event.NewBase(event.TypeProgress, ""),
			Message: progressMsg,
		})
	}
}

// Register adds engine to the registry. Duplicate registration (an id
// already present) is a no-op with a warning, not an error.
func (r *Registry) Register(ctx context.Context, e Engine, opts RegisterOptions) {
	r.mu.Lock()
	if _, dup := r.entries[e.ID()]; dup {
		r.mu.Unlock()
		r.log.Warn(ctx, "engine registry: duplicate registration ignored", "engine_id", e.ID())
		return
	}
	r.entries[e.ID()] = &entry{engine: e, registeredAt: time.Now()}
	if opts.AsDefault || r.defaultID == "" {
		r.defaultID = e.ID()
	}
	r.mu.Unlock()

	r.fire(ctx, RegistryEvent{Kind: RegistryEngineRegistered, EngineID: e.ID()}, fmt.Sprintf("engine %q registered", e.ID()))

	if opts.AutoInitialize {
		_, _ = r.Initialize(ctx, e.ID())
	}
}

// RegisterFactory registers a deferred engine construction. The first Get
// call for id materializes it via factory, then registers the result and
// removes the factory entry.
func (r *Registry) RegisterFactory(id string, factory Factory, opts RegisterOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = factory
	if opts.AsDefault {
		r.defaultID = id
	}
}

// Get returns the engine registered (or materialized from a factory) under
// id, or (nil, false) if unknown.
func (r *Registry) Get(ctx context.Context, id string) (Engine, bool) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		eng := e.engine
		r.mu.Unlock()
		return eng, true
	}
	factory, ok := r.factories[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	eng, err := factory()
	if err != nil {
		r.log.Error(ctx, "engine registry: factory failed", "engine_id", id, "error", err.Error())
		return nil, false
	}

	r.mu.Lock()
	delete(r.factories, id)
	if _, dup := r.entries[id]; !dup {
		r.entries[id] = &entry{engine: eng, registeredAt: time.Now()}
	}
	r.mu.Unlock()
	r.fire(ctx, RegistryEvent{Kind: RegistryEngineRegistered, EngineID: id}, fmt.Sprintf("engine %q registered", id))
	return eng, true
}

// Default returns the default engine, or (nil, false) if none is set.
func (r *Registry) Default(ctx context.Context) (Engine, bool) {
	r.mu.Lock()
	id := r.defaultID
	r.mu.Unlock()
	if id == "" {
		return nil, false
	}
	return r.Get(ctx, id)
}

// SetDefault changes the default engine id.
func (r *Registry) SetDefault(id string) { r.mu.Lock(); r.defaultID = id; r.mu.Unlock() }

// DefaultID returns the current default engine id, or "" if unset.
func (r *Registry) DefaultID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultID
}

// List returns a descriptor for every live registration and every
// unresolved factory. Factories are probed by construction, and the
// produced instance is cached into the registry rather than discarded, so
// a subsequent Get does not reconstruct it.
func (r *Registry) List(ctx context.Context) []Descriptor {
	r.mu.Lock()
	out := make([]Descriptor, 0, len(r.entries)+len(r.factories))
	for id, e := range r.entries {
		out = append(out, Descriptor{
			ID:           id,
			Name:         e.engine.Name(),
			RegisteredAt: e.registeredAt,
			Initialized:  e.initialized,
			Available:    e.available,
		})
	}
	pendingIDs := make([]string, 0, len(r.factories))
	for id := range r.factories {
		pendingIDs = append(pendingIDs, id)
	}
	r.mu.Unlock()

	for _, id := range pendingIDs {
		eng, ok := r.Get(ctx, id) // materializes and caches the factory's engine
		if !ok {
			continue
		}
		r.mu.Lock()
		e := r.entries[id]
		r.mu.Unlock()
		out = append(out, Descriptor{
			ID:           id,
			Name:         eng.Name(),
			RegisteredAt: e.registeredAt,
			FromFactory:  true,
		})
	}
	return out
}

// Initialize runs engine id's Initialize hook (if it implements Initializer)
// after checking IsAvailable. It publishes engine_initialized on success or
// engine_error on failure.
func (r *Registry) Initialize(ctx context.Context, id string) (bool, error) {
	eng, ok := r.Get(ctx, id)
	if !ok {
		return false, fmt.Errorf("engine registry: unknown engine %q", id)
	}
	available := eng.IsAvailable(ctx)
	var initErr error
	if available {
		if initer, ok := eng.(Initializer); ok {
			initErr = initer.Initialize(ctx)
		}
	}

	r.mu.Lock()
	e := r.entries[id]
	e.available = available && initErr == nil
	e.initialized = e.available
	r.mu.Unlock()

	if !available {
		r.fire(ctx, RegistryEvent{Kind: RegistryEngineError, EngineID: id, Err: fmt.Errorf("engine unavailable")},
			fmt.Sprintf("engine %q unavailable", id))
		return false, nil
	}
	if initErr != nil {
		r.fire(ctx, RegistryEvent{Kind: RegistryEngineError, EngineID: id, Err: initErr},
			fmt.Sprintf("engine %q initialize failed: %v", id, initErr))
		return false, initErr
	}
	r.fire(ctx, RegistryEvent{Kind: RegistryEngineInitialized, EngineID: id}, fmt.Sprintf("engine %q initialized", id))
	return true, nil
}

// InitializeAll runs Initialize for every registered engine in parallel.
// It never fails: the result maps engine id to whatever error (if any)
// Initialize produced.
func (r *Registry) InitializeAll(ctx context.Context) map[string]error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	results := make(map[string]error, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := r.Initialize(ctx, id)
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results
}

// Unregister removes engine id, invoking its Cleanup hook (if any; errors
// are logged, not surfaced) first. If id was the default, an arbitrary
// remaining entry becomes the new default.
func (r *Registry) Unregister(ctx context.Context, id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	wasDefault := r.defaultID == id
	if wasDefault {
		r.defaultID = ""
		for other := range r.entries {
			r.defaultID = other
			break
		}
	}
	r.mu.Unlock()

	if cleaner, ok := e.engine.(Cleaner); ok {
		if err := cleaner.Cleanup(ctx); err != nil {
			r.log.Error(ctx, "engine registry: cleanup failed", "engine_id", id, "error", err.Error())
		}
	}
	r.fire(ctx, RegistryEvent{Kind: RegistryEngineUnregistered, EngineID: id}, fmt.Sprintf("engine %q unregistered", id))
}

var (
	defaultMu       sync.Mutex
	defaultRegistry *Registry
)

// DefaultRegistry returns the process-wide Registry, constructing one with
// NewRegistry(nil, nil) on first use. Most of the runtime wires a Registry
// explicitly; DefaultRegistry exists for callers with no natural place to
// thread one through.
func DefaultRegistry() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry(nil, nil)
	}
	return defaultRegistry
}

// ResetDefaultRegistry discards the process-wide Registry so the next
// DefaultRegistry call constructs a fresh one. Intended for test teardown.
func ResetDefaultRegistry() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = nil
}
