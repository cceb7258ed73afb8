package session

import (
	"context"
	"errors"
	"sync"

	"github.com/cortexrun/agentcore/event"
	"github.com/cortexrun/agentcore/task"
)

// Producer drives one task to completion, emitting normalized events via
// emit. It must respect ctx cancellation (triggered by Abort) and return
// promptly once canceled. Producer must not itself emit session_start or
// session_end; Base wraps every run with those.
type Producer func(ctx context.Context, t task.Task, emit func(event.Event)) error

// Base implements the Session state machine (idle/running/disposed, busy
// guard, listener fan-out, session_start/session_end framing) so that each
// concrete engine only has to supply a Producer that talks to its backend
// and emits normalized events. The engines in engines/anthropic,
// engines/openai and engines/cli return a *Base built by NewBase around
// their own Producer; of these, only engines/cli feeds raw bytes through the
// stream parser.
type Base struct {
	id  string
	cfg Config

	mu        sync.Mutex
	status    Status
	cancel    context.CancelFunc
	listeners []func(event.Event)

	produce Producer
}

// NewBase constructs a Base session with the given id, config, and
// Producer.
func NewBase(id string, cfg Config, produce Producer) *Base {
	return &Base{id: id, cfg: cfg, status: StatusIdle, produce: produce}
}

func (s *Base) ID() string     { return s.id }
func (s *Base) Config() Config { return s.cfg }

func (s *Base) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// OnEvent implements Session.
func (s *Base) OnEvent(listener func(event.Event)) func() {
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	idx := len(s.listeners) - 1
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if idx < len(s.listeners) {
				s.listeners[idx] = nil
			}
		})
	}
}

func (s *Base) notify(evt event.Event) {
	s.mu.Lock()
	ls := make([]func(event.Event), len(s.listeners))
	copy(ls, s.listeners)
	s.mu.Unlock()
	for _, l := range ls {
		if l != nil {
			l(evt)
		}
	}
}

// Abort implements Session: it cancels the in-flight run's context, if any.
// The Producer is responsible for returning promptly once ctx is done; Base
// then emits session_end with reason "aborted".
func (s *Base) Abort(string) {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Dispose marks the session disposed. A run in flight is aborted first.
func (s *Base) Dispose(context.Context) error {
	s.mu.Lock()
	s.status = StatusDisposed
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Run implements Session.
func (s *Base) Run(ctx context.Context, t task.Task) (<-chan event.Event, error) {
	s.mu.Lock()
	switch s.status {
	case StatusDisposed:
		s.mu.Unlock()
		return nil, ErrDisposed
	case StatusRunning:
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.status = StatusRunning
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	out := make(chan event.Event, 32)
	go s.drive(runCtx, cancel, t, out)
	return out, nil
}

func (s *Base) drive(runCtx context.Context, cancel context.CancelFunc, t task.Task, out chan<- event.Event) {
	defer close(out)
	defer cancel()

	// emit delivers a Producer-generated event, dropping it if the run is
	// aborted and the caller has stopped draining out. This backpressure
	// relief is only safe for non-terminal events: session_start and
	// session_end must reach the channel unconditionally (see emitFinal),
	// or a canceled run silently loses its terminal event.
	emit := func(evt event.Event) {
		s.notify(evt)
		select {
		case out <- evt:
		case <-runCtx.Done():
		}
	}

	// emitFinal delivers a framing event (session_start, the terminal
	// error, session_end) unconditionally, never racing runCtx.Done(). out
	// is sized to never block on these under normal draining.
	emitFinal := func(evt event.Event) {
		s.notify(evt)
		out <- evt
	}

	emitFinal(event.SessionStart{Base: event.NewBase(event.TypeSessionStart, s.id), TaskID: s.cfg.CorrelationTaskID})

	err := s.produce(runCtx, t, emit)

	reason := event.SessionEndCompleted
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		reason = event.SessionEndAborted
	case err != nil:
		reason = event.SessionEndError
		emitFinal(event.Error{Base: event.NewBase(event.TypeError, s.id), Err: err.Error()})
	case runCtx.Err() != nil:
		reason = event.SessionEndAborted
	}

	emitFinal(event.SessionEnd{Base: event.NewBase(event.TypeSessionEnd, s.id), Reason: reason})

	s.mu.Lock()
	if s.status != StatusDisposed {
		s.status = StatusIdle
	}
	s.cancel = nil
	s.mu.Unlock()
}
