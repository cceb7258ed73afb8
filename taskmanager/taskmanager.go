// Package taskmanager implements a priority scheduler: a higher-level layer
// above a bare queue that adds priority ranking, per-task timeouts, an
// execute-style awaitable, and terminal history.
//
// The dispatch loop generalizes queue.Queue's bounded-parallelism pattern
// with a priority-ordered pending list instead of FIFO, grounded on the same
// goa-ai runtime/agent/engine worker-pool shape. The submit/execute split
// mirrors goa-ai's registrystore "store now, await completion separately"
// idiom (see _teacher_ref/registrystore).
package taskmanager

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cortexrun/agentcore/bus"
	"github.com/cortexrun/agentcore/engine"
	"github.com/cortexrun/agentcore/event"
	"github.com/cortexrun/agentcore/pool"
	"github.com/cortexrun/agentcore/session"
	"github.com/cortexrun/agentcore/task"
	"github.com/cortexrun/agentcore/telemetry"
)

// Priority ranks pending tasks; higher values run first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// DefaultTimeout is applied when Options.Timeout is zero.
const DefaultTimeout = 300 * time.Second

type (
	// Options controls per-submission behavior.
	Options struct {
		Priority Priority
		Timeout  time.Duration
		EngineID string
	}

	// HistoryEntry records one task's terminal outcome.
	HistoryEntry struct {
		TaskID    string
		Success   bool
		Output    any
		Error     string
		Timestamp time.Time
	}

	taskEntry struct {
		task      task.Task
		opts      Options
		seq       int
		status    event.TaskStatus
		sessionID string
		sess      session.Session
		startTime *time.Time
		endTime   *time.Time
		cancel    context.CancelFunc
		timer     *time.Timer
		resultCh  chan Result
		heapIdx   int
	}

	// Result is what execute resolves with.
	Result struct {
		TaskID  string
		Success bool
		Output  any
		Err     error
	}

	// Manager is the priority task scheduler: it ranks pending tasks,
	// enforces per-task timeouts, and records terminal history.
	Manager struct {
		mu          sync.Mutex
		bus         bus.Bus
		registry    *engine.Registry
		pools       *pool.Manager
		log         telemetry.Logger
		maxParallel int
		seqCounter  int
		running     int
		pending     priorityQueue
		tasks       map[string]*taskEntry
		history     []HistoryEntry
		disposed    bool
	}
)

// New constructs a Manager. maxParallel bounds concurrently running tasks
// (minimum 1).
func New(b bus.Bus, reg *engine.Registry, pools *pool.Manager, log telemetry.Logger, maxParallel int) *Manager {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	m := &Manager{
		bus:         b,
		registry:    reg,
		pools:       pools,
		log:         log,
		maxParallel: maxParallel,
		tasks:       make(map[string]*taskEntry),
	}
	heap.Init(&m.pending)
	return m
}

var (
	ErrUnknownTask   = errors.New("taskmanager: unknown task id")
	ErrUnknownEngine = errors.New("taskmanager: unknown engine")
	ErrDisposed      = errors.New("taskmanager: disposed")
)

// Submit enqueues t with opts and returns its task id immediately. The
// scheduler starts it once the highest-priority pending task has a free
// running slot.
func (m *Manager) Submit(ctx context.Context, t task.Task, opts Options) (string, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return "", ErrDisposed
	}
	if _, dup := m.tasks[t.ID]; dup {
		m.mu.Unlock()
		return "", errors.New("taskmanager: duplicate task id")
	}
	m.seqCounter++
	e := &taskEntry{task: t, opts: opts, seq: m.seqCounter, status: event.TaskPending, resultCh: make(chan Result, 1)}
	m.tasks[t.ID] = e
	heap.Push(&m.pending, e)
	m.mu.Unlock()

	m.publishMetadata(ctx, e)
	m.publishProgress(ctx, t.ID, "enqueued")
	m.dispatch(ctx)
	return t.ID, nil
}

// Execute submits t and blocks until a terminal event is observed for it, or
// ctx is done.
func (m *Manager) Execute(ctx context.Context, t task.Task, opts Options) (Result, error) {
	id, err := m.Submit(ctx, t, opts)
	if err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	e := m.tasks[id]
	m.mu.Unlock()
	if e == nil {
		return Result{}, ErrUnknownTask
	}
	select {
	case r := <-e.resultCh:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// dispatch starts pending tasks while under maxParallel. Must not be called
// with m.mu held.
func (m *Manager) dispatch(ctx context.Context) {
	for {
		m.mu.Lock()
		if m.disposed || m.running >= m.maxParallel || m.pending.Len() == 0 {
			m.mu.Unlock()
			return
		}
		e := heap.Pop(&m.pending).(*taskEntry)
		if e.status != event.TaskPending {
			m.mu.Unlock()
			continue
		}
		m.running++
		e.status = event.TaskRunning
		now := time.Now()
		e.startTime = &now
		m.mu.Unlock()

		go m.run(ctx, e)
	}
}

func (m *Manager) resolveEngine(ctx context.Context, id string) (engine.Engine, error) {
	if id != "" {
		eng, ok := m.registry.Get(ctx, id)
		if !ok {
			return nil, ErrUnknownEngine
		}
		return eng, nil
	}
	eng, ok := m.registry.Default(ctx)
	if !ok {
		return nil, ErrUnknownEngine
	}
	return eng, nil
}

func (m *Manager) run(ctx context.Context, e *taskEntry) {
	m.publishMetadata(ctx, e)
	m.publishProgress(ctx, e.task.ID, "started")

	eng, err := m.resolveEngine(ctx, e.opts.EngineID)
	if err != nil {
		m.finish(ctx, e, event.TaskError, err.Error(), nil)
		return
	}
	p := m.pools.GetPool(eng)
	sessCfg := session.DefaultConfig()
	sessCfg.CorrelationTaskID = e.task.ID
	sess, err := p.Acquire(ctx, &sessCfg)
	if err != nil {
		m.finish(ctx, e, event.TaskError, err.Error(), nil)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	e.cancel = cancel
	e.sess = sess
	e.timer = time.AfterFunc(e.opts.Timeout, func() { m.Abort(context.Background(), e.task.ID) })
	m.mu.Unlock()

	ch, err := sess.Run(runCtx, e.task)
	if err != nil {
		cancel()
		p.Release(ctx, sess, false)
		m.finish(ctx, e, event.TaskError, err.Error(), nil)
		return
	}

	var lastErr string
	var output any
	outcome := event.TaskSuccess
	for evt := range ch {
		m.bus.Publish(ctx, evt)
		switch v := evt.(type) {
		case event.SessionStart:
			m.mu.Lock()
			e.sessionID = v.Session()
			m.mu.Unlock()
		case event.Error:
			lastErr = v.Err
		case event.Result:
			output = v.Output
		case event.SessionEnd:
			switch v.Reason {
			case event.SessionEndCompleted:
				outcome = event.TaskSuccess
			case event.SessionEndAborted:
				outcome = event.TaskCanceled
			case event.SessionEndError:
				outcome = event.TaskError
			}
		}
	}
	cancel()
	p.Release(ctx, sess, outcome != event.TaskSuccess)
	m.finish(ctx, e, outcome, lastErr, output)
}

func (m *Manager) finish(ctx context.Context, e *taskEntry, status event.TaskStatus, errStr string, output any) {
	m.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	now := time.Now()
	e.endTime = &now
	e.status = status
	m.running--
	var dur time.Duration
	if e.startTime != nil {
		dur = now.Sub(*e.startTime)
	}
	m.history = append(m.history, HistoryEntry{
		TaskID: e.task.ID, Success: status == event.TaskSuccess,
		Output: output, Error: errStr, Timestamp: now,
	})
	m.mu.Unlock()

	m.publishMetadata(ctx, e)
	switch status {
	case event.TaskCanceled:
		m.bus.Publish(ctx, event.TaskCanceled{Base: event.NewBase(event.TypeTaskCanceled, ""), TaskID: e.task.ID, Reason: "user canceled"})
	default:
		m.bus.Publish(ctx, event.TaskCompleted{Base: event.NewBase(event.TypeTaskCompleted, ""), TaskID: e.task.ID, Status: status, Duration: dur, Error: errStr})
		if output != nil {
			m.bus.Publish(ctx, event.Result{Base: event.NewBase(event.TypeResult, e.sessionID), Output: output})
		}
	}

	e.resultCh <- Result{TaskID: e.task.ID, Success: status == event.TaskSuccess, Output: output, Err: errAsError(errStr)}
	m.dispatch(ctx)
}

func errAsError(s string) error {
	if s == "" {
		return nil
	}
	return errors.New(s)
}

func (m *Manager) publishMetadata(ctx context.Context, e *taskEntry) {
	m.mu.Lock()
	md := event.TaskMetadata{
		Base:      event.NewBase(event.TypeTaskMetadata, e.sessionID),
		TaskID:    e.task.ID,
		Status:    e.status,
		StartTime: e.startTime,
		EndTime:   e.endTime,
	}
	if e.startTime != nil && e.endTime != nil {
		d := e.endTime.Sub(*e.startTime)
		md.Duration = &d
	}
	m.mu.Unlock()
	m.bus.Publish(ctx, md)
}

func (m *Manager) publishProgress(ctx context.Context, taskID, msg string) {
	m.bus.Publish(ctx, event.TaskProgress{Base: event.NewBase(event.TypeTaskProgress, ""), TaskID: taskID, Message: msg})
}

// Abort cancels a pending or running task. Pending tasks are removed from
// the queue and marked canceled without ever starting a session.
func (m *Manager) Abort(ctx context.Context, taskID string) error {
	m.mu.Lock()
	e, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownTask
	}
	if e.status == event.TaskPending {
		heap.Remove(&m.pending, e.heapIdx)
		e.status = event.TaskCanceled
		now := time.Now()
		e.endTime = &now
		m.mu.Unlock()
		m.publishMetadata(ctx, e)
		m.bus.Publish(ctx, event.TaskCanceled{Base: event.NewBase(event.TypeTaskCanceled, ""), TaskID: taskID, Reason: "user canceled"})
		e.resultCh <- Result{TaskID: taskID, Success: false, Err: errors.New("canceled")}
		return nil
	}
	sess := e.sess
	m.mu.Unlock()
	if sess != nil {
		sess.Abort(taskID)
	}
	return nil
}

func (m *Manager) Status(taskID string) (event.TaskStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[taskID]
	if !ok {
		return "", false
	}
	return e.status, true
}

func (m *Manager) Metadata(taskID string) (task.Task, Options, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[taskID]
	if !ok {
		return task.Task{}, Options{}, false
	}
	return e.task, e.opts, true
}

func (m *Manager) ActiveTasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, e := range m.tasks {
		if e.status == event.TaskRunning {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) QueuedTasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, m.pending.Len())
	for _, e := range m.pending {
		out = append(out, e.task.ID)
	}
	return out
}

// History returns terminal results, optionally filtered.
func (m *Manager) History(filter func(HistoryEntry) bool) []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if filter == nil {
		out := make([]HistoryEntry, len(m.history))
		copy(out, m.history)
		return out
	}
	var out []HistoryEntry
	for _, h := range m.history {
		if filter(h) {
			out = append(out, h)
		}
	}
	return out
}

// ClearQueue removes every pending (not yet started) task.
func (m *Manager) ClearQueue(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*taskEntry, len(m.pending))
	copy(entries, m.pending)
	m.pending = m.pending[:0]
	for _, e := range entries {
		e.status = event.TaskCanceled
	}
	m.mu.Unlock()
	for _, e := range entries {
		m.publishMetadata(ctx, e)
		e.resultCh <- Result{TaskID: e.task.ID, Success: false, Err: errors.New("canceled")}
	}
}

// Dispose aborts every running task and refuses further submissions.
func (m *Manager) Dispose(ctx context.Context) {
	m.mu.Lock()
	m.disposed = true
	var sessions []session.Session
	for _, e := range m.tasks {
		if e.status == event.TaskRunning && e.sess != nil {
			sessions = append(sessions, e.sess)
		}
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Abort("")
	}
}

var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// Default returns the process-wide Manager, constructing one from b, reg,
// and pools on first use (maxParallel defaults to 1). Most of the runtime
// wires a Manager explicitly via New; Default exists for callers with no
// natural place to thread one through.
func Default(b bus.Bus, reg *engine.Registry, pools *pool.Manager, log telemetry.Logger) *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager == nil {
		defaultManager = New(b, reg, pools, log, 1)
	}
	return defaultManager
}

// ResetDefault discards the process-wide Manager so the next Default call
// constructs a fresh one. Intended for test teardown.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultManager = nil
}
