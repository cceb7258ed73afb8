package taskmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexrun/agentcore/bus"
	"github.com/cortexrun/agentcore/engine"
	"github.com/cortexrun/agentcore/event"
	"github.com/cortexrun/agentcore/pool"
	"github.com/cortexrun/agentcore/session"
	"github.com/cortexrun/agentcore/task"
	"github.com/cortexrun/agentcore/telemetry"
)

type scriptedSession struct {
	id       string
	corrID   string
	reason   event.SessionEndReason
	block    chan struct{}
	abortCh  chan struct{}
	abortOne sync.Once
}

func (s *scriptedSession) ID() string             { return s.id }
func (s *scriptedSession) Status() session.Status { return session.StatusIdle }
func (s *scriptedSession) Config() session.Config { return session.Config{} }
func (s *scriptedSession) Run(ctx context.Context, t task.Task) (<-chan event.Event, error) {
	ch := make(chan event.Event, 4)
	go func() {
		defer close(ch)
		ch <- event.SessionStart{Base: event.NewBase(event.TypeSessionStart, s.id), TaskID: s.corrID}
		reason := s.reason
		if s.block != nil {
			select {
			case <-s.block:
			case <-s.abortCh:
				reason = event.SessionEndAborted
			case <-ctx.Done():
				reason = event.SessionEndAborted
			}
		}
		ch <- event.SessionEnd{Base: event.NewBase(event.TypeSessionEnd, s.id), Reason: reason}
	}()
	return ch, nil
}
func (s *scriptedSession) Abort(string) {
	if s.abortCh == nil {
		return
	}
	s.abortOne.Do(func() { close(s.abortCh) })
}
func (s *scriptedSession) OnEvent(func(event.Event)) func() { return func() {} }
func (s *scriptedSession) Dispose(context.Context) error    { return nil }

var _ session.Session = (*scriptedSession)(nil)

type fakeEngine struct {
	id      string
	reason  event.SessionEndReason
	block   chan struct{}
	counter int
}

func (e *fakeEngine) ID() string                        { return e.id }
func (e *fakeEngine) Name() string                      { return e.id }
func (e *fakeEngine) Capabilities() engine.Capabilities { return engine.Capabilities{} }
func (e *fakeEngine) IsAvailable(context.Context) bool  { return true }
func (e *fakeEngine) CreateSession(_ context.Context, cfg session.Config) (session.Session, error) {
	e.counter++
	return &scriptedSession{id: e.id, corrID: cfg.CorrelationTaskID, reason: e.reason, block: e.block, abortCh: make(chan struct{})}, nil
}

var _ engine.Engine = (*fakeEngine)(nil)

func newManager(reason event.SessionEndReason, maxParallel int) (*Manager, *fakeEngine) {
	b := bus.NewWithHistory(telemetry.NoopLogger{}, 20)
	reg := engine.NewRegistry(nil, nil)
	eng := &fakeEngine{id: "e1", reason: reason}
	reg.Register(context.Background(), eng, engine.RegisterOptions{AsDefault: true})
	pools := pool.NewManager(pool.Config{MaxPoolSize: 5})
	return New(b, reg, pools, nil, maxParallel), eng
}

func TestExecuteReturnsSuccessResult(t *testing.T) {
	m, _ := newManager(event.SessionEndCompleted, 1)
	res, err := m.Execute(context.Background(), task.Task{ID: "t1"}, Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "t1", res.TaskID)
}

func TestSubmitThreadsTaskIDIntoSessionStart(t *testing.T) {
	b := bus.NewWithHistory(telemetry.NoopLogger{}, 20)
	reg := engine.NewRegistry(nil, nil)
	eng := &fakeEngine{id: "e1", reason: event.SessionEndCompleted}
	reg.Register(context.Background(), eng, engine.RegisterOptions{AsDefault: true})
	pools := pool.NewManager(pool.Config{MaxPoolSize: 5})
	m := New(b, reg, pools, nil, 1)

	_, err := m.Execute(context.Background(), task.Task{ID: "t-corr"}, Options{})
	require.NoError(t, err)

	hist := b.History(func(e event.Event) bool { return e.Type() == event.TypeSessionStart })
	require.Len(t, hist, 1)
	assert.Equal(t, "t-corr", hist[0].(event.SessionStart).TaskID)
}

func TestHigherPriorityTaskRunsFirst(t *testing.T) {
	m, _ := newManager(event.SessionEndCompleted, 1)

	// occupy the single slot with a task that won't finish until we
	// release it, so both remaining submissions queue up behind it.
	block := make(chan struct{})
	holdEngine := &fakeEngine{id: "hold", reason: event.SessionEndCompleted, block: block}
	m.registry.Register(context.Background(), holdEngine, engine.RegisterOptions{})

	var order []string
	unsub := m.bus.Subscribe(event.TypeTaskCompleted, func(_ context.Context, evt event.Event) {
		order = append(order, evt.(event.TaskCompleted).TaskID)
	}, bus.Options{})
	defer unsub()

	_, err := m.Submit(context.Background(), task.Task{ID: "holder"}, Options{EngineID: "hold", Priority: PriorityLow})
	require.NoError(t, err)

	// give the holder a moment to actually start before queuing the rest.
	time.Sleep(5 * time.Millisecond)

	_, err = m.Submit(context.Background(), task.Task{ID: "low"}, Options{Priority: PriorityLow})
	require.NoError(t, err)
	_, err = m.Submit(context.Background(), task.Task{ID: "urgent"}, Options{Priority: PriorityUrgent})
	require.NoError(t, err)

	close(block)
	deadline := time.Now().Add(2 * time.Second)
	for len(order) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	require.Len(t, order, 3)
	assert.Equal(t, "holder", order[0])
	assert.Equal(t, "urgent", order[1])
	assert.Equal(t, "low", order[2])
}

func TestAbortPendingTaskNeverStartsSession(t *testing.T) {
	m, eng := newManager(event.SessionEndCompleted, 1)

	block := make(chan struct{})
	hold := &fakeEngine{id: "hold", reason: event.SessionEndCompleted, block: block}
	m.registry.Register(context.Background(), hold, engine.RegisterOptions{})
	defer close(block)

	_, err := m.Submit(context.Background(), task.Task{ID: "holder"}, Options{EngineID: "hold"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// the default engine's single slot is occupied by "holder", so this
	// task must sit in pending state rather than start a session.
	id, err := m.Submit(context.Background(), task.Task{ID: "pending"}, Options{})
	require.NoError(t, err)

	require.NoError(t, m.Abort(context.Background(), id))

	status, ok := m.Status(id)
	require.True(t, ok)
	assert.Equal(t, event.TaskCanceled, status)
	assert.Equal(t, 0, eng.counter)
}

func TestTimeoutAbortsRunningTask(t *testing.T) {
	b := bus.New(telemetry.NoopLogger{})
	reg := engine.NewRegistry(nil, nil)
	block := make(chan struct{}) // never closed: only the timeout ends the run
	eng := &fakeEngine{id: "e1", reason: event.SessionEndCompleted, block: block}
	reg.Register(context.Background(), eng, engine.RegisterOptions{AsDefault: true})
	pools := pool.NewManager(pool.Config{MaxPoolSize: 5})
	m := New(b, reg, pools, nil, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := m.Execute(ctx, task.Task{ID: "t1"}, Options{Timeout: 5 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestHistoryRecordsTerminalOutcome(t *testing.T) {
	m, _ := newManager(event.SessionEndError, 1)
	_, err := m.Execute(context.Background(), task.Task{ID: "t1"}, Options{})
	require.NoError(t, err)

	hist := m.History(nil)
	require.Len(t, hist, 1)
	assert.Equal(t, "t1", hist[0].TaskID)
	assert.False(t, hist[0].Success)
}

func TestClearQueueCancelsAllPendingTasks(t *testing.T) {
	m, _ := newManager(event.SessionEndCompleted, 1)
	block := make(chan struct{})
	hold := &fakeEngine{id: "hold", reason: event.SessionEndCompleted, block: block}
	m.registry.Register(context.Background(), hold, engine.RegisterOptions{})
	defer close(block)

	_, err := m.Submit(context.Background(), task.Task{ID: "holder"}, Options{EngineID: "hold"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = m.Submit(context.Background(), task.Task{ID: "queued"}, Options{})
	require.NoError(t, err)

	m.ClearQueue(context.Background())

	status, ok := m.Status("queued")
	require.True(t, ok)
	assert.Equal(t, event.TaskCanceled, status)
}

func TestDefaultReturnsSameManagerUntilReset(t *testing.T) {
	ResetDefault()
	defer ResetDefault()

	b := bus.NewWithHistory(telemetry.NoopLogger{}, 10)
	reg := engine.NewRegistry(nil, nil)
	pools := pool.NewManager(pool.Config{MaxPoolSize: 5})

	m1 := Default(b, reg, pools, nil)
	m2 := Default(b, reg, pools, nil)
	assert.Same(t, m1, m2)

	ResetDefault()
	m3 := Default(b, reg, pools, nil)
	assert.NotSame(t, m1, m3)
}
