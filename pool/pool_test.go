package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexrun/agentcore/engine"
	"github.com/cortexrun/agentcore/event"
	"github.com/cortexrun/agentcore/session"
	"github.com/cortexrun/agentcore/task"
)

type fakeSession struct {
	id       string
	mu       sync.Mutex
	disposed bool
}

func (s *fakeSession) ID() string             { return s.id }
func (s *fakeSession) Status() session.Status { return session.StatusIdle }
func (s *fakeSession) Config() session.Config { return session.Config{} }
func (s *fakeSession) Run(context.Context, task.Task) (<-chan event.Event, error) {
	ch := make(chan event.Event)
	close(ch)
	return ch, nil
}
func (s *fakeSession) Abort(string) {}
func (s *fakeSession) OnEvent(func(event.Event)) func() { return func() {} }
func (s *fakeSession) Dispose(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	return nil
}
func (s *fakeSession) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

type fakeEngine struct {
	id      string
	counter int64
}

func (e *fakeEngine) ID() string                       { return e.id }
func (e *fakeEngine) Name() string                     { return e.id }
func (e *fakeEngine) Capabilities() engine.Capabilities { return engine.Capabilities{} }
func (e *fakeEngine) IsAvailable(context.Context) bool { return true }
func (e *fakeEngine) CreateSession(context.Context, session.Config) (session.Session, error) {
	n := atomic.AddInt64(&e.counter, 1)
	return &fakeSession{id: e.id + "-sess-" + itoa(n)}, nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

var _ engine.Engine = (*fakeEngine)(nil)
var _ session.Session = (*fakeSession)(nil)

func TestAcquireReusesIdleSession(t *testing.T) {
	eng := &fakeEngine{id: "e1"}
	p := New(eng, Config{MaxPoolSize: 2})

	s1, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	p.Release(context.Background(), s1, false)

	s2, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, int64(1), p.Stats().Created)
}

func TestAcquireNeverBlocksOverMaxPoolSize(t *testing.T) {
	eng := &fakeEngine{id: "e1"}
	p := New(eng, Config{MaxPoolSize: 1})

	s1, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	s2, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)

	assert.NotSame(t, s1, s2)
	assert.Equal(t, 2, p.InUseCount())
}

func TestReleaseOverMaxPoolSizeDisposesInstead(t *testing.T) {
	eng := &fakeEngine{id: "e1"}
	p := New(eng, Config{MaxPoolSize: 1})

	s1, _ := p.Acquire(context.Background(), nil)
	s2, _ := p.Acquire(context.Background(), nil)

	p.Release(context.Background(), s1, false)
	p.Release(context.Background(), s2, false)

	fs1 := s1.(*fakeSession)
	fs2 := s2.(*fakeSession)
	// Exactly one of the two releases must have been over budget and
	// disposed; both cannot have been retained given MaxPoolSize=1.
	disposedCount := 0
	if fs1.isDisposed() {
		disposedCount++
	}
	if fs2.isDisposed() {
		disposedCount++
	}
	assert.Equal(t, 1, disposedCount)
	assert.LessOrEqual(t, p.Stats().Total, 1)
}

func TestReleaseWithDisposeTrueAlwaysDestroys(t *testing.T) {
	eng := &fakeEngine{id: "e1"}
	p := New(eng, Config{MaxPoolSize: 5})

	s1, _ := p.Acquire(context.Background(), nil)
	p.Release(context.Background(), s1, true)

	assert.True(t, s1.(*fakeSession).isDisposed())
	assert.Equal(t, 0, p.Stats().Total)
}

func TestSweepExpiredDestroysIdleSessionsPastMaxIdleTime(t *testing.T) {
	eng := &fakeEngine{id: "e1"}
	p := New(eng, Config{MaxPoolSize: 5, MaxIdleTime: time.Millisecond, MaxSessionLifetime: time.Hour})

	s1, _ := p.Acquire(context.Background(), nil)
	p.Release(context.Background(), s1, false)

	time.Sleep(5 * time.Millisecond)

	// Acquire triggers a sweep; the expired idle session is removed and a
	// fresh one is constructed instead of being reused.
	s2, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
}

func TestWarmupCreatesMinPoolSizeIdleSessions(t *testing.T) {
	eng := &fakeEngine{id: "e1"}
	p := New(eng, Config{MaxPoolSize: 5, MinPoolSize: 3})

	require.NoError(t, p.Warmup(context.Background(), nil))
	assert.Equal(t, 3, p.IdleCount())
}

func TestClearDisposesIdleButLeavesInUseAlone(t *testing.T) {
	eng := &fakeEngine{id: "e1"}
	p := New(eng, Config{MaxPoolSize: 5})

	idle, _ := p.Acquire(context.Background(), nil)
	inUse, _ := p.Acquire(context.Background(), nil)
	p.Release(context.Background(), idle, false)

	p.Clear(context.Background(), true)

	assert.True(t, idle.(*fakeSession).isDisposed())
	assert.False(t, inUse.(*fakeSession).isDisposed())
	assert.Equal(t, 1, p.Stats().Total)
}

func TestRateLimitTokensPerMinuteThrottlesAcquiredSessions(t *testing.T) {
	eng := &fakeEngine{id: "e1"}
	p := New(eng, Config{MaxPoolSize: 5, RateLimitTokensPerMinute: 600})

	sess, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)

	t1 := task.Task{Input: task.Input{Prompt: "hi"}}
	_, err = sess.Run(context.Background(), t1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sess.Run(ctx, t1)
	assert.ErrorContains(t, err, "would exceed context deadline")
}

func TestDisposeTearsDownEverySession(t *testing.T) {
	eng := &fakeEngine{id: "e1"}
	p := New(eng, Config{MaxPoolSize: 5})

	s1, _ := p.Acquire(context.Background(), nil)
	s2, _ := p.Acquire(context.Background(), nil)
	p.Release(context.Background(), s2, false)

	p.Dispose(context.Background())

	assert.True(t, s1.(*fakeSession).isDisposed())
	assert.True(t, s2.(*fakeSession).isDisposed())
	assert.Equal(t, 0, p.Stats().Total)
}
