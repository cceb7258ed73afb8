package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexrun/agentcore/event"
	"github.com/cortexrun/agentcore/session"
	"github.com/cortexrun/agentcore/task"
)

type fakeLimitedSession struct {
	id string
}

func (s *fakeLimitedSession) ID() string             { return s.id }
func (s *fakeLimitedSession) Status() session.Status { return session.StatusIdle }
func (s *fakeLimitedSession) Config() session.Config { return session.Config{} }
func (s *fakeLimitedSession) Run(context.Context, task.Task) (<-chan event.Event, error) {
	ch := make(chan event.Event)
	close(ch)
	return ch, nil
}
func (s *fakeLimitedSession) Abort(string)                     {}
func (s *fakeLimitedSession) OnEvent(func(event.Event)) func() { return func() {} }
func (s *fakeLimitedSession) Dispose(context.Context) error    { return nil }

type fakeLimitedEngine struct {
	sessions int
}

func (e *fakeLimitedEngine) ID() string                       { return "fake" }
func (e *fakeLimitedEngine) Name() string                     { return "fake" }
func (e *fakeLimitedEngine) Capabilities() Capabilities       { return Capabilities{} }
func (e *fakeLimitedEngine) IsAvailable(context.Context) bool { return true }
func (e *fakeLimitedEngine) CreateSession(context.Context, session.Config) (session.Session, error) {
	e.sessions++
	return &fakeLimitedSession{id: "s1"}, nil
}

var _ Engine = (*fakeLimitedEngine)(nil)
var _ session.Session = (*fakeLimitedSession)(nil)

func TestRateLimiterWrapThrottlesRunByEstimatedTokens(t *testing.T) {
	// Budget just above one call's estimated cost (~500 tokens for a short
	// prompt): the first Run is served from the initial burst, the second
	// needs tokens the 10/sec refill rate cannot supply before our short
	// deadline expires.
	rl := NewRateLimiter(600)
	eng := rl.Wrap(&fakeLimitedEngine{})

	sess, err := eng.CreateSession(context.Background(), session.Config{})
	require.NoError(t, err)

	t1 := task.Task{Input: task.Input{Prompt: "hi"}}

	start := time.Now()
	_, err = sess.Run(context.Background(), t1)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sess.Run(ctx, t1)
	assert.ErrorContains(t, err, "would exceed context deadline")
}

func TestRateLimiterWrapPreservesUnderlyingEngineIdentity(t *testing.T) {
	rl := NewRateLimiter(6000)
	inner := &fakeLimitedEngine{}
	wrapped := rl.Wrap(inner)

	assert.Equal(t, inner.ID(), wrapped.ID())

	_, err := wrapped.CreateSession(context.Background(), session.Config{})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.sessions)
}
