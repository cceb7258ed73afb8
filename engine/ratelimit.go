package engine

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/cortexrun/agentcore/event"
	"github.com/cortexrun/agentcore/session"
	"github.com/cortexrun/agentcore/task"
)

// RateLimiter throttles an Engine's session production by estimated token
// cost, using a token-bucket budget expressed in tokens per minute.
//
// This is a fixed-budget simplification of goa-ai's AdaptiveRateLimiter
// (see _teacher_ref/model/middleware/ratelimit.go), which additionally
// backs off/probes the budget in response to observed rate-limit errors and
// can coordinate the budget across a cluster via a Pulse replicated map.
// Neither adaptation is implemented here; wiring golang.org/x/time/rate's
// SetLimit/SetBurst against an observe-on-error hook in Session.Run's
// returned error would be the natural extension if that behavior is later
// needed.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter constructs a RateLimiter with a tokens-per-minute budget.
func NewRateLimiter(tokensPerMinute float64) *RateLimiter {
	if tokensPerMinute <= 0 {
		tokensPerMinute = 60000
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(tokensPerMinute/60.0), int(tokensPerMinute))}
}

// Wrap returns an Engine that throttles CreateSession's Producer via l
// before delegating to eng's own session logic.
func (l *RateLimiter) Wrap(eng Engine) Engine {
	return &rateLimitedEngine{Engine: eng, limiter: l}
}

type rateLimitedEngine struct {
	Engine
	limiter *RateLimiter
}

func (e *rateLimitedEngine) CreateSession(ctx context.Context, cfg session.Config) (session.Session, error) {
	inner, err := e.Engine.CreateSession(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &rateLimitedSession{Session: inner, limiter: e.limiter}, nil
}

// rateLimitedSession wraps Run to wait on the limiter before delegating,
// estimating cost from the task's prompt length via a char/3 + overhead
// heuristic.
type rateLimitedSession struct {
	session.Session
	limiter *RateLimiter
}

func (s *rateLimitedSession) Run(ctx context.Context, t task.Task) (<-chan event.Event, error) {
	n := estimateTokens(t)
	if err := s.limiter.limiter.WaitN(ctx, n); err != nil {
		return nil, err
	}
	return s.Session.Run(ctx, t)
}

func estimateTokens(t task.Task) int {
	chars := len(t.Input.Prompt)
	for _, f := range t.Input.Files {
		chars += len(f)
	}
	if chars <= 0 {
		return 500
	}
	n := chars/3 + 500
	if n < 1 {
		n = 1
	}
	return n
}
