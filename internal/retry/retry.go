// Package retry runs remote operations with exponential backoff, retrying
// only the failures that are worth retrying.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/Whateverdoa/DEGIRO-2025/internal/apierr"
)

// Policy configures an Executor.
type Policy struct {
	MaxAttempts int           // total attempts including the first, default 3
	BaseDelay   time.Duration // delay before the first retry, default 1s
	MaxDelay    time.Duration // cap on a single delay, 0 means uncapped
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff returns the delay before retry number attempt (0-based):
// BaseDelay * 2^attempt, capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := p.BaseDelay * time.Duration(int64(1)<<uint(attempt))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	return d
}

// Outcome describes how a Run went.
type Outcome struct {
	Attempts int
	Delays   []time.Duration
}

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Executor retries operations according to a Policy.
type Executor struct {
	policy Policy
	sleep  SleepFunc
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// New creates an Executor. Zero policy fields take their defaults.
func New(p Policy, opts ...Option) *Executor {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	e := &Executor{
		policy: p,
		sleep:  Sleep,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the effective policy.
func (e *Executor) Policy() Policy { return e.policy }

// Run calls op until it succeeds, returns a non-retryable error, or the
// attempts are used up. The most recent error is returned unchanged.
//
// Transient errors are retried. Unclassified errors are retried at most
// once per Run. Authentication, session-expired and rate-limit errors are
// returned immediately; rate limits are the caller's limiter's business.
func (e *Executor) Run(ctx context.Context, op func(ctx context.Context) error) (Outcome, error) {
	var (
		out             Outcome
		lastErr         error
		unclassifiedHit bool
	)

	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		out.Attempts++
		lastErr = op(ctx)
		if lastErr == nil {
			return out, nil
		}

		kind := apierr.Classify(lastErr)
		switch kind {
		case apierr.KindTransient:
		case apierr.KindUnclassified:
			if unclassifiedHit {
				return out, lastErr
			}
			unclassifiedHit = true
		default:
			return out, lastErr
		}

		if attempt == e.policy.MaxAttempts-1 {
			break
		}

		delay := e.policy.Backoff(attempt)
		out.Delays = append(out.Delays, delay)
		e.logger.Warn("retrying after failure",
			"attempt", attempt+1,
			"max_attempts", e.policy.MaxAttempts,
			"kind", kind.String(),
			"delay", delay,
			"error", lastErr,
		)
		if err := e.sleep(ctx, delay); err != nil {
			return out, lastErr
		}
	}

	return out, lastErr
}

// Do is Run for operations that produce a value.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, Outcome, error) {
	var result T
	out, err := e.Run(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, out, err
}
