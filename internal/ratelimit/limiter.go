// Package ratelimit provides a sliding-window call limiter with cooldown
// tracking for remote rate-limit signals.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Whateverdoa/DEGIRO-2025/internal/util"
)

// Defaults mirror the remote endpoint's published budget.
const (
	DefaultMaxCalls = 60
	DefaultWindow   = time.Minute

	// acquireSlack is added to every computed wait so the oldest timestamp
	// has certainly left the window when the waiter wakes up.
	acquireSlack = 10 * time.Millisecond

	maxPenaltyHistory = 100
)

// PenaltyEvent records one remote rate-limit response.
type PenaltyEvent struct {
	Time     time.Time     `json:"time"`
	Cooldown time.Duration `json:"cooldown"`
	Endpoint string        `json:"endpoint,omitempty"`
}

// Status is a point-in-time view of the limiter.
type Status struct {
	CallsInWindow     int           `json:"calls_made"`
	MaxCalls          int           `json:"max_calls"`
	Window            time.Duration `json:"time_window"`
	CooldownRemaining time.Duration `json:"cooldown_remaining,omitempty"`
	TotalWaits        int           `json:"total_waits"`
	TotalPenalties    int           `json:"total_penalties"`
}

// Limiter admits at most maxCalls calls in any trailing window.
//
// Admission timestamps are kept in insertion order and pruned on every
// check. Waiters never sleep while holding the lock.
type Limiter struct {
	mu            sync.Mutex
	maxCalls      int
	window        time.Duration
	calls         []time.Time
	cooldownUntil time.Time
	penalties     []PenaltyEvent
	totalWaits    int
	totalPenalty  int
}

// NewLimiter creates a limiter. Non-positive arguments fall back to the defaults.
func NewLimiter(maxCalls int, window time.Duration) *Limiter {
	if maxCalls <= 0 {
		maxCalls = DefaultMaxCalls
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		maxCalls: maxCalls,
		window:   window,
		calls:    make([]time.Time, 0, maxCalls),
	}
}

// Acquire blocks until one more call fits in the window and records it.
// It returns ctx.Err() if the context ends first; nothing is recorded then.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait, ok := l.tryAcquire(time.Now())
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire admits a call at now or returns how long to wait.
func (l *Limiter) tryAcquire(now time.Time) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)

	if now.Before(l.cooldownUntil) {
		l.totalWaits++
		return l.cooldownUntil.Sub(now), false
	}
	if len(l.calls) < l.maxCalls {
		l.calls = append(l.calls, now)
		return 0, true
	}

	l.totalWaits++
	wait := l.window - now.Sub(l.calls[0]) + acquireSlack
	if wait < acquireSlack {
		wait = acquireSlack
	}
	return wait, false
}

func (l *Limiter) pruneLocked(now time.Time) {
	i := 0
	for i < len(l.calls) && now.Sub(l.calls[i]) >= l.window {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

// Penalize opens a cooldown after the remote side reported a rate limit.
// A non-positive retryAfter uses the full window. The cooldown only ever
// extends, never shrinks. Returns the applied cooldown.
func (l *Limiter) Penalize(endpoint string, retryAfter time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cooldown := retryAfter
	if cooldown <= 0 {
		cooldown = l.window
	}
	if until := now.Add(cooldown); until.After(l.cooldownUntil) {
		l.cooldownUntil = until
	}

	l.totalPenalty++
	l.penalties = append(l.penalties, PenaltyEvent{Time: now, Cooldown: cooldown, Endpoint: endpoint})
	if len(l.penalties) > maxPenaltyHistory {
		l.penalties = l.penalties[len(l.penalties)-maxPenaltyHistory:]
	}
	return cooldown
}

// CooldownRemaining returns how much of the current cooldown is left.
func (l *Limiter) CooldownRemaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cooldownRemainingLocked(time.Now())
}

func (l *Limiter) cooldownRemainingLocked(now time.Time) time.Duration {
	if remaining := l.cooldownUntil.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}

// ClearCooldown drops any active cooldown.
func (l *Limiter) ClearCooldown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cooldownUntil = time.Time{}
}

// Status returns a snapshot for health reports.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.pruneLocked(now)
	return Status{
		CallsInWindow:     len(l.calls),
		MaxCalls:          l.maxCalls,
		Window:            l.window,
		CooldownRemaining: l.cooldownRemainingLocked(now),
		TotalWaits:        l.totalWaits,
		TotalPenalties:    l.totalPenalty,
	}
}

// RecentPenalties returns up to limit of the most recent penalty events.
func (l *Limiter) RecentPenalties(limit int) []PenaltyEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.penalties) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(l.penalties) {
		limit = len(l.penalties)
	}
	result := make([]PenaltyEvent, limit)
	copy(result, l.penalties[len(l.penalties)-limit:])
	return result
}

// persistedState is the JSON structure written by SaveState.
type persistedState struct {
	CooldownUntil  time.Time      `json:"cooldown_until,omitempty"`
	TotalPenalties int            `json:"total_penalties"`
	Penalties      []PenaltyEvent `json:"penalties,omitempty"`
}

// SaveState writes the cooldown and penalty history to path, so a restart
// in the middle of a cooldown keeps honoring it.
func (l *Limiter) SaveState(path string) error {
	if path == "" {
		return nil
	}

	l.mu.Lock()
	ps := persistedState{
		CooldownUntil:  l.cooldownUntil,
		TotalPenalties: l.totalPenalty,
		Penalties:      append([]PenaltyEvent(nil), l.penalties...),
	}
	l.mu.Unlock()

	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rate limit state: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write rate limit state: %w", err)
	}
	return nil
}

// LoadState restores what SaveState wrote. A missing file is not an error.
func (l *Limiter) LoadState(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read rate limit state: %w", err)
	}

	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return fmt.Errorf("parse rate limit state: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// A cooldown further out than a few windows is corrupt or stale.
	if !ps.CooldownUntil.IsZero() && ps.CooldownUntil.Before(time.Now().Add(10*l.window)) {
		if ps.CooldownUntil.After(l.cooldownUntil) {
			l.cooldownUntil = ps.CooldownUntil
		}
	}
	l.totalPenalty = ps.TotalPenalties
	l.penalties = ps.Penalties
	if len(l.penalties) > maxPenaltyHistory {
		l.penalties = l.penalties[len(l.penalties)-maxPenaltyHistory:]
	}
	return nil
}
