// Package pacing spaces out remote actions the way a person at a keyboard
// would, and decides when a session has gone on long enough.
package pacing

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// ActionType names the kind of action about to be performed.
type ActionType string

const (
	ActionLogin   ActionType = "login"
	ActionSearch  ActionType = "search"
	ActionOrder   ActionType = "order"
	ActionGeneral ActionType = "general"
)

// ParseAction maps a string to an ActionType. Unknown names are general.
func ParseAction(s string) ActionType {
	switch ActionType(strings.ToLower(strings.TrimSpace(s))) {
	case ActionLogin:
		return ActionLogin
	case ActionSearch:
		return ActionSearch
	case ActionOrder:
		return ActionOrder
	default:
		return ActionGeneral
	}
}

// Config holds the pacing knobs.
type Config struct {
	Enabled bool

	MinGap      time.Duration // actions closer than this get an extra delay
	GapDelayMin time.Duration
	GapDelayMax time.Duration

	LoginChars  int // characters "typed" before a login
	SearchChars int // characters "typed" before a search

	OrderThinkMin time.Duration
	OrderThinkMax time.Duration

	DistractionChance float64
	DistractionMin    time.Duration
	DistractionMax    time.Duration

	ActiveSessionMin time.Duration // session budget inside the active window
	ActiveSessionMax time.Duration
	IdleSessionMin   time.Duration // session budget outside it
	IdleSessionMax   time.Duration
	MaxActions       int

	Window ActiveWindow
}

// DefaultConfig returns the stock pacing profile.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		MinGap:            2 * time.Second,
		GapDelayMin:       2 * time.Second,
		GapDelayMax:       5 * time.Second,
		LoginChars:        20,
		SearchChars:       10,
		OrderThinkMin:     5 * time.Second,
		OrderThinkMax:     10 * time.Second,
		DistractionChance: 0.1,
		DistractionMin:    10 * time.Second,
		DistractionMax:    30 * time.Second,
		ActiveSessionMin:  10 * time.Minute,
		ActiveSessionMax:  45 * time.Minute,
		IdleSessionMin:    5 * time.Minute,
		IdleSessionMax:    20 * time.Minute,
		MaxActions:        50,
		Window:            DefaultActiveWindow(),
	}
}

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
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

// Stats is a snapshot of the current pacing session.
type Stats struct {
	SessionStart time.Time     `json:"session_start,omitempty"`
	Budget       time.Duration `json:"budget"`
	Elapsed      time.Duration `json:"elapsed"`
	ActionCount  int           `json:"action_count"`
	MaxActions   int           `json:"max_actions"`
	LastAction   time.Time     `json:"last_action,omitempty"`
}

// Scheduler injects human-like delays around actions.
//
// Delays are computed under the lock and slept outside it, so concurrent
// callers each pay their own delay.
type Scheduler struct {
	cfg    Config
	sleep  SleepFunc
	now    func() time.Time
	logger *slog.Logger

	mu           sync.Mutex
	rng          *rand.Rand
	lastAction   time.Time
	sessionStart time.Time
	budget       time.Duration
	actionCount  int
	exhausted    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRand sets the random source.
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.rng = r
		}
	}
}

// WithSleep replaces the real sleep.
func WithSleep(fn SleepFunc) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Scheduler.
func New(cfg Config, opts ...Option) *Scheduler {
	if cfg.MaxActions <= 0 {
		cfg.MaxActions = DefaultConfig().MaxActions
	}
	s := &Scheduler{
		cfg:       cfg,
		sleep:     sleepCtx,
		now:       time.Now,
		logger:    slog.Default(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		exhausted: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports whether pacing delays are active.
func (s *Scheduler) Enabled() bool { return s.cfg.Enabled }

// uniformLocked returns a duration uniformly distributed in [lo, hi].
func (s *Scheduler) uniformLocked(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.rng.Int63n(int64(hi-lo)+1))
}

func (s *Scheduler) floatLocked(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

// typingLocked models 40 to 60 words per minute at five characters per
// word, with a further twenty percent of jitter.
func (s *Scheduler) typingLocked(chars int) time.Duration {
	if chars <= 0 {
		return 0
	}
	words := float64(chars) / 5
	wordsPerSecond := s.floatLocked(0.67, 1.0)
	secs := words / wordsPerSecond * s.floatLocked(0.8, 1.2)
	return time.Duration(secs * float64(time.Second))
}

// TypingDelay returns the time it would take to type chars characters.
func (s *Scheduler) TypingDelay(chars int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typingLocked(chars)
}

// Before blocks for the pre-action delay of action and counts the action.
// It returns the delay it slept.
func (s *Scheduler) Before(ctx context.Context, action ActionType) (time.Duration, error) {
	s.mu.Lock()
	now := s.now()
	var delay time.Duration
	if s.cfg.Enabled {
		if !s.lastAction.IsZero() && now.Sub(s.lastAction) < s.cfg.MinGap {
			delay += s.uniformLocked(s.cfg.GapDelayMin, s.cfg.GapDelayMax)
		}
		switch action {
		case ActionLogin:
			delay += s.typingLocked(s.cfg.LoginChars)
		case ActionSearch:
			delay += s.typingLocked(s.cfg.SearchChars)
		case ActionOrder:
			delay += s.uniformLocked(s.cfg.OrderThinkMin, s.cfg.OrderThinkMax)
		}
	}
	s.actionCount++
	count := s.actionCount
	over := s.cfg.Enabled && count > s.cfg.MaxActions
	s.mu.Unlock()

	if over {
		s.signalExhausted()
	}
	s.logger.Debug("pacing before action", "action", string(action), "count", count, "delay", delay)
	return delay, s.sleep(ctx, delay)
}

// After stamps the action as finished and, occasionally, pauses the way a
// distracted person would. It returns the pause it slept.
func (s *Scheduler) After(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	s.lastAction = s.now()
	var pause time.Duration
	if s.cfg.Enabled && s.rng.Float64() < s.cfg.DistractionChance {
		pause = s.uniformLocked(s.cfg.DistractionMin, s.cfg.DistractionMax)
	}
	s.mu.Unlock()

	if pause > 0 {
		s.logger.Debug("pacing distraction pause", "pause", pause)
	}
	return pause, s.sleep(ctx, pause)
}

// BeginSession starts a new pacing session: the action count resets and a
// randomized duration budget is drawn once for the whole session.
func (s *Scheduler) BeginSession() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sessionStart = now
	s.actionCount = 0
	if s.cfg.Window.Contains(now) {
		s.budget = s.uniformMinutesLocked(s.cfg.ActiveSessionMin, s.cfg.ActiveSessionMax)
	} else {
		s.budget = s.uniformMinutesLocked(s.cfg.IdleSessionMin, s.cfg.IdleSessionMax)
	}
	select {
	case <-s.exhausted:
	default:
	}
	s.logger.Info("pacing session started", "budget", s.budget)
	return s.budget
}

// uniformMinutesLocked draws a whole number of minutes in [lo, hi].
func (s *Scheduler) uniformMinutesLocked(lo, hi time.Duration) time.Duration {
	loMin, hiMin := int64(lo/time.Minute), int64(hi/time.Minute)
	if hiMin <= loMin {
		return lo
	}
	return time.Duration(loMin+s.rng.Int63n(hiMin-loMin+1)) * time.Minute
}

// EndSession forgets the current session.
func (s *Scheduler) EndSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionStart = time.Time{}
	s.budget = 0
	s.actionCount = 0
}

// ShouldContinue reports whether the current session is still within its
// duration budget and action cap. With no session, or with pacing
// disabled, it is always true.
func (s *Scheduler) ShouldContinue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled || s.sessionStart.IsZero() {
		return true
	}
	if elapsed := s.now().Sub(s.sessionStart); elapsed > s.budget {
		s.logger.Info("session duration exceeded pacing budget", "elapsed", elapsed.Round(time.Second), "budget", s.budget)
		return false
	}
	if s.actionCount > s.cfg.MaxActions {
		s.logger.Info("action count exceeded pacing limit", "count", s.actionCount, "max", s.cfg.MaxActions)
		return false
	}
	return true
}

// Remaining returns the time left in the session budget, or -1 when no
// budget applies.
func (s *Scheduler) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled || s.sessionStart.IsZero() {
		return -1
	}
	if r := s.budget - s.now().Sub(s.sessionStart); r > 0 {
		return r
	}
	return 0
}

// Exhausted is signalled when the action cap is exceeded.
func (s *Scheduler) Exhausted() <-chan struct{} { return s.exhausted }

func (s *Scheduler) signalExhausted() {
	select {
	case s.exhausted <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the current session.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		SessionStart: s.sessionStart,
		Budget:       s.budget,
		ActionCount:  s.actionCount,
		MaxActions:   s.cfg.MaxActions,
		LastAction:   s.lastAction,
	}
	if !s.sessionStart.IsZero() {
		st.Elapsed = s.now().Sub(s.sessionStart)
	}
	return st
}
