package monitor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// PredicateKind is the closed set of alert conditions. Each compares one
// windowed statistic against the rule's threshold.
type PredicateKind string

const (
	PredicateErrorRateAbove       PredicateKind = "error_rate_above"
	PredicateRateLimitHitsAbove   PredicateKind = "rate_limit_hits_above"
	PredicateAvgResponseTimeAbove PredicateKind = "avg_response_time_above" // milliseconds
	PredicateReconnectsAbove      PredicateKind = "reconnects_above"
)

// Valid reports whether p is a known predicate.
func (p PredicateKind) Valid() bool {
	switch p {
	case PredicateErrorRateAbove, PredicateRateLimitHitsAbove,
		PredicateAvgResponseTimeAbove, PredicateReconnectsAbove:
		return true
	}
	return false
}

// value extracts the statistic the predicate compares.
func (p PredicateKind) value(st Statistics) float64 {
	switch p {
	case PredicateErrorRateAbove:
		return st.ErrorRate
	case PredicateRateLimitHitsAbove:
		return float64(st.RateLimitHitCount)
	case PredicateAvgResponseTimeAbove:
		return st.ResponseTime.Avg
	case PredicateReconnectsAbove:
		return float64(st.ReconnectCount)
	}
	return 0
}

// DefaultCooldown applies to rules that do not set one.
const DefaultCooldown = 300 * time.Second

// Rule is an alert definition.
type Rule struct {
	Name            string        `yaml:"name" json:"name"`
	Predicate       PredicateKind `yaml:"predicate" json:"predicate"`
	Threshold       float64       `yaml:"threshold" json:"threshold"`
	Message         string        `yaml:"message" json:"message"`
	Severity        Severity      `yaml:"severity" json:"severity"`
	CooldownSeconds int           `yaml:"cooldown_seconds" json:"cooldown_seconds"`
}

// Cooldown returns the rule's cooldown as a duration.
func (r Rule) Cooldown() time.Duration {
	if r.CooldownSeconds <= 0 {
		return DefaultCooldown
	}
	return time.Duration(r.CooldownSeconds) * time.Second
}

// DefaultRules returns the built-in rule set.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:      "high_error_rate",
			Predicate: PredicateErrorRateAbove,
			Threshold: 0.1,
			Message:   "High error rate detected: {{percent .Value}}",
			Severity:  SeverityError,
		},
		{
			Name:      "rate_limit_exceeded",
			Predicate: PredicateRateLimitHitsAbove,
			Threshold: 5,
			Message:   "Multiple rate limit hits: {{printf \"%.0f\" .Value}} in the last {{.Window}}",
			Severity:  SeverityWarning,
		},
		{
			Name:      "slow_response",
			Predicate: PredicateAvgResponseTimeAbove,
			Threshold: 5000,
			Message:   "Slow API responses: {{printf \"%.0f\" .Value}}ms average",
			Severity:  SeverityWarning,
		},
		{
			Name:      "session_instability",
			Predicate: PredicateReconnectsAbove,
			Threshold: 3,
			Message:   "Session instability: {{printf \"%.0f\" .Value}} reconnects",
			Severity:  SeverityError,
		},
	}
}

var messageFuncs = template.FuncMap{
	"percent": func(v float64) string { return fmt.Sprintf("%.1f%%", v*100) },
}

// messageData is what rule message templates are rendered with.
type messageData struct {
	Rule          string
	Value         float64
	Threshold     float64
	Window        time.Duration
	Count         int
	ErrorRate     float64
	AvgResponseMs float64
}

// Event is one fired alert.
type Event struct {
	ID        string    `json:"id"`
	Rule      string    `json:"rule"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	FiredAt   time.Time `json:"fired_at"`
}

// Callback receives fired alerts.
type Callback func(Event)

type ruleState struct {
	rule      Rule
	tmpl      *template.Template
	lastFired time.Time
	fireCount int
}

// RuleStatus is a read-only view of a rule and its firing history.
type RuleStatus struct {
	Rule
	LastFired time.Time `json:"last_fired,omitempty"`
	FireCount int       `json:"fire_count"`
}

// Default engine timing.
const (
	DefaultAlertWindow   = 5 * time.Minute
	DefaultAlertInterval = 10 * time.Second
)

// Engine evaluates alert rules against a Monitor.
type Engine struct {
	monitor  *Monitor
	window   time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu        sync.Mutex
	rules     []*ruleState
	callbacks map[Severity][]Callback
	hooks     []Callback

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithWindow sets the trailing window rules are evaluated over.
func WithWindow(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

// WithInterval sets the evaluation tick.
func WithInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithEngineClock replaces time.Now for cooldown bookkeeping.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithEngineLogger sets the logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an Engine with no rules.
func NewEngine(m *Monitor, opts ...EngineOption) *Engine {
	e := &Engine{
		monitor:   m,
		window:    DefaultAlertWindow,
		interval:  DefaultAlertInterval,
		now:       m.Now,
		logger:    slog.Default(),
		callbacks: make(map[Severity][]Callback),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddRule validates and registers a rule. Names must be unique.
func (e *Engine) AddRule(r Rule) error {
	if r.Name == "" {
		return fmt.Errorf("alert rule: name is required")
	}
	if !r.Predicate.Valid() {
		return fmt.Errorf("alert rule %q: unknown predicate %q", r.Name, r.Predicate)
	}
	if r.Severity == "" {
		r.Severity = SeverityWarning
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("alert rule %q: unknown severity %q", r.Name, r.Severity)
	}
	if r.CooldownSeconds < 0 {
		return fmt.Errorf("alert rule %q: negative cooldown", r.Name)
	}
	if r.CooldownSeconds == 0 {
		r.CooldownSeconds = int(DefaultCooldown / time.Second)
	}
	if r.Message == "" {
		r.Message = "{{.Rule}}: {{printf \"%.3g\" .Value}} above {{printf \"%.3g\" .Threshold}}"
	}
	tmpl, err := template.New(r.Name).Funcs(messageFuncs).Parse(r.Message)
	if err != nil {
		return fmt.Errorf("alert rule %q: invalid message template: %w", r.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rs := range e.rules {
		if rs.rule.Name == r.Name {
			return fmt.Errorf("alert rule %q already exists", r.Name)
		}
	}
	e.rules = append(e.rules, &ruleState{rule: r, tmpl: tmpl})
	e.logger.Info("alert rule added", "rule", r.Name, "predicate", string(r.Predicate), "threshold", r.Threshold)
	return nil
}

// HasRule reports whether a rule with name is registered.
func (e *Engine) HasRule(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rs := range e.rules {
		if rs.rule.Name == name {
			return true
		}
	}
	return false
}

// Rules returns the registered rules sorted by name.
func (e *Engine) Rules() []RuleStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]RuleStatus, 0, len(e.rules))
	for _, rs := range e.rules {
		out = append(out, RuleStatus{Rule: rs.rule, LastFired: rs.lastFired, FireCount: rs.fireCount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// On registers cb for alerts of the given severity.
func (e *Engine) On(sev Severity, cb Callback) {
	if cb == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks[sev] = append(e.callbacks[sev], cb)
}

// OnAny registers cb for every alert regardless of severity.
func (e *Engine) OnAny(cb Callback) {
	if cb == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, cb)
}

// Evaluate checks every rule once and returns the alerts that fired.
// Callbacks run after the engine lock is released.
func (e *Engine) Evaluate() []Event {
	st := e.monitor.Statistics(e.window)
	now := e.now()

	e.mu.Lock()
	var fired []Event
	for _, rs := range e.rules {
		if ev, ok := e.evaluateRuleLocked(rs, st, now); ok {
			fired = append(fired, ev)
		}
	}
	callbacks := make(map[Severity][]Callback, len(e.callbacks))
	for sev, cbs := range e.callbacks {
		callbacks[sev] = append([]Callback(nil), cbs...)
	}
	hooks := append([]Callback(nil), e.hooks...)
	e.mu.Unlock()

	for _, ev := range fired {
		e.logAlert(ev)
		for _, cb := range callbacks[ev.Severity] {
			e.invoke(cb, ev)
		}
		for _, cb := range hooks {
			e.invoke(cb, ev)
		}
	}
	return fired
}

// evaluateRuleLocked checks one rule. A panic inside it is contained so
// the remaining rules still run.
func (e *Engine) evaluateRuleLocked(rs *ruleState, st Statistics, now time.Time) (ev Event, fired bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("alert rule evaluation panicked", "rule", rs.rule.Name, "panic", r)
			fired = false
		}
	}()

	if !rs.lastFired.IsZero() && now.Sub(rs.lastFired) < rs.rule.Cooldown() {
		return Event{}, false
	}

	value := rs.rule.Predicate.value(st)
	if !(value > rs.rule.Threshold) {
		return Event{}, false
	}

	var msg bytes.Buffer
	data := messageData{
		Rule:          rs.rule.Name,
		Value:         value,
		Threshold:     rs.rule.Threshold,
		Window:        e.window,
		Count:         st.Requests,
		ErrorRate:     st.ErrorRate,
		AvgResponseMs: st.ResponseTime.Avg,
	}
	if err := rs.tmpl.Execute(&msg, data); err != nil {
		e.logger.Warn("alert message template failed", "rule", rs.rule.Name, "error", err)
		msg.Reset()
		fmt.Fprintf(&msg, "%s: %.3g above %.3g", rs.rule.Name, value, rs.rule.Threshold)
	}

	rs.lastFired = now
	rs.fireCount++
	return Event{
		ID:        uuid.NewString(),
		Rule:      rs.rule.Name,
		Severity:  rs.rule.Severity,
		Message:   msg.String(),
		Value:     value,
		Threshold: rs.rule.Threshold,
		FiredAt:   now,
	}, true
}

func (e *Engine) invoke(cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("alert callback panicked", "rule", ev.Rule, "panic", r)
		}
	}()
	cb(ev)
}

func (e *Engine) logAlert(ev Event) {
	attrs := []any{"rule", ev.Rule, "severity", string(ev.Severity), "value", ev.Value, "alert_id", ev.ID}
	switch ev.Severity {
	case SeverityError, SeverityCritical:
		e.logger.Error("ALERT: "+ev.Message, attrs...)
	case SeverityWarning:
		e.logger.Warn("ALERT: "+ev.Message, attrs...)
	default:
		e.logger.Info("ALERT: "+ev.Message, attrs...)
	}
}

// Start runs Evaluate every interval in a background goroutine until
// Stop is called or ctx ends.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancelFunc != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancelFunc = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(ctx)
	e.logger.Info("alert engine started", "interval", e.interval, "window", e.window)
}

// Stop halts the evaluation loop and waits for it to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancelFunc
	e.cancelFunc = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// Running reports whether the evaluation loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelFunc != nil
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Evaluate()
		}
	}
}
