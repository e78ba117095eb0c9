package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestEngine(clock *testClock) (*Monitor, *Engine) {
	m := newTestMonitor(clock)
	e := NewEngine(m, WithEngineClock(clock.Now), WithEngineLogger(discardLogger()))
	return m, e
}

func recordErrors(m *Monitor, requests, errors int) {
	for i := 0; i < requests; i++ {
		m.Record(Metric{Kind: KindRequestCount, Value: 1})
	}
	for i := 0; i < errors; i++ {
		m.Record(Metric{Kind: KindErrorCount, Value: 1})
	}
}

func TestAddRuleValidation(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr string
	}{
		{"missing name", Rule{Predicate: PredicateErrorRateAbove}, "name is required"},
		{"bad predicate", Rule{Name: "x", Predicate: "cpu_above"}, "unknown predicate"},
		{"bad severity", Rule{Name: "x", Predicate: PredicateErrorRateAbove, Severity: "fatal"}, "unknown severity"},
		{"negative cooldown", Rule{Name: "x", Predicate: PredicateErrorRateAbove, CooldownSeconds: -1}, "negative cooldown"},
		{"bad template", Rule{Name: "x", Predicate: PredicateErrorRateAbove, Message: "{{.Value"}, "invalid message template"},
		{"ok", Rule{Name: "x", Predicate: PredicateErrorRateAbove}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, e := newTestEngine(newTestClock())
			err := e.AddRule(tt.rule)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("AddRule() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("AddRule() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestAddRuleDefaultsAndDuplicates(t *testing.T) {
	_, e := newTestEngine(newTestClock())
	if err := e.AddRule(Rule{Name: "r", Predicate: PredicateReconnectsAbove}); err != nil {
		t.Fatal(err)
	}
	if err := e.AddRule(Rule{Name: "r", Predicate: PredicateReconnectsAbove}); err == nil {
		t.Error("duplicate rule name accepted")
	}
	rules := e.Rules()
	if len(rules) != 1 || rules[0].Severity != SeverityWarning || rules[0].CooldownSeconds != 300 {
		t.Errorf("Rules() = %+v", rules)
	}
}

func TestDefaultRulesAreValid(t *testing.T) {
	if err := ValidateRules(DefaultRules()); err != nil {
		t.Fatalf("default rules invalid: %v", err)
	}
}

func TestAlertCooldown(t *testing.T) {
	clock := newTestClock()
	m, e := newTestEngine(clock)
	if err := e.AddRule(Rule{
		Name:            "high_error_rate",
		Predicate:       PredicateErrorRateAbove,
		Threshold:       0.1,
		Severity:        SeverityError,
		CooldownSeconds: 300,
	}); err != nil {
		t.Fatal(err)
	}

	var (
		mu     sync.Mutex
		events []Event
	)
	e.On(SeverityError, func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	// Keep the error rate at 50% for the whole test.
	recordErrors(m, 10, 5)

	if fired := e.Evaluate(); len(fired) != 1 {
		t.Fatalf("t0: fired %d alerts, want 1", len(fired))
	}

	clock.Advance(299 * time.Second)
	recordErrors(m, 10, 5)
	if fired := e.Evaluate(); len(fired) != 0 {
		t.Fatalf("t0+299s: fired %d alerts inside cooldown", len(fired))
	}

	clock.Advance(2 * time.Second)
	recordErrors(m, 10, 5)
	if fired := e.Evaluate(); len(fired) != 1 {
		t.Fatalf("t0+301s: fired %d alerts, want 1", len(fired))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("callback received %d events, want 2", len(events))
	}
	if events[0].ID == "" || events[0].ID == events[1].ID {
		t.Errorf("event ids not unique: %q %q", events[0].ID, events[1].ID)
	}
	if !strings.Contains(events[0].Message, "high_error_rate") {
		t.Errorf("default message = %q", events[0].Message)
	}
}

func TestAlertNotFiredAtThreshold(t *testing.T) {
	clock := newTestClock()
	m, e := newTestEngine(clock)
	e.AddRule(Rule{Name: "rl", Predicate: PredicateRateLimitHitsAbove, Threshold: 2})

	m.Record(Metric{Kind: KindRateLimitHit, Value: 1})
	m.Record(Metric{Kind: KindRateLimitHit, Value: 1})
	if fired := e.Evaluate(); len(fired) != 0 {
		t.Fatalf("fired at threshold: %+v", fired)
	}
	m.Record(Metric{Kind: KindRateLimitHit, Value: 1})
	if fired := e.Evaluate(); len(fired) != 1 || fired[0].Value != 3 {
		t.Fatalf("fired = %+v, want one alert with value 3", fired)
	}
}

func TestCountPredicatesIgnoreSampleValues(t *testing.T) {
	clock := newTestClock()
	m, e := newTestEngine(clock)
	e.AddRule(Rule{Name: "rl", Predicate: PredicateRateLimitHitsAbove, Threshold: 5})
	e.AddRule(Rule{Name: "rc", Predicate: PredicateReconnectsAbove, Threshold: 3})

	for i := 0; i < 10; i++ {
		m.Record(Metric{Kind: KindRateLimitHit, Value: 0})
		m.Record(Metric{Kind: KindReconnectCount, Value: 0.5})
	}

	fired := e.Evaluate()
	got := map[string]float64{}
	for _, ev := range fired {
		got[ev.Rule] = ev.Value
	}
	if len(fired) != 2 || got["rl"] != 10 || got["rc"] != 10 {
		t.Errorf("fired = %v, want rl and rc with value 10", got)
	}

	st := m.Statistics(DefaultAlertWindow)
	if st.RateLimitHits != 0 || st.Reconnects != 5 {
		t.Errorf("sums = %v/%v, want 0/5", st.RateLimitHits, st.Reconnects)
	}
}

func TestDefaultRuleMessages(t *testing.T) {
	clock := newTestClock()
	m, e := newTestEngine(clock)
	for _, r := range DefaultRules() {
		if err := e.AddRule(r); err != nil {
			t.Fatal(err)
		}
	}

	recordErrors(m, 10, 5)
	for i := 0; i < 6; i++ {
		m.Record(Metric{Kind: KindRateLimitHit, Value: 1})
	}
	m.Record(Metric{Kind: KindResponseTime, Value: 6000})
	for i := 0; i < 4; i++ {
		m.RecordReconnect(nil)
	}

	fired := e.Evaluate()
	byRule := map[string]Event{}
	for _, ev := range fired {
		byRule[ev.Rule] = ev
	}
	want := map[string]string{
		"high_error_rate":     "High error rate detected: 50.0%",
		"rate_limit_exceeded": "Multiple rate limit hits: 6",
		"slow_response":       "Slow API responses: 6000ms average",
		"session_instability": "Session instability: 4 reconnects",
	}
	for rule, prefix := range want {
		ev, ok := byRule[rule]
		if !ok {
			t.Errorf("rule %s did not fire", rule)
			continue
		}
		if !strings.HasPrefix(ev.Message, prefix) {
			t.Errorf("%s message = %q, want prefix %q", rule, ev.Message, prefix)
		}
	}
}

func TestPanickingCallbackIsolated(t *testing.T) {
	clock := newTestClock()
	m, e := newTestEngine(clock)
	e.AddRule(Rule{Name: "errors", Predicate: PredicateErrorRateAbove, Threshold: 0.1, Severity: SeverityError})
	e.AddRule(Rule{Name: "reconnects", Predicate: PredicateReconnectsAbove, Threshold: 0, Severity: SeverityWarning})

	e.On(SeverityError, func(Event) { panic("boom") })
	warned := 0
	e.On(SeverityWarning, func(Event) { warned++ })
	anyCount := 0
	e.OnAny(func(Event) { anyCount++ })

	recordErrors(m, 2, 2)
	m.RecordReconnect(nil)

	fired := e.Evaluate()
	if len(fired) != 2 {
		t.Fatalf("fired %d alerts, want 2", len(fired))
	}
	if warned != 1 {
		t.Errorf("warning callback ran %d times, want 1", warned)
	}
	if anyCount != 2 {
		t.Errorf("OnAny callback ran %d times, want 2", anyCount)
	}
}

func TestRulesReportsFireCount(t *testing.T) {
	clock := newTestClock()
	m, e := newTestEngine(clock)
	e.AddRule(Rule{Name: "r", Predicate: PredicateReconnectsAbove, Threshold: 0, CooldownSeconds: 1})
	m.RecordReconnect(nil)

	e.Evaluate()
	clock.Advance(2 * time.Second)
	m.RecordReconnect(nil)
	e.Evaluate()

	rs := e.Rules()[0]
	if rs.FireCount != 2 || !rs.LastFired.Equal(clock.Now()) {
		t.Errorf("RuleStatus = %+v", rs)
	}
}

func TestEngineStartStop(t *testing.T) {
	m := New(WithLogger(discardLogger()))
	e := NewEngine(m, WithInterval(10*time.Millisecond), WithEngineLogger(discardLogger()))
	e.AddRule(Rule{Name: "r", Predicate: PredicateReconnectsAbove, Threshold: 0})

	fired := make(chan Event, 1)
	e.OnAny(func(ev Event) {
		select {
		case fired <- ev:
		default:
		}
	})
	m.RecordReconnect(nil)

	e.Start(context.Background())
	if !e.Running() {
		t.Fatal("Running() = false after Start")
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never evaluated the rule")
	}

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	if e.Running() {
		t.Error("Running() = true after Stop")
	}
}
