package ratelimit

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestNewLimiterDefaults(t *testing.T) {
	l := NewLimiter(0, 0)
	st := l.Status()
	if st.MaxCalls != DefaultMaxCalls {
		t.Errorf("MaxCalls = %d, want %d", st.MaxCalls, DefaultMaxCalls)
	}
	if st.Window != DefaultWindow {
		t.Errorf("Window = %v, want %v", st.Window, DefaultWindow)
	}
}

func TestAcquireDelaysPastWindow(t *testing.T) {
	const window = 300 * time.Millisecond
	l := NewLimiter(2, window)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > window/2 {
		t.Fatalf("first two calls should be immediate, took %v", elapsed)
	}

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("third Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < window {
		t.Errorf("third call admitted after %v, want >= %v", elapsed, window)
	}
}

func TestAcquireConcurrentNeverExceedsBudget(t *testing.T) {
	const (
		maxCalls = 3
		window   = 150 * time.Millisecond
		callers  = 10
	)
	l := NewLimiter(maxCalls, window)

	var (
		mu       sync.Mutex
		admitted []time.Time
		wg       sync.WaitGroup
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			admitted = append(admitted, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(admitted) != callers {
		t.Fatalf("admitted %d calls, want %d", len(admitted), callers)
	}
	sort.Slice(admitted, func(i, j int) bool { return admitted[i].Before(admitted[j]) })

	// Any maxCalls+1 consecutive admissions must span at least one window.
	// Allow a little scheduling jitter between admission and the timestamp.
	const jitter = 20 * time.Millisecond
	for i := maxCalls; i < len(admitted); i++ {
		if span := admitted[i].Sub(admitted[i-maxCalls]); span < window-jitter {
			t.Errorf("calls %d..%d admitted within %v, window is %v", i-maxCalls, i, span, window)
		}
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	l := NewLimiter(1, time.Minute)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire error = %v, want deadline exceeded", err)
	}
	if got := l.Status().CallsInWindow; got != 1 {
		t.Errorf("CallsInWindow = %d, want 1 (cancelled call must not be recorded)", got)
	}
}

func TestPenalizeBlocksAcquire(t *testing.T) {
	l := NewLimiter(10, time.Second)
	applied := l.Penalize("search", 80*time.Millisecond)
	if applied != 80*time.Millisecond {
		t.Fatalf("Penalize() = %v, want 80ms", applied)
	}

	start := time.Now()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Errorf("Acquire returned after %v during cooldown", elapsed)
	}
}

func TestPenalizeExtendsNotShrinks(t *testing.T) {
	l := NewLimiter(10, time.Minute)
	l.Penalize("", 30*time.Second)
	l.Penalize("", 5*time.Second)

	if remaining := l.CooldownRemaining(); remaining < 25*time.Second {
		t.Errorf("CooldownRemaining() = %v, a shorter penalty must not shrink the cooldown", remaining)
	}
}

func TestPenalizeZeroUsesWindow(t *testing.T) {
	l := NewLimiter(10, 2*time.Second)
	if got := l.Penalize("", 0); got != 2*time.Second {
		t.Errorf("Penalize(0) = %v, want window 2s", got)
	}
	l.ClearCooldown()
	if l.CooldownRemaining() != 0 {
		t.Error("ClearCooldown did not clear")
	}
}

func TestRecentPenaltiesBounded(t *testing.T) {
	l := NewLimiter(10, time.Second)
	for i := 0; i < maxPenaltyHistory+20; i++ {
		l.Penalize("x", time.Millisecond)
	}
	if got := len(l.RecentPenalties(0)); got != maxPenaltyHistory {
		t.Errorf("history length = %d, want %d", got, maxPenaltyHistory)
	}
	if got := len(l.RecentPenalties(5)); got != 5 {
		t.Errorf("RecentPenalties(5) returned %d", got)
	}
	if got := l.Status().TotalPenalties; got != maxPenaltyHistory+20 {
		t.Errorf("TotalPenalties = %d", got)
	}
}

func TestStatePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "rate_limit.json")

	l1 := NewLimiter(5, time.Minute)
	l1.Penalize("portfolio", 45*time.Second)
	if err := l1.SaveState(path); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	l2 := NewLimiter(5, time.Minute)
	if err := l2.LoadState(path); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if remaining := l2.CooldownRemaining(); remaining < 40*time.Second {
		t.Errorf("restored cooldown = %v, want about 45s", remaining)
	}
	if events := l2.RecentPenalties(0); len(events) != 1 || events[0].Endpoint != "portfolio" {
		t.Errorf("restored penalties = %+v", events)
	}
}

func TestLoadStateMissingFile(t *testing.T) {
	l := NewLimiter(5, time.Minute)
	if err := l.LoadState(filepath.Join(t.TempDir(), "nope.json")); err != nil {
		t.Errorf("LoadState should not error for missing file: %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name string
		text string
		want time.Duration
	}{
		{"retry_after", "Retry-After: 15", 15 * time.Second},
		{"try_again_seconds", "try again in 3s", 3 * time.Second},
		{"try_again_minutes", "please try again in 2 minutes", 2 * time.Minute},
		{"wait_seconds", "wait 5 seconds", 5 * time.Second},
		{"retry_minutes", "retry in 2m", 2 * time.Minute},
		{"retry_after_seconds", "retry after 30 seconds", 30 * time.Second},
		{"cooldown_seconds", "10 seconds cooldown", 10 * time.Second},
		{"no_wait", "rate limit exceeded", 0},
		{"empty", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseRetryAfter(tt.text); got != tt.want {
				t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestParseRetryAfterHeader(t *testing.T) {
	now := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{"-1", 0},
		{"Mon, 06 Jan 2025 10:00:30 GMT", 30 * time.Second},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := ParseRetryAfterHeader(tt.value, now); got != tt.want {
			t.Errorf("ParseRetryAfterHeader(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestFormatDelay(t *testing.T) {
	tests := []struct {
		delay time.Duration
		want  string
	}{
		{500 * time.Millisecond, "500ms"},
		{1500 * time.Millisecond, "1.5s"},
		{30 * time.Second, "30.0s"},
		{90 * time.Second, "1.5m"},
	}
	for _, tt := range tests {
		if got := FormatDelay(tt.delay); got != tt.want {
			t.Errorf("FormatDelay(%v) = %q, want %q", tt.delay, got, tt.want)
		}
	}
}
