package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Whateverdoa/DEGIRO-2025/internal/apierr"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordSleep returns a SleepFunc that records requested delays without waiting.
func recordSleep(delays *[]time.Duration) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

// failing returns an op that fails with errs in order, then succeeds.
func failing(calls *int, errs ...error) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		if *calls <= len(errs) {
			return errs[*calls-1]
		}
		return nil
	}
}

func TestPolicyBackoff(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{60, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRunTransientThenSuccess(t *testing.T) {
	var slept []time.Duration
	e := New(Policy{MaxAttempts: 3, BaseDelay: time.Second}, WithSleep(recordSleep(&slept)), WithLogger(quietLogger()))

	calls := 0
	transient := apierr.Transient("get", errors.New("reset"))
	out, err := e.Run(context.Background(), failing(&calls, transient, transient))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", out.Attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(slept) != len(want) || slept[0] != want[0] || slept[1] != want[1] {
		t.Errorf("delays = %v, want %v", slept, want)
	}
	if len(out.Delays) != 2 {
		t.Errorf("Outcome.Delays = %v", out.Delays)
	}
}

func TestRunRealDelays(t *testing.T) {
	const base = 40 * time.Millisecond
	e := New(Policy{MaxAttempts: 3, BaseDelay: base}, WithLogger(quietLogger()))

	var stamps []time.Time
	transient := apierr.Transient("get", nil)
	_, err := e.Run(context.Background(), func(context.Context) error {
		stamps = append(stamps, time.Now())
		if len(stamps) < 3 {
			return transient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if gap := stamps[1].Sub(stamps[0]); gap < base {
		t.Errorf("first retry gap = %v, want >= %v", gap, base)
	}
	if gap := stamps[2].Sub(stamps[1]); gap < 2*base {
		t.Errorf("second retry gap = %v, want >= %v", gap, 2*base)
	}
}

func TestRunStopsImmediately(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"authentication", apierr.Authentication("login", errors.New("denied"))},
		{"session expired", apierr.SessionExpired("portfolio")},
		{"rate limited", apierr.RateLimited("search", 0, nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var slept []time.Duration
			e := New(Policy{MaxAttempts: 5, BaseDelay: time.Second}, WithSleep(recordSleep(&slept)), WithLogger(quietLogger()))

			calls := 0
			out, err := e.Run(context.Background(), failing(&calls, tt.err, tt.err, tt.err))
			if !errors.Is(err, tt.err) {
				t.Fatalf("Run() error = %v, want %v", err, tt.err)
			}
			if calls != 1 || out.Attempts != 1 {
				t.Errorf("op invoked %d times, want exactly 1", calls)
			}
			if len(slept) != 0 {
				t.Errorf("slept %v before giving up", slept)
			}
		})
	}
}

func TestRunUnclassifiedRetriedOnce(t *testing.T) {
	var slept []time.Duration
	e := New(Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, WithSleep(recordSleep(&slept)), WithLogger(quietLogger()))

	odd := errors.New("odd failure")
	calls := 0
	out, err := e.Run(context.Background(), failing(&calls, odd, odd, odd, odd))
	if err != odd {
		t.Fatalf("Run() error = %v, want original error", err)
	}
	if out.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", out.Attempts)
	}
}

func TestRunExhaustsAttempts(t *testing.T) {
	var slept []time.Duration
	e := New(Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, WithSleep(recordSleep(&slept)), WithLogger(quietLogger()))

	last := apierr.Transient("get", errors.New("third"))
	calls := 0
	out, err := e.Run(context.Background(), failing(&calls,
		apierr.Transient("get", errors.New("first")),
		apierr.Transient("get", errors.New("second")),
		last,
		nil,
	))
	if err != last {
		t.Fatalf("Run() error = %v, want most recent error", err)
	}
	if out.Attempts != 3 || len(slept) != 2 {
		t.Errorf("Attempts = %d, sleeps = %d; want 3 and 2", out.Attempts, len(slept))
	}
}

func TestRunContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New(Policy{MaxAttempts: 3, BaseDelay: time.Hour}, WithLogger(quietLogger()))

	calls := 0
	transient := apierr.Transient("get", nil)
	done := make(chan error, 1)
	go func() {
		_, err := e.Run(ctx, failing(&calls, transient, transient, transient))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, apierr.ErrTransient) {
			t.Errorf("Run() error = %v, want last transient error", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestDo(t *testing.T) {
	var slept []time.Duration
	e := New(Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}, WithSleep(recordSleep(&slept)), WithLogger(quietLogger()))

	calls := 0
	v, out, err := Do(context.Background(), e, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", apierr.Transient("get", nil)
		}
		return "ok", nil
	})
	if err != nil || v != "ok" || out.Attempts != 2 {
		t.Errorf("Do() = %q, %+v, %v", v, out, err)
	}
}
