package pacing

import (
	"fmt"
	"time"
)

// ActiveWindow is the part of the week when a person would plausibly be
// trading, e.g. weekdays 09:00 to 17:30 local exchange time.
type ActiveWindow struct {
	WeekdaysOnly bool
	Start        time.Duration // offset from midnight
	End          time.Duration
	Location     *time.Location
}

// DefaultActiveWindow is weekdays 09:00 to 17:30 in the local zone.
func DefaultActiveWindow() ActiveWindow {
	return ActiveWindow{
		WeekdaysOnly: true,
		Start:        9 * time.Hour,
		End:          17*time.Hour + 30*time.Minute,
		Location:     time.Local,
	}
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q (want HH:MM): %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (w ActiveWindow) local(t time.Time) time.Time {
	if w.Location != nil {
		return t.In(w.Location)
	}
	return t
}

// Contains reports whether t falls inside the window (both ends inclusive).
func (w ActiveWindow) Contains(t time.Time) bool {
	t = w.local(t)
	if w.WeekdaysOnly {
		if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return false
		}
	}
	offset := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
	return offset >= w.Start && offset <= w.End
}

// Activity is a coarse level of market activity.
type Activity string

const (
	ActivityHigh   Activity = "high"
	ActivityMedium Activity = "medium"
	ActivityLow    Activity = "low"
)

// ActivityLevel classifies the hour of t: around the open and close is
// busy, midday is moderate, everything else is quiet.
func (s *Scheduler) ActivityLevel(t time.Time) Activity {
	h := s.cfg.Window.local(t).Hour()
	switch {
	case (h >= 9 && h <= 10) || (h >= 15 && h <= 16):
		return ActivityHigh
	case h >= 11 && h <= 14:
		return ActivityMedium
	default:
		return ActivityLow
	}
}

// IntervalRange returns the polling interval range for an activity level.
func IntervalRange(a Activity) (time.Duration, time.Duration) {
	switch a {
	case ActivityHigh:
		return 30 * time.Second, 2 * time.Minute
	case ActivityMedium:
		return 2 * time.Minute, 5 * time.Minute
	default:
		return 5 * time.Minute, 10 * time.Minute
	}
}

// NextInterval picks how long to wait before the next routine request,
// based on the current activity level with twenty percent jitter either way.
// The result is never below one second.
func (s *Scheduler) NextInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo, hi := IntervalRange(s.ActivityLevel(s.now()))
	base := s.uniformLocked(lo, hi)
	jitter := time.Duration(s.floatLocked(-0.2, 0.2) * float64(base))
	d := base + jitter
	if d < time.Second {
		d = time.Second
	}
	return d
}

// ShouldPoll decides whether a routine check is worth doing right now.
// People look less often outside trading hours and in quiet periods.
func (s *Scheduler) ShouldPoll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.cfg.Enabled {
		return true
	}
	chance := 0.1
	if s.cfg.Window.Contains(now) {
		switch s.ActivityLevel(now) {
		case ActivityHigh:
			chance = 0.4
		case ActivityMedium:
			chance = 0.25
		}
	}
	return s.rng.Float64() < chance
}

var userAgents = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
}

// UserAgent picks a browser user agent for a new session.
func (s *Scheduler) UserAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return userAgents[s.rng.Intn(len(userAgents))]
}
