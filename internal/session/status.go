package session

import (
	"time"

	"github.com/Whateverdoa/DEGIRO-2025/internal/pacing"
	"github.com/Whateverdoa/DEGIRO-2025/internal/ratelimit"
)

// Health is the short liveness report.
type Health struct {
	Connected              bool             `json:"connected"`
	SessionDurationSeconds float64          `json:"session_duration_seconds,omitempty"`
	LastActivity           *time.Time       `json:"last_activity,omitempty"`
	RateLimit              ratelimit.Status `json:"rate_limit_status"`
}

// Status is the full controller report.
type Status struct {
	State                State        `json:"state"`
	Health               Health       `json:"health"`
	Session              *Record      `json:"session,omitempty"`
	ReconnectAttempts    int          `json:"reconnect_attempts"`
	MaxReconnectAttempts int          `json:"max_reconnect_attempts"`
	TotalReconnects      int          `json:"total_reconnects"`
	LastSuccessfulCheck  time.Time    `json:"last_successful_check"`
	LastError            string       `json:"last_error,omitempty"`
	WatchdogRunning      bool         `json:"watchdog_running"`
	Pacing               pacing.Stats `json:"pacing"`
}

// HealthStatus reports whether the session is usable.
func (c *Controller) HealthStatus() Health {
	c.mu.Lock()
	h := c.healthLocked()
	c.mu.Unlock()
	h.RateLimit = c.limiter.Status()
	return h
}

func (c *Controller) healthLocked() Health {
	h := Health{Connected: c.state == StateConnected}
	if h.Connected && c.record != nil {
		h.SessionDurationSeconds = c.now().Sub(c.record.StartedAt).Seconds()
		last := c.record.LastActivityAt
		h.LastActivity = &last
	}
	return h
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		State:                c.state,
		Health:               c.healthLocked(),
		ReconnectAttempts:    c.reconnectAttempts,
		MaxReconnectAttempts: c.cfg.MaxReconnectAttempts,
		TotalReconnects:      c.totalReconnects,
		LastSuccessfulCheck:  c.lastCheck,
		LastError:            c.lastError,
		WatchdogRunning:      c.cancelFunc != nil && c.state != StateFailed,
	}
	if c.record != nil {
		rec := *c.record
		st.Session = &rec
	}
	c.mu.Unlock()

	st.Health.RateLimit = c.limiter.Status()
	st.Pacing = c.pacer.Stats()
	return st
}
