package session

import (
	"context"
	"strconv"
	"time"

	"github.com/Whateverdoa/DEGIRO-2025/internal/apierr"
)

// watch runs until Stop cancels ctx or the controller enters Failed.
func (c *Controller) watch(ctx context.Context) {
	defer c.wg.Done()

	for {
		timer := time.NewTimer(c.nextWait())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.wake:
			timer.Stop()
		case <-c.pacer.Exhausted():
			timer.Stop()
		case <-timer.C:
		}

		if !c.tick(ctx) {
			return
		}
	}
}

// nextWait is the check interval, shortened to whatever is left of the
// pacing budget. Reconnecting proceeds at once.
func (c *Controller) nextWait() time.Duration {
	if c.State() == StateReconnecting {
		return 0
	}
	wait := c.cfg.CheckInterval
	if r := c.pacer.Remaining(); r >= 0 && r < wait {
		wait = r
	}
	return wait
}

// tick performs one watchdog step. It reports false when the watchdog
// should exit.
func (c *Controller) tick(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	switch c.State() {
	case StateConnected:
		if !c.pacer.ShouldContinue() {
			return c.recycle(ctx)
		}
		if c.probe(ctx) {
			c.mu.Lock()
			c.lastCheck = c.now()
			c.reconnectAttempts = 0
			c.mu.Unlock()
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.markLost("health check failed")
		return c.reconnect(ctx)
	case StateReconnecting:
		return c.reconnect(ctx)
	default:
		return false
	}
}

// probe runs the health check with a timeout. Panics count as unhealthy.
func (c *Controller) probe(ctx context.Context) (healthy bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("health probe panicked", "panic", r)
			healthy = false
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	return c.conn.IsHealthy(pctx)
}

// recycle replaces a session whose pacing budget is spent. The handover
// is planned: it logs in again at once, counts no reconnect and runs no
// reconnect callbacks. If that login fails, the reconnect loop takes over
// with the failure counted as its first attempt.
func (c *Controller) recycle(ctx context.Context) bool {
	if !c.lose("session budget spent") {
		return c.reconnect(ctx)
	}
	c.logger.Info("pacing budget spent, recycling session")
	c.dropConnection(ctx)
	c.pacer.EndSession()

	if err := c.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.mu.Lock()
		c.lastError = err.Error()
		c.reconnectAttempts = 1
		c.mu.Unlock()

		if apierr.Classify(err) == apierr.KindAuthentication {
			c.fail("authentication rejected during session recycle", err)
			return false
		}
		if c.cfg.MaxReconnectAttempts <= 1 {
			c.fail("reconnect attempts exhausted", err)
			return false
		}
		c.logger.Warn("login after recycle failed", "error", err)
		return c.reconnect(ctx)
	}

	now := c.now()
	budget := c.pacer.BeginSession()
	c.mu.Lock()
	sessionID := c.establishLocked(now)
	c.mu.Unlock()
	c.logger.Info("session recycled", "session_id", sessionID, "pacing_budget", budget)
	return true
}

// reconnect drives Reconnecting to Connected or Failed. It reports false
// when the watchdog should exit.
func (c *Controller) reconnect(ctx context.Context) bool {
	for {
		c.mu.Lock()
		if c.state != StateReconnecting {
			c.mu.Unlock()
			return c.state == StateConnected
		}
		c.reconnectAttempts++
		attempt := c.reconnectAttempts
		c.mu.Unlock()

		backoff := c.cfg.Backoff(attempt)
		c.logger.Info("reconnecting",
			"attempt", attempt,
			"max_attempts", c.cfg.MaxReconnectAttempts,
			"delay", backoff,
		)
		if attempt == 1 {
			c.dropConnection(ctx)
		}
		if err := c.sleep(ctx, backoff); err != nil {
			return false
		}

		if err := c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return false
			}
			c.mu.Lock()
			c.lastError = err.Error()
			c.mu.Unlock()

			if apierr.Classify(err) == apierr.KindAuthentication {
				c.fail("authentication rejected during reconnect", err)
				return false
			}
			c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			if attempt >= c.cfg.MaxReconnectAttempts {
				c.fail("reconnect attempts exhausted", err)
				return false
			}
			continue
		}

		c.reconnected(attempt)
		return true
	}
}

func (c *Controller) reconnected(attempt int) {
	now := c.now()
	budget := c.pacer.BeginSession()

	c.mu.Lock()
	sessionID := c.establishLocked(now)
	c.totalReconnects++
	total := c.totalReconnects
	callbacks := append([]func(){}, c.onReconnect...)
	c.mu.Unlock()

	c.monitor.RecordReconnect(map[string]string{
		"attempt":    strconv.Itoa(attempt),
		"session_id": sessionID,
	})
	c.logger.Info("session reconnected",
		"attempt", attempt,
		"total_reconnects", total,
		"session_id", sessionID,
		"pacing_budget", budget,
	)
	c.runCallbacks("reconnect", callbacks)
}

// fail enters Failed and runs every disconnect callback once.
func (c *Controller) fail(reason string, err error) {
	c.mu.Lock()
	if c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.lastError = err.Error()
	record := c.record
	c.record = nil
	callbacks := append([]func(){}, c.onDisconnect...)
	c.mu.Unlock()

	c.endRecord(record)
	c.pacer.EndSession()
	c.logger.Error("session failed", "reason", reason, "error", err)
	c.runCallbacks("disconnect", callbacks)
}
