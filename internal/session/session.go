// Package session keeps one logical session to the remote endpoint alive
// for concurrent callers: it paces and rate-limits calls, retries transient
// failures, and reconnects from a background watchdog when the session is
// lost.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Whateverdoa/DEGIRO-2025/internal/credentials"
)

// State represents the connection state of the controller.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Request is one remote call.
type Request struct {
	Endpoint string         `json:"endpoint"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Response is the raw result of a remote call.
type Response struct {
	Endpoint string          `json:"endpoint"`
	Status   int             `json:"status"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// Decode unmarshals the response body into v.
func (r Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("%s: empty response body", r.Endpoint)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%s: decode response: %w", r.Endpoint, err)
	}
	return nil
}

// Invoker performs remote calls. Operations passed to Execute only ever
// see this side of the connection.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Connection is the capability the controller drives. It is owned by the
// controller; nothing else should hold a reference to it.
type Connection interface {
	Invoker
	Connect(ctx context.Context, creds credentials.Credentials) error
	Disconnect(ctx context.Context) error
	IsHealthy(ctx context.Context) bool
}

// CredentialProvider supplies login credentials. Missing required fields
// must be reported as an authentication error.
type CredentialProvider interface {
	Get(ctx context.Context) (credentials.Credentials, error)
}

// Operation is a unit of remote work run under Execute.
type Operation func(ctx context.Context, inv Invoker) (Response, error)

// Config holds watchdog and reconnect settings.
type Config struct {
	CheckInterval        time.Duration // Default: 60s
	ProbeTimeout         time.Duration // Default: 10s
	ReconnectBaseDelay   time.Duration // Default: 10s
	ReconnectMaxDelay    time.Duration // Default: 300s
	MaxReconnectAttempts int           // Default: 5

	// MaxRateLimitWaits bounds how many remote rate-limit responses one
	// Execute call absorbs before giving up. Zero means no bound.
	MaxRateLimitWaits int
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		CheckInterval:        60 * time.Second,
		ProbeTimeout:         10 * time.Second,
		ReconnectBaseDelay:   10 * time.Second,
		ReconnectMaxDelay:    300 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	return c
}

// Backoff returns the wait before reconnect attempt n (1-based).
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	backoff := c.ReconnectBaseDelay * time.Duration(1<<uint(shift))
	if backoff > c.ReconnectMaxDelay || backoff <= 0 {
		backoff = c.ReconnectMaxDelay
	}
	return backoff
}

// Record describes the live session. It is created on connect and
// discarded when the session ends.
type Record struct {
	ID             string    `json:"id"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ActionCount    int       `json:"action_count"`
}

func newRecord(now time.Time) *Record {
	return &Record{ID: uuid.NewString(), StartedAt: now, LastActivityAt: now}
}
