// Package bridge implements session.Connection over HTTP against a local
// sidecar that fronts the remote trading endpoint.
//
// The sidecar exposes:
//
//	POST   /session            credentials -> {"session_id": "..."}
//	GET    /session            200 while the session is alive
//	DELETE /session            ends the session
//	POST   /invoke/{endpoint}  JSON payload -> JSON body
//
// Every call after login carries the X-Session-ID header.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Whateverdoa/DEGIRO-2025/internal/apierr"
	"github.com/Whateverdoa/DEGIRO-2025/internal/credentials"
	"github.com/Whateverdoa/DEGIRO-2025/internal/ratelimit"
	"github.com/Whateverdoa/DEGIRO-2025/internal/session"
)

const (
	// DefaultBaseURL is where the sidecar listens unless configured.
	DefaultBaseURL = "http://127.0.0.1:8787"

	// DefaultTimeout bounds every HTTP round trip.
	DefaultTimeout = 15 * time.Second

	sessionHeader = "X-Session-ID"
	requestHeader = "X-Request-ID"

	maxErrorBody = 4096
)

var _ session.Connection = (*Client)(nil)

// Client talks to the sidecar.
type Client struct {
	base      string
	hc        *http.Client
	userAgent func() string
	logger    *slog.Logger

	mu        sync.Mutex
	sessionID string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.hc.Timeout = d
		}
	}
}

// WithUserAgent sets a function that picks the User-Agent per request.
func WithUserAgent(fn func() string) Option {
	return func(c *Client) {
		if fn != nil {
			c.userAgent = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client for the sidecar at base. Trailing comments
// and slashes in base are dropped; an empty base uses DefaultBaseURL.
func NewClient(base string, opts ...Option) *Client {
	base = strings.TrimSpace(base)
	if i := strings.IndexAny(base, " \t#"); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	if base == "" {
		base = DefaultBaseURL
	}
	c := &Client{
		base:      strings.TrimRight(base, "/"),
		hc:        &http.Client{Timeout: DefaultTimeout},
		userAgent: func() string { return "degiro-session/bridge" },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "bridge")
	return c
}

// BaseURL returns the sidecar address.
func (c *Client) BaseURL() string { return c.base }

// SessionID returns the current session id, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	TOTPSecret string `json:"totp_secret,omitempty"`
}

// Connect logs in and stores the session id.
func (c *Client) Connect(ctx context.Context, creds credentials.Credentials) error {
	body, err := json.Marshal(loginRequest{
		Username:   creds.Username,
		Password:   creds.Password,
		TOTPSecret: creds.TOTPSecret,
	})
	if err != nil {
		return fmt.Errorf("encode login: %w", err)
	}

	res, err := c.do(ctx, "login", http.MethodPost, "/session", "", body)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return apierr.Wrap("login", fmt.Errorf("decode login response: %w", err))
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return apierr.Authentication("login", errors.New("no session id in response"))
	}
	c.setSession(out.SessionID)
	c.logger.Debug("logged in", "user", creds)
	return nil
}

// Disconnect ends the session. An already-gone session is not an error.
func (c *Client) Disconnect(ctx context.Context) error {
	id := c.SessionID()
	if id == "" {
		return nil
	}
	c.setSession("")

	res, err := c.do(ctx, "logout", http.MethodDelete, "/session", id, nil)
	if err != nil {
		if apierr.Classify(err) == apierr.KindSessionExpired {
			return nil
		}
		return err
	}
	res.Body.Close()
	return nil
}

// IsHealthy reports whether the sidecar still considers the session alive.
func (c *Client) IsHealthy(ctx context.Context) bool {
	id := c.SessionID()
	if id == "" {
		return false
	}
	res, err := c.do(ctx, "health", http.MethodGet, "/session", id, nil)
	if err != nil {
		c.logger.Debug("health probe failed", "error", err)
		return false
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
	return true
}

// Invoke posts req to /invoke/{endpoint}.
func (c *Client) Invoke(ctx context.Context, req session.Request) (session.Response, error) {
	id := c.SessionID()
	if id == "" {
		return session.Response{}, apierr.SessionExpired(req.Endpoint)
	}

	var body []byte
	if req.Payload != nil {
		var err error
		if body, err = json.Marshal(req.Payload); err != nil {
			return session.Response{}, fmt.Errorf("encode %s payload: %w", req.Endpoint, err)
		}
	}

	path := "/invoke/" + url.PathEscape(req.Endpoint)
	res, err := c.do(ctx, req.Endpoint, http.MethodPost, path, id, body)
	if err != nil {
		return session.Response{}, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return session.Response{}, apierr.Transient(req.Endpoint, fmt.Errorf("read response: %w", err))
	}
	return session.Response{Endpoint: req.Endpoint, Status: res.StatusCode, Body: data}, nil
}

// do sends one request. Non-2xx responses are turned into classified
// errors and their bodies closed; on success the caller owns res.Body.
func (c *Client) do(ctx context.Context, op, method, path, sessionID string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("new request %s: %w", op, err)
	}
	req.Header.Set("User-Agent", c.userAgent())
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestHeader, uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apierr.Transient(op, err)
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return res, nil
	}

	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	return nil, c.statusError(op, res, raw)
}

// statusError maps a failed HTTP status to the error taxonomy.
func (c *Client) statusError(op string, res *http.Response, raw []byte) error {
	msg := errorMessage(raw)
	cause := fmt.Errorf("status %d: %s", res.StatusCode, msg)

	switch code := res.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apierr.Authentication(op, cause)
	case code == 419 || code == 440:
		c.setSession("")
		e := apierr.SessionExpired(op)
		e.Err = cause
		return e
	case code == http.StatusTooManyRequests:
		hint := ratelimit.ParseRetryAfterHeader(res.Header.Get("Retry-After"), time.Now())
		if hint == 0 {
			hint = ratelimit.ParseRetryAfter(msg)
		}
		return apierr.RateLimited(op, hint, cause)
	case code == http.StatusRequestTimeout || code >= 500:
		return apierr.Transient(op, cause)
	default:
		return apierr.FromMessage(op, cause)
	}
}

// errorMessage extracts a readable message from an error body.
func errorMessage(raw []byte) string {
	var shaped struct {
		Error   string `json:"error"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &shaped) == nil {
		for _, s := range []string{shaped.Error, shaped.Detail, shaped.Message} {
			if s != "" {
				return s
			}
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return s
	}
	return "no response body"
}
