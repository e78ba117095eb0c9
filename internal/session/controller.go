package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Whateverdoa/DEGIRO-2025/internal/apierr"
	"github.com/Whateverdoa/DEGIRO-2025/internal/monitor"
	"github.com/Whateverdoa/DEGIRO-2025/internal/pacing"
	"github.com/Whateverdoa/DEGIRO-2025/internal/ratelimit"
	"github.com/Whateverdoa/DEGIRO-2025/internal/retry"
)

// Controller owns the Connection and its state machine.
//
// Disconnected -> Connecting -> Connected on Start. A failed probe or a
// session-expired call moves Connected to Reconnecting, and the watchdog
// then reconnects with exponential backoff. Failed is entered when the
// attempts run out or the credentials are rejected; only Start leaves it.
type Controller struct {
	conn    Connection
	creds   CredentialProvider
	cfg     Config
	limiter *ratelimit.Limiter
	retrier *retry.Executor
	pacer   *pacing.Scheduler
	monitor *monitor.Monitor
	logger  *slog.Logger
	now     func() time.Time
	sleep   retry.SleepFunc

	mu                sync.Mutex
	state             State
	record            *Record
	reconnectAttempts int
	totalReconnects   int
	lastCheck         time.Time
	lastError         string
	onReconnect       []func()
	onDisconnect      []func()

	// epoch changes on every Start and Stop, so a Start whose login
	// finishes after a Stop can tell that it was cancelled.
	epoch uint64

	wake       chan struct{}
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithLimiter sets the rate limiter shared by every call.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *Controller) {
		if l != nil {
			c.limiter = l
		}
	}
}

// WithRetry sets the retry executor wrapped around operations.
func WithRetry(e *retry.Executor) Option {
	return func(c *Controller) {
		if e != nil {
			c.retrier = e
		}
	}
}

// WithPacer sets the pacing scheduler.
func WithPacer(s *pacing.Scheduler) Option {
	return func(c *Controller) {
		if s != nil {
			c.pacer = s
		}
	}
}

// WithMonitor sets the metrics sink.
func WithMonitor(m *monitor.Monitor) Option {
	return func(c *Controller) {
		if m != nil {
			c.monitor = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSleep replaces the reconnect backoff wait.
func WithSleep(fn retry.SleepFunc) Option {
	return func(c *Controller) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// New creates a Controller in the Disconnected state.
func New(conn Connection, creds CredentialProvider, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		conn:    conn,
		creds:   creds,
		cfg:     cfg.withDefaults(),
		limiter: ratelimit.NewLimiter(ratelimit.DefaultMaxCalls, ratelimit.DefaultWindow),
		retrier: retry.New(retry.DefaultPolicy()),
		pacer:   pacing.New(pacing.DefaultConfig()),
		monitor: monitor.New(),
		logger:  slog.Default(),
		now:     time.Now,
		sleep:   retry.Sleep,
		state:   StateDisconnected,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "session")
	return c
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnReconnect registers fn to run after every successful reconnect.
func (c *Controller) OnReconnect(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// OnDisconnect registers fn to run when a live session ends, either by
// Stop or by entering Failed. Callbacks for Failed run on the watchdog
// goroutine and must not call Stop synchronously.
func (c *Controller) OnDisconnect(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// Start connects and launches the watchdog. It is allowed from
// Disconnected and from Failed; the latter is the explicit reset.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateFailed {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("session already %s", state)
	}
	prev := c.state
	c.state = StateConnecting
	c.reconnectAttempts = 0
	c.lastError = ""
	c.epoch++
	epoch := c.epoch
	stale := c.cancelFunc
	c.cancelFunc = nil
	c.mu.Unlock()

	// A watchdog that entered Failed has already returned; reap it.
	if stale != nil {
		stale()
	}
	c.wg.Wait()

	c.logger.Info("starting session", "from", string(prev))
	if err := c.connect(ctx); err != nil {
		c.mu.Lock()
		if c.epoch == epoch {
			c.state = StateDisconnected
			c.lastError = err.Error()
		}
		c.mu.Unlock()
		c.logger.Error("session start failed", "error", err)
		return err
	}

	now := c.now()
	budget := c.pacer.BeginSession()

	c.mu.Lock()
	if c.epoch != epoch || c.state != StateConnecting {
		c.mu.Unlock()
		c.dropConnection(ctx)
		c.pacer.EndSession()
		c.logger.Info("session stopped while connecting")
		return fmt.Errorf("session stopped while connecting")
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	sessionID := c.establishLocked(now)
	c.cancelFunc = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.watch(watchCtx)

	c.logger.Info("session connected", "session_id", sessionID, "pacing_budget", budget)
	return nil
}

// establishLocked records a fresh live session and returns its id.
// c.mu must be held.
func (c *Controller) establishLocked(now time.Time) string {
	c.state = StateConnected
	c.reconnectAttempts = 0
	c.record = newRecord(now)
	c.lastCheck = now
	c.lastError = ""
	return c.record.ID
}

// dropConnection closes whatever the remote side still holds. Errors are
// only logged; the session is being replaced either way.
func (c *Controller) dropConnection(ctx context.Context) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ProbeTimeout)
	defer cancel()
	if err := c.conn.Disconnect(dctx); err != nil {
		c.logger.Warn("disconnect of stale session failed", "error", err)
	}
}

// connect fetches credentials and performs one paced, rate-limited login.
func (c *Controller) connect(ctx context.Context) error {
	creds, err := c.creds.Get(ctx)
	if err != nil {
		return err
	}
	if err := creds.Validate(); err != nil {
		return err
	}
	if _, err := c.pacer.Before(ctx, pacing.ActionLogin); err != nil {
		return err
	}
	if err := c.limiter.Acquire(ctx); err != nil {
		return err
	}

	start := c.now()
	err = c.conn.Connect(ctx, creds)
	c.monitor.RecordRequest("login", c.now().Sub(start), err)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.pacer.After(ctx)
	return nil
}

// Stop halts the watchdog, waits for it, and closes the session. Disconnect
// callbacks run if a session was live. Stopping from Failed only resets the
// state to Disconnected. A Stop that lands while Start is still logging in
// makes that Start close its new connection and return an error.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancelFunc
	c.cancelFunc = nil
	c.epoch++
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	prev := c.state
	record := c.record
	c.record = nil
	c.state = StateDisconnected
	callbacks := append([]func(){}, c.onDisconnect...)
	c.mu.Unlock()

	if prev == StateDisconnected || prev == StateFailed || prev == StateConnecting {
		return nil
	}

	err := c.conn.Disconnect(ctx)
	if err != nil {
		c.logger.Warn("disconnect failed", "error", err)
	}
	c.endRecord(record)
	c.pacer.EndSession()
	c.runCallbacks("disconnect", callbacks)
	c.logger.Info("session stopped", "from", string(prev))
	return err
}

// Execute runs op against the live session. It fails fast with a
// session-expired error when not connected. Otherwise the call is paced,
// admitted by the limiter and retried on transient failures. Remote
// rate-limit responses are absorbed by penalizing the limiter and trying
// again; a session-expired failure hands the session to the watchdog.
func (c *Controller) Execute(ctx context.Context, action pacing.ActionType, endpoint string, op Operation) (Response, error) {
	if err := c.requireConnected(endpoint); err != nil {
		return Response{}, err
	}
	if _, err := c.pacer.Before(ctx, action); err != nil {
		return Response{}, err
	}

	inv := invoker{conn: c.conn}
	for waits := 0; ; waits++ {
		if err := c.requireConnected(endpoint); err != nil {
			return Response{}, err
		}
		if err := c.limiter.Acquire(ctx); err != nil {
			return Response{}, err
		}

		start := c.now()
		resp, out, err := retry.Do(ctx, c.retrier, func(ctx context.Context) (Response, error) {
			return op(ctx, inv)
		})
		c.monitor.RecordRequest(endpoint, c.now().Sub(start), err)

		if err == nil {
			c.touch()
			c.pacer.After(ctx)
			return resp, nil
		}

		switch apierr.Classify(err) {
		case apierr.KindRateLimited:
			if c.cfg.MaxRateLimitWaits > 0 && waits >= c.cfg.MaxRateLimitWaits {
				c.logger.Error("rate limit persisted, giving up", "endpoint", endpoint, "waits", waits)
				return Response{}, err
			}
			cooldown := c.limiter.Penalize(endpoint, apierr.RetryAfter(err))
			c.logger.Warn("remote rate limit, backing off",
				"endpoint", endpoint,
				"cooldown", ratelimit.FormatDelay(cooldown),
				"attempts", out.Attempts,
			)
			continue
		case apierr.KindSessionExpired:
			c.markLost("session expired during " + endpoint)
		}

		c.logger.Warn("operation failed",
			"endpoint", endpoint,
			"action", string(action),
			"attempts", out.Attempts,
			"kind", apierr.Classify(err).String(),
			"error", err,
		)
		return Response{}, err
	}
}

// Call invokes req as a single operation.
func (c *Controller) Call(ctx context.Context, action pacing.ActionType, req Request) (Response, error) {
	return c.Execute(ctx, action, req.Endpoint, func(ctx context.Context, inv Invoker) (Response, error) {
		return inv.Invoke(ctx, req)
	})
}

// ForceReconnect drops a connected session into Reconnecting and wakes the
// watchdog.
func (c *Controller) ForceReconnect() {
	c.markLost("forced reconnect")
}

func (c *Controller) requireConnected(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return apierr.SessionExpired(op)
	}
	return nil
}

func (c *Controller) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.record != nil {
		c.record.LastActivityAt = c.now()
		c.record.ActionCount++
	}
}

// markLost moves Connected to Reconnecting and wakes the watchdog.
func (c *Controller) markLost(reason string) {
	if c.lose(reason) {
		c.logger.Warn("session lost", "reason", reason)
		c.signal()
	}
}

// lose moves Connected to Reconnecting. It reports false when the session
// was not connected.
func (c *Controller) lose(reason string) bool {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return false
	}
	c.state = StateReconnecting
	c.reconnectAttempts = 0
	c.lastError = reason
	record := c.record
	c.record = nil
	c.mu.Unlock()

	c.endRecord(record)
	return true
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) endRecord(r *Record) {
	if r == nil {
		return
	}
	c.monitor.RecordSessionDuration(c.now().Sub(r.StartedAt))
}

func (c *Controller) runCallbacks(kind string, callbacks []func()) {
	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error(kind+" callback panicked", "panic", r)
				}
			}()
			fn()
		}()
	}
}

// invoker hides the Connection's lifecycle methods from operations.
type invoker struct {
	conn Connection
}

func (i invoker) Invoke(ctx context.Context, req Request) (Response, error) {
	return i.conn.Invoke(ctx, req)
}
