package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Whateverdoa/DEGIRO-2025/internal/bridge"
	"github.com/Whateverdoa/DEGIRO-2025/internal/config"
	"github.com/Whateverdoa/DEGIRO-2025/internal/credentials"
	"github.com/Whateverdoa/DEGIRO-2025/internal/monitor"
	"github.com/Whateverdoa/DEGIRO-2025/internal/notify"
	"github.com/Whateverdoa/DEGIRO-2025/internal/pacing"
	"github.com/Whateverdoa/DEGIRO-2025/internal/ratelimit"
	"github.com/Whateverdoa/DEGIRO-2025/internal/retry"
	"github.com/Whateverdoa/DEGIRO-2025/internal/session"
)

// app is every runtime component built from one Config.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	pacer      *pacing.Scheduler
	limiter    *ratelimit.Limiter
	retrier    *retry.Executor
	monitor    *monitor.Monitor
	engine     *monitor.Engine
	notifier   *notify.Notifier
	client     *bridge.Client
	controller *session.Controller
	registry   *prometheus.Registry

	statePath string
	failed    chan struct{}
}

// newApp wires the components together. Nothing is started and no
// connection is made.
func newApp(c *config.Config, logger *slog.Logger) (*app, error) {
	if errs := config.Validate(c); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %w", errs[0])
	}
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := c.Pacing.Scheduler()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    c,
		logger: logger,
		failed: make(chan struct{}, 1),
	}

	a.pacer = pacing.New(pc, pacing.WithLogger(logger))

	a.limiter = ratelimit.NewLimiter(c.RateLimit.MaxCalls, c.RateLimit.Window())
	if c.RateLimit.StatePath != "" {
		a.statePath = config.ExpandHome(c.RateLimit.StatePath)
		if err := a.limiter.LoadState(a.statePath); err != nil {
			logger.Warn("could not restore rate limit state", "path", a.statePath, "error", err)
		}
	}

	a.retrier = retry.New(c.Retry.Policy(), retry.WithLogger(logger))
	a.monitor = monitor.New(monitor.WithBufferSize(c.Monitor.BufferSize), monitor.WithLogger(logger))

	a.engine = monitor.NewEngine(a.monitor,
		monitor.WithWindow(c.Monitor.Window()),
		monitor.WithInterval(time.Duration(c.Monitor.EvaluateIntervalSeconds)*time.Second),
		monitor.WithEngineLogger(logger),
	)
	for _, r := range monitor.DefaultRules() {
		if err := a.engine.AddRule(r); err != nil {
			return nil, fmt.Errorf("default rule %s: %w", r.Name, err)
		}
	}
	if c.Monitor.RulesFile != "" {
		rules, err := monitor.LoadRules(config.ExpandHome(c.Monitor.RulesFile))
		if err != nil {
			return nil, err
		}
		if _, err := a.engine.AddRules(rules); err != nil {
			return nil, err
		}
	}

	a.notifier = notify.New(c.Notifications, notify.WithLogger(logger))
	a.engine.OnAny(func(ev monitor.Event) {
		a.notify(notify.FromAlert(ev))
	})

	a.client = bridge.NewClient(c.Bridge.URL,
		bridge.WithTimeout(time.Duration(c.Bridge.TimeoutSeconds)*time.Second),
		bridge.WithUserAgent(a.pacer.UserAgent),
		bridge.WithLogger(logger),
	)

	creds := credentials.NewEnvProvider(c.Credentials.ExpandedEnvFiles()...)
	a.controller = session.New(a.client, creds, c.Session.Controller(),
		session.WithLimiter(a.limiter),
		session.WithRetry(a.retrier),
		session.WithPacer(a.pacer),
		session.WithMonitor(a.monitor),
		session.WithLogger(logger),
	)
	a.controller.OnReconnect(func() {
		st := a.controller.Status()
		var id string
		if st.Session != nil {
			id = st.Session.ID
		}
		a.notify(notify.NewSessionReconnectedEvent(id, st.TotalReconnects))
	})
	a.controller.OnDisconnect(func() {
		if a.controller.State() != session.StateFailed {
			return
		}
		st := a.controller.Status()
		a.notify(notify.NewSessionFailedEvent(st.LastError, st.ReconnectAttempts))
		select {
		case a.failed <- struct{}{}:
		default:
		}
	})

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		monitor.NewCollector(a.monitor, a.engine, c.Monitor.Window()),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return a, nil
}

// notify delivers an event without blocking the caller.
func (a *app) notify(ev notify.Event) {
	if !a.notifier.Wants(ev.Type) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.notifier.Notify(ctx, ev); err != nil {
			a.logger.Warn("notification failed", "type", string(ev.Type), "error", err)
		}
	}()
}

// startRuleWatcher hot-reloads the rules file. It returns nil when the
// file's directory does not exist.
func (a *app) startRuleWatcher(ctx context.Context) *monitor.RuleWatcher {
	if a.cfg.Monitor.RulesFile == "" {
		return nil
	}
	path := config.ExpandHome(a.cfg.Monitor.RulesFile)
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		a.logger.Debug("rules directory missing, not watching", "path", path)
		return nil
	}
	w := monitor.NewRuleWatcher(a.engine, path,
		monitor.WithWatcherLogger(a.logger),
		monitor.WithReloadCallback(func(added []string, err error) {
			if err != nil {
				a.logger.Warn("alert rules reload failed", "error", err)
			}
		}),
	)
	if err := w.Start(ctx); err != nil {
		a.logger.Warn("could not watch alert rules", "error", err)
		return nil
	}
	return w
}

// saveState persists the rate-limit cooldown.
func (a *app) saveState() {
	if a.statePath == "" {
		return
	}
	if err := a.limiter.SaveState(a.statePath); err != nil {
		a.logger.Warn("could not save rate limit state", "path", a.statePath, "error", err)
	}
}

// exportSnapshot writes the metrics export file, if configured.
func (a *app) exportSnapshot() {
	if a.cfg.Monitor.ExportPath == "" {
		return
	}
	path := config.ExpandHome(a.cfg.Monitor.ExportPath)
	window := time.Duration(a.cfg.Monitor.ExportWindowHours) * time.Hour
	if err := a.monitor.ExportSnapshot(path, window); err != nil {
		a.logger.Warn("metrics export failed", "path", path, "error", err)
		return
	}
	a.logger.Info("metrics exported", "path", path)
}
