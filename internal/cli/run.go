package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Whateverdoa/DEGIRO-2025/internal/pacing"
	"github.com/Whateverdoa/DEGIRO-2025/internal/serve"
	"github.com/Whateverdoa/DEGIRO-2025/internal/session"
)

// errSessionFailed is returned by run when reconnection was exhausted.
var errSessionFailed = errors.New("session failed: reconnect attempts exhausted")

func newRunCmd() *cobra.Command {
	var noKeepAlive bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Hold the session open until interrupted",
		Long: `Connect to the trading endpoint and keep the session alive.

The watchdog probes the session and reconnects with backoff when it is
lost. Alert rules are evaluated on a timer and delivered through the
configured notification channels. With [monitor] listen set, /healthz,
/status, /stats, /alerts and /metrics are served on that address.

On SIGINT or SIGTERM the session is closed, the metrics snapshot is
exported and the rate-limit cooldown is saved.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg, slog.Default())
			if err != nil {
				return err
			}
			if noKeepAlive {
				a.cfg.Session.KeepAlive = false
			}
			return a.run(ctx)
		},
	}
	cmd.Flags().BoolVar(&noKeepAlive, "no-keep-alive", false, "Do not issue periodic keep-alive calls")
	return cmd
}

// run starts every component, blocks until ctx is done or the session
// fails, then shuts down in reverse order.
func (a *app) run(ctx context.Context) error {
	if err := a.controller.Start(ctx); err != nil {
		a.saveState()
		return fmt.Errorf("start session: %w", err)
	}

	a.engine.Start(ctx)
	watcher := a.startRuleWatcher(ctx)

	serveErr := make(chan error, 1)
	if a.cfg.Monitor.Listen != "" {
		srv := serve.New(serve.Config{
			Addr:     a.cfg.Monitor.Listen,
			Session:  a.controller,
			Monitor:  a.monitor,
			Engine:   a.engine,
			Gatherer: a.registry,
			Window:   a.cfg.Monitor.Window(),
			Logger:   a.logger,
		})
		go func() { serveErr <- srv.Start(ctx) }()
	}

	if a.cfg.Session.KeepAlive {
		go a.keepAlive(ctx)
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case <-a.failed:
		runErr = errSessionFailed
	case err := <-serveErr:
		if err != nil {
			runErr = err
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.controller.Stop(stopCtx); err != nil {
		a.logger.Warn("session stop", "error", err)
	}
	a.engine.Stop()
	if watcher != nil {
		watcher.Stop()
	}
	a.exportSnapshot()
	a.saveState()
	return runErr
}

// keepAlive issues a cheap read on the pacer's activity-dependent
// interval so the remote side sees a live session.
func (a *app) keepAlive(ctx context.Context) {
	endpoint := a.cfg.Session.KeepAliveEndpoint
	for {
		wait := a.pacer.NextInterval()
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		if !a.pacer.ShouldPoll() || a.controller.State() != session.StateConnected {
			continue
		}
		if _, err := a.controller.Call(ctx, pacing.ActionGeneral, session.Request{Endpoint: endpoint}); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("keep-alive call failed", "endpoint", endpoint, "error", err)
		}
	}
}
