package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce collapses bursts of editor writes into one reload.
const DefaultReloadDebounce = 250 * time.Millisecond

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// RuleWatcher reloads a rules file when it changes and registers any rule
// it has not seen yet. Rules are never removed or modified at runtime.
type RuleWatcher struct {
	engine   *Engine
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onReload func(added []string, err error)

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// RuleWatcherOption configures a RuleWatcher.
type RuleWatcherOption func(*RuleWatcher)

// WithDebounce sets the reload debounce.
func WithDebounce(d time.Duration) RuleWatcherOption {
	return func(w *RuleWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithReloadCallback is called after every reload attempt.
func WithReloadCallback(fn func(added []string, err error)) RuleWatcherOption {
	return func(w *RuleWatcher) { w.onReload = fn }
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *slog.Logger) RuleWatcherOption {
	return func(w *RuleWatcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewRuleWatcher creates a watcher for path feeding engine.
func NewRuleWatcher(engine *Engine, path string, opts ...RuleWatcherOption) *RuleWatcher {
	w := &RuleWatcher{
		engine:   engine,
		path:     path,
		debounce: DefaultReloadDebounce,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Reload reads the rules file once and adds new rules.
func (w *RuleWatcher) Reload() ([]string, error) {
	rules, err := LoadRules(w.path)
	if err != nil {
		return nil, err
	}
	return w.engine.AddRules(rules)
}

// Start watches the directory holding the rules file, so that editors
// which replace the file by rename are picked up too.
func (w *RuleWatcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel
	w.wg.Add(1)
	go w.run(ctx, fw)
	w.logger.Info("watching alert rules", "path", w.path)
	return nil
}

// Stop ends the watch loop and waits for it.
func (w *RuleWatcher) Stop() {
	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	w.wg.Wait()
}

func (w *RuleWatcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer fw.Close()

	target := filepath.Clean(w.path)
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rules watcher error", "error", err)
		case <-timerCh:
			timerCh = nil
			added, err := w.Reload()
			if err != nil {
				w.logger.Warn("reloading alert rules failed", "path", w.path, "error", err)
			}
			if len(added) > 0 {
				w.logger.Info("alert rules added from file", "rules", added)
			}
			if w.onReload != nil {
				w.onReload(added, err)
			}
		}
	}
}
