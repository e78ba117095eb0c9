// Package notify delivers alert and session events to operators.
// Supports desktop notifications, webhooks, shell commands, and log files.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"golang.org/x/time/rate"

	"github.com/Whateverdoa/DEGIRO-2025/internal/monitor"
)

// EventType represents the type of notification event
type EventType string

const (
	EventAlertInfo          EventType = "alert.info"
	EventAlertWarning       EventType = "alert.warning"
	EventAlertError         EventType = "alert.error"
	EventAlertCritical      EventType = "alert.critical"
	EventSessionReconnected EventType = "session.reconnected"
	EventSessionFailed      EventType = "session.failed"
)

// Event represents a notification event
type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Session   string            `json:"session,omitempty"`
	Rule      string            `json:"rule,omitempty"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
}

// Config holds notification configuration
type Config struct {
	Enabled bool     `toml:"enabled"`
	Events  []string `toml:"events"` // Which events to notify on

	// Routing configuration (optional, for advanced routing)
	Primary  string              `toml:"primary"`  // Primary channel name
	Fallback string              `toml:"fallback"` // Fallback channel if primary fails
	Routing  map[string][]string `toml:"routing"`  // Event type -> ordered channel list

	// Outbound throttle across all channels. Events over the limit are
	// dropped and logged.
	RatePerMinute int `toml:"rate_per_minute"`
	Burst         int `toml:"burst"`

	Desktop DesktopConfig `toml:"desktop"`
	Webhook WebhookConfig `toml:"webhook"`
	Shell   ShellConfig   `toml:"shell"`
	Log     LogConfig     `toml:"log"`
}

// DesktopConfig configures desktop notifications
type DesktopConfig struct {
	Enabled bool   `toml:"enabled"`
	Title   string `toml:"title"` // Default title prefix
}

// WebhookConfig configures webhook notifications
type WebhookConfig struct {
	Enabled  bool              `toml:"enabled"`
	URL      string            `toml:"url"`
	Template string            `toml:"template"` // Go template for payload
	Method   string            `toml:"method"`   // HTTP method (default POST)
	Headers  map[string]string `toml:"headers"`
}

// ShellConfig configures shell command notifications
type ShellConfig struct {
	Enabled  bool   `toml:"enabled"`
	Command  string `toml:"command"`   // Command to run
	PassJSON bool   `toml:"pass_json"` // Pass event as JSON stdin
}

// LogConfig configures log file notifications
type LogConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"` // Log file path
}

// DefaultConfig returns a default notification configuration
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Events: []string{
			string(EventAlertError),
			string(EventAlertCritical),
			string(EventSessionFailed),
		},
		RatePerMinute: 12,
		Burst:         3,
		Desktop: DesktopConfig{
			Enabled: false,
			Title:   "DEGIRO",
		},
		Webhook: WebhookConfig{
			Enabled:  false,
			Method:   "POST",
			Template: `{"text": "DEGIRO: {{.Type}} - {{jsonEscape .Message}}"}`,
		},
		Shell: ShellConfig{
			Enabled:  false,
			PassJSON: true,
		},
		Log: LogConfig{
			Enabled: true,
			Path:    "~/.config/degiro/notifications.log",
		},
	}
}

// ChannelName identifies a notification channel
type ChannelName string

const (
	ChannelDesktop ChannelName = "desktop"
	ChannelWebhook ChannelName = "webhook"
	ChannelShell   ChannelName = "shell"
	ChannelLog     ChannelName = "log"
)

// Notifier sends notifications through configured channels
type Notifier struct {
	config     Config
	enabledSet map[EventType]bool
	channels   map[ChannelName]bool // Which channels are enabled
	limiter    *rate.Limiter
	logger     *slog.Logger
	mu         sync.Mutex
	httpClient *http.Client
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithHTTPClient replaces the webhook HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(n *Notifier) {
		if hc != nil {
			n.httpClient = hc
		}
	}
}

// New creates a new Notifier with the given configuration
func New(cfg Config, opts ...Option) *Notifier {
	cfg.Webhook.URL = os.ExpandEnv(cfg.Webhook.URL)
	cfg.Shell.Command = os.ExpandEnv(cfg.Shell.Command)
	cfg.Log.Path = os.ExpandEnv(cfg.Log.Path)
	headers := make(map[string]string, len(cfg.Webhook.Headers))
	for k, v := range cfg.Webhook.Headers {
		headers[k] = os.ExpandEnv(v)
	}
	cfg.Webhook.Headers = headers

	n := &Notifier{
		config:     cfg,
		enabledSet: make(map[EventType]bool),
		channels:   make(map[ChannelName]bool),
		logger:     slog.Default(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(n)
	}

	if cfg.RatePerMinute > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), burst)
	}

	for _, e := range cfg.Events {
		n.enabledSet[EventType(e)] = true
	}

	if cfg.Desktop.Enabled {
		n.channels[ChannelDesktop] = true
	}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		n.channels[ChannelWebhook] = true
	}
	if cfg.Shell.Enabled && cfg.Shell.Command != "" {
		n.channels[ChannelShell] = true
	}
	if cfg.Log.Enabled && cfg.Log.Path != "" {
		n.channels[ChannelLog] = true
	}

	return n
}

// Wants reports whether events of type t would be delivered.
func (n *Notifier) Wants(t EventType) bool {
	return n.config.Enabled && n.enabledSet[t]
}

// sendToChannel sends an event to a specific channel
func (n *Notifier) sendToChannel(ctx context.Context, ch ChannelName, event Event) error {
	if !n.channels[ch] {
		return fmt.Errorf("channel %s not enabled", ch)
	}

	switch ch {
	case ChannelDesktop:
		return n.sendDesktop(ctx, event)
	case ChannelWebhook:
		return n.sendWebhook(ctx, event)
	case ChannelShell:
		return n.sendShell(ctx, event)
	case ChannelLog:
		return n.sendLog(event)
	default:
		return fmt.Errorf("unknown channel: %s", ch)
	}
}

// getChannelsForEvent returns the ordered list of channels for an event type
func (n *Notifier) getChannelsForEvent(eventType EventType) []ChannelName {
	if n.config.Routing != nil {
		if channels, ok := n.config.Routing[string(eventType)]; ok && len(channels) > 0 {
			result := make([]ChannelName, 0, len(channels))
			for _, ch := range channels {
				result = append(result, ChannelName(ch))
			}
			return result
		}
	}

	if n.config.Primary != "" {
		channels := []ChannelName{ChannelName(n.config.Primary)}
		if n.config.Fallback != "" {
			channels = append(channels, ChannelName(n.config.Fallback))
		}
		return channels
	}

	channels := make([]ChannelName, 0, len(n.channels))
	for ch := range n.channels {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	return channels
}

// Notify sends a notification for the given event
func (n *Notifier) Notify(ctx context.Context, event Event) error {
	if !n.Wants(event.Type) {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if n.limiter != nil && !n.limiter.Allow() {
		n.logger.Warn("notification dropped by rate limit", "type", string(event.Type), "message", event.Message)
		return nil
	}

	channels := n.getChannelsForEvent(event.Type)
	if len(channels) == 0 {
		return nil
	}

	// With routing, try channels in order and stop on the first success.
	if n.config.Routing != nil || n.config.Primary != "" {
		var lastErr error
		for _, ch := range channels {
			if err := n.sendToChannel(ctx, ch, event); err != nil {
				lastErr = err
				continue
			}
			return nil
		}
		if lastErr != nil {
			return fmt.Errorf("all channels failed, last error: %w", lastErr)
		}
		return nil
	}

	var (
		wg    sync.WaitGroup
		errs  []error
		errMu sync.Mutex
	)
	for _, ch := range channels {
		wg.Add(1)
		go func(ch ChannelName) {
			defer wg.Done()
			if err := n.sendToChannel(ctx, ch, event); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", ch, err))
				errMu.Unlock()
			}
		}(ch)
	}
	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %v", errs)
	}
	return nil
}

// sendDesktop sends a desktop notification
func (n *Notifier) sendDesktop(ctx context.Context, event Event) error {
	title := n.config.Desktop.Title
	if title == "" {
		title = "DEGIRO"
	}
	if event.Rule != "" {
		title = fmt.Sprintf("%s [%s]", title, event.Rule)
	}

	message := event.Message
	if message == "" {
		message = string(event.Type)
	}

	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification %q with title %q`, message, title)
		return exec.CommandContext(ctx, "osascript", "-e", script).Run()
	case "linux":
		if _, err := exec.LookPath("notify-send"); err != nil {
			return fmt.Errorf("notify-send not found")
		}
		return exec.CommandContext(ctx, "notify-send", title, message).Run()
	default:
		return fmt.Errorf("desktop notifications not supported on %s", runtime.GOOS)
	}
}

// jsonEscape escapes a string for safe embedding in JSON.
func jsonEscape(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(b[1 : len(b)-1])
}

// sendWebhook sends a webhook notification
func (n *Notifier) sendWebhook(ctx context.Context, event Event) error {
	tmplStr := n.config.Webhook.Template
	if tmplStr == "" {
		tmplStr = `{"event":"{{.Type}}","message":"{{jsonEscape .Message}}","rule":"{{jsonEscape .Rule}}","timestamp":"{{.Timestamp}}"}`
	}

	tmpl, err := template.New("webhook").Funcs(template.FuncMap{"jsonEscape": jsonEscape}).Parse(tmplStr)
	if err != nil {
		return fmt.Errorf("invalid template: %w", err)
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, event); err != nil {
		return fmt.Errorf("template execution failed: %w", err)
	}

	method := n.config.Webhook.Method
	if method == "" {
		method = "POST"
	}

	req, err := http.NewRequestWithContext(ctx, method, n.config.Webhook.URL, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.config.Webhook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// sendShell executes a shell command notification
func (n *Notifier) sendShell(ctx context.Context, event Event) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", expandHome(n.config.Shell.Command))

	if n.config.Shell.PassJSON {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		cmd.Stdin = bytes.NewReader(eventJSON)
	}

	cmd.Env = append(os.Environ(),
		fmt.Sprintf("DEGIRO_EVENT_TYPE=%s", event.Type),
		fmt.Sprintf("DEGIRO_EVENT_MESSAGE=%s", event.Message),
		fmt.Sprintf("DEGIRO_EVENT_RULE=%s", event.Rule),
		fmt.Sprintf("DEGIRO_EVENT_SESSION=%s", event.Session),
	)
	return cmd.Run()
}

// sendLog appends to a log file
func (n *Notifier) sendLog(event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	path := expandHome(n.config.Log.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] %s: %s",
		event.Timestamp.Format(time.RFC3339),
		event.Type,
		event.Message,
	)
	if event.Rule != "" {
		line = fmt.Sprintf("[%s] [%s] %s: %s",
			event.Timestamp.Format(time.RFC3339),
			event.Rule,
			event.Type,
			event.Message,
		)
	}

	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("failed to write to log: %w", err)
	}
	return nil
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}

// Helper functions for creating common events

// FromAlert converts a fired alert into a notification event.
func FromAlert(ev monitor.Event) Event {
	return Event{
		Type:      EventType("alert." + string(ev.Severity)),
		Timestamp: ev.FiredAt,
		Rule:      ev.Rule,
		Message:   ev.Message,
		Details: map[string]string{
			"alert_id":  ev.ID,
			"value":     fmt.Sprintf("%g", ev.Value),
			"threshold": fmt.Sprintf("%g", ev.Threshold),
		},
	}
}

// NewSessionReconnectedEvent creates a reconnect notification event
func NewSessionReconnectedEvent(sessionID string, totalReconnects int) Event {
	return Event{
		Type:    EventSessionReconnected,
		Session: sessionID,
		Message: fmt.Sprintf("Session reconnected (%d reconnects so far)", totalReconnects),
		Details: map[string]string{
			"total_reconnects": fmt.Sprintf("%d", totalReconnects),
		},
	}
}

// NewSessionFailedEvent creates a session failure notification event
func NewSessionFailedEvent(lastError string, attempts int) Event {
	return Event{
		Type:    EventSessionFailed,
		Message: fmt.Sprintf("Session failed after %d reconnect attempts: %s", attempts, lastError),
		Details: map[string]string{
			"attempts":   fmt.Sprintf("%d", attempts),
			"last_error": lastError,
		},
	}
}
