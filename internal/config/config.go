package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Whateverdoa/DEGIRO-2025/internal/notify"
	"github.com/Whateverdoa/DEGIRO-2025/internal/pacing"
	"github.com/Whateverdoa/DEGIRO-2025/internal/ratelimit"
	"github.com/Whateverdoa/DEGIRO-2025/internal/retry"
	"github.com/Whateverdoa/DEGIRO-2025/internal/session"
	"github.com/Whateverdoa/DEGIRO-2025/internal/util"
)

// Config is the root of config.toml.
type Config struct {
	Bridge        BridgeConfig      `toml:"bridge"`
	Credentials   CredentialsConfig `toml:"credentials"`
	RateLimit     RateLimitConfig   `toml:"rate_limit"`
	Retry         RetryConfig       `toml:"retry"`
	Session       SessionConfig     `toml:"session"`
	Pacing        PacingConfig      `toml:"pacing"`
	Monitor       MonitorConfig     `toml:"monitor"`
	Notifications notify.Config     `toml:"notifications"`
	Log           LogConfig         `toml:"log"`
}

// BridgeConfig locates the sidecar that fronts the remote endpoint.
type BridgeConfig struct {
	URL            string `toml:"url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// CredentialsConfig lists .env files read for credentials. Earlier files
// win; the process environment wins over all of them.
type CredentialsConfig struct {
	EnvFiles []string `toml:"env_files"`
}

// RateLimitConfig is the local sliding-window limit.
type RateLimitConfig struct {
	MaxCalls      int    `toml:"max_calls"`
	WindowSeconds int    `toml:"window_seconds"`
	StatePath     string `toml:"state_path"` // cooldown persisted across restarts
}

// RetryConfig configures transient-failure retries.
type RetryConfig struct {
	MaxAttempts     int `toml:"max_attempts"`
	BaseDelayMs     int `toml:"base_delay_ms"`
	MaxDelaySeconds int `toml:"max_delay_seconds"`
}

// SessionConfig configures the watchdog and reconnect backoff.
type SessionConfig struct {
	CheckIntervalSeconds      int    `toml:"check_interval_seconds"`
	ProbeTimeoutSeconds       int    `toml:"probe_timeout_seconds"`
	ReconnectBaseDelaySeconds int    `toml:"reconnect_base_delay_seconds"`
	ReconnectMaxDelaySeconds  int    `toml:"reconnect_max_delay_seconds"`
	MaxReconnectAttempts      int    `toml:"max_reconnect_attempts"`
	MaxRateLimitWaits         int    `toml:"max_rate_limit_waits"` // 0 = unbounded
	KeepAlive                 bool   `toml:"keep_alive"`
	KeepAliveEndpoint         string `toml:"keep_alive_endpoint"`
}

// PacingConfig configures human-like pacing.
type PacingConfig struct {
	Enabled              bool    `toml:"enabled"`
	MaxActions           int     `toml:"max_actions"`
	DistractionChance    float64 `toml:"distraction_chance"`
	ActiveSessionMinutes [2]int  `toml:"active_session_minutes"` // [min, max]
	IdleSessionMinutes   [2]int  `toml:"idle_session_minutes"`
	ActiveStart          string  `toml:"active_start"` // HH:MM
	ActiveEnd            string  `toml:"active_end"`
	WeekdaysOnly         bool    `toml:"weekdays_only"`
	Timezone             string  `toml:"timezone"` // IANA name, empty = local
}

// MonitorConfig configures metrics, alerting and the HTTP listener.
type MonitorConfig struct {
	BufferSize              int    `toml:"buffer_size"`
	WindowMinutes           int    `toml:"window_minutes"`
	EvaluateIntervalSeconds int    `toml:"evaluate_interval_seconds"`
	RulesFile               string `toml:"rules_file"`
	Listen                  string `toml:"listen"` // empty disables the HTTP endpoints
	ExportPath              string `toml:"export_path"`
	ExportWindowHours       int    `toml:"export_window_hours"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
	File   string `toml:"file"`   // append here instead of stderr
}

// Default returns the built-in configuration.
func Default() *Config {
	pc := pacing.DefaultConfig()
	sc := session.DefaultConfig()
	rp := retry.DefaultPolicy()

	return &Config{
		Bridge: BridgeConfig{
			URL:            "http://127.0.0.1:8787",
			TimeoutSeconds: 15,
		},
		Credentials: CredentialsConfig{
			EnvFiles: []string{".env", "~/.config/degiro/credentials.env"},
		},
		RateLimit: RateLimitConfig{
			MaxCalls:      ratelimit.DefaultMaxCalls,
			WindowSeconds: int(ratelimit.DefaultWindow / time.Second),
			StatePath:     "~/.config/degiro/ratelimit_state.json",
		},
		Retry: RetryConfig{
			MaxAttempts:     rp.MaxAttempts,
			BaseDelayMs:     int(rp.BaseDelay / time.Millisecond),
			MaxDelaySeconds: int(rp.MaxDelay / time.Second),
		},
		Session: SessionConfig{
			CheckIntervalSeconds:      int(sc.CheckInterval / time.Second),
			ProbeTimeoutSeconds:       int(sc.ProbeTimeout / time.Second),
			ReconnectBaseDelaySeconds: int(sc.ReconnectBaseDelay / time.Second),
			ReconnectMaxDelaySeconds:  int(sc.ReconnectMaxDelay / time.Second),
			MaxReconnectAttempts:      sc.MaxReconnectAttempts,
			KeepAlive:                 true,
			KeepAliveEndpoint:         "account_info",
		},
		Pacing: PacingConfig{
			Enabled:              pc.Enabled,
			MaxActions:           pc.MaxActions,
			DistractionChance:    pc.DistractionChance,
			ActiveSessionMinutes: [2]int{int(pc.ActiveSessionMin / time.Minute), int(pc.ActiveSessionMax / time.Minute)},
			IdleSessionMinutes:   [2]int{int(pc.IdleSessionMin / time.Minute), int(pc.IdleSessionMax / time.Minute)},
			ActiveStart:          "09:00",
			ActiveEnd:            "17:30",
			WeekdaysOnly:         true,
		},
		Monitor: MonitorConfig{
			BufferSize:              1000,
			WindowMinutes:           5,
			EvaluateIntervalSeconds: 60,
			RulesFile:               "~/.config/degiro/alert_rules.yaml",
			Listen:                  "127.0.0.1:9464",
			ExportPath:              "~/.config/degiro/metrics_export.json",
			ExportWindowHours:       24,
		},
		Notifications: notify.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the default config file path
func DefaultPath() string {
	if env := os.Getenv("DEGIRO_CONFIG"); env != "" {
		return ExpandHome(env)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "degiro", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		// Fallback to /tmp when home directory is unavailable (e.g., containers)
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "degiro", "config.toml")
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	// 1. Initialize with defaults
	cfg := Default()

	// 2. Read and unmarshal TOML over defaults
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// 3. Apply Environment Variable Overrides (Env > TOML > Default)
	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEGIRO_BRIDGE_URL"); v != "" {
		cfg.Bridge.URL = v
	}
	if v := os.Getenv("DEGIRO_API_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimit.MaxCalls = n
		}
	}
	if v := os.Getenv("DEGIRO_PACING_ENABLED"); v != "" {
		cfg.Pacing.Enabled = v == "1" || v == "true"
	}
	if v := os.Getenv("DEGIRO_METRICS_LISTEN"); v != "" {
		cfg.Monitor.Listen = v
	}
	if v := os.Getenv("DEGIRO_ALERT_RULES"); v != "" {
		cfg.Monitor.RulesFile = v
	}
	if v := os.Getenv("DEGIRO_WEBHOOK_URL"); v != "" {
		cfg.Notifications.Webhook.URL = v
		cfg.Notifications.Webhook.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

// CreateDefault creates a default config file
func CreateDefault() (string, error) {
	path := DefaultPath()

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	// Check if file already exists
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("config file already exists: %s", path)
	}

	var buffer strings.Builder
	if err := Print(Default(), &buffer); err != nil {
		return "", err
	}

	if err := util.AtomicWriteFile(path, []byte(buffer.String()), 0600); err != nil {
		return "", err
	}

	return path, nil
}

// Print writes cfg as a commented TOML file.
func Print(cfg *Config, w io.Writer) error {
	fmt.Fprintln(w, "# DEGIRO session layer configuration")
	fmt.Fprintln(w, "# Environment overrides: DEGIRO_BRIDGE_URL, DEGIRO_API_RATE_LIMIT, DEGIRO_PACING_ENABLED,")
	fmt.Fprintln(w, "# DEGIRO_METRICS_LISTEN, DEGIRO_ALERT_RULES, DEGIRO_WEBHOOK_URL, LOG_LEVEL")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[bridge]")
	fmt.Fprintln(w, "# Local sidecar that fronts the remote endpoint")
	fmt.Fprintf(w, "url = %q\n", cfg.Bridge.URL)
	fmt.Fprintf(w, "timeout_seconds = %d\n", cfg.Bridge.TimeoutSeconds)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[credentials]")
	fmt.Fprintln(w, "# DEGIRO_USERNAME / DEGIRO_PASSWORD / DEGIRO_TOTP_SECRET are read from the")
	fmt.Fprintln(w, "# environment first, then from these files in order")
	fmt.Fprintf(w, "env_files = %s\n", renderTOMLStringArray(cfg.Credentials.EnvFiles))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[rate_limit]")
	fmt.Fprintf(w, "max_calls = %d\n", cfg.RateLimit.MaxCalls)
	fmt.Fprintf(w, "window_seconds = %d\n", cfg.RateLimit.WindowSeconds)
	fmt.Fprintf(w, "state_path = %q\n", cfg.RateLimit.StatePath)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[retry]")
	fmt.Fprintf(w, "max_attempts = %d\n", cfg.Retry.MaxAttempts)
	fmt.Fprintf(w, "base_delay_ms = %d\n", cfg.Retry.BaseDelayMs)
	fmt.Fprintf(w, "max_delay_seconds = %d\n", cfg.Retry.MaxDelaySeconds)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[session]")
	fmt.Fprintf(w, "check_interval_seconds = %d\n", cfg.Session.CheckIntervalSeconds)
	fmt.Fprintf(w, "probe_timeout_seconds = %d\n", cfg.Session.ProbeTimeoutSeconds)
	fmt.Fprintf(w, "reconnect_base_delay_seconds = %d\n", cfg.Session.ReconnectBaseDelaySeconds)
	fmt.Fprintf(w, "reconnect_max_delay_seconds = %d\n", cfg.Session.ReconnectMaxDelaySeconds)
	fmt.Fprintf(w, "max_reconnect_attempts = %d\n", cfg.Session.MaxReconnectAttempts)
	fmt.Fprintln(w, "# 0 absorbs remote rate limits indefinitely")
	fmt.Fprintf(w, "max_rate_limit_waits = %d\n", cfg.Session.MaxRateLimitWaits)
	fmt.Fprintf(w, "keep_alive = %t\n", cfg.Session.KeepAlive)
	fmt.Fprintf(w, "keep_alive_endpoint = %q\n", cfg.Session.KeepAliveEndpoint)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[pacing]")
	fmt.Fprintf(w, "enabled = %t\n", cfg.Pacing.Enabled)
	fmt.Fprintf(w, "max_actions = %d\n", cfg.Pacing.MaxActions)
	fmt.Fprintf(w, "distraction_chance = %g\n", cfg.Pacing.DistractionChance)
	fmt.Fprintf(w, "active_session_minutes = [%d, %d]\n", cfg.Pacing.ActiveSessionMinutes[0], cfg.Pacing.ActiveSessionMinutes[1])
	fmt.Fprintf(w, "idle_session_minutes = [%d, %d]\n", cfg.Pacing.IdleSessionMinutes[0], cfg.Pacing.IdleSessionMinutes[1])
	fmt.Fprintf(w, "active_start = %q\n", cfg.Pacing.ActiveStart)
	fmt.Fprintf(w, "active_end = %q\n", cfg.Pacing.ActiveEnd)
	fmt.Fprintf(w, "weekdays_only = %t\n", cfg.Pacing.WeekdaysOnly)
	if cfg.Pacing.Timezone != "" {
		fmt.Fprintf(w, "timezone = %q\n", cfg.Pacing.Timezone)
	} else {
		fmt.Fprintln(w, "# timezone = \"Europe/Amsterdam\"")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[monitor]")
	fmt.Fprintf(w, "buffer_size = %d\n", cfg.Monitor.BufferSize)
	fmt.Fprintf(w, "window_minutes = %d\n", cfg.Monitor.WindowMinutes)
	fmt.Fprintf(w, "evaluate_interval_seconds = %d\n", cfg.Monitor.EvaluateIntervalSeconds)
	fmt.Fprintf(w, "rules_file = %q\n", cfg.Monitor.RulesFile)
	fmt.Fprintln(w, "# /metrics, /healthz, /status and /stats; empty disables")
	fmt.Fprintf(w, "listen = %q\n", cfg.Monitor.Listen)
	fmt.Fprintf(w, "export_path = %q\n", cfg.Monitor.ExportPath)
	fmt.Fprintf(w, "export_window_hours = %d\n", cfg.Monitor.ExportWindowHours)
	fmt.Fprintln(w)

	n := cfg.Notifications
	fmt.Fprintln(w, "[notifications]")
	fmt.Fprintf(w, "enabled = %t\n", n.Enabled)
	fmt.Fprintf(w, "events = %s\n", renderTOMLStringArray(n.Events))
	fmt.Fprintf(w, "rate_per_minute = %d\n", n.RatePerMinute)
	fmt.Fprintf(w, "burst = %d\n", n.Burst)
	if n.Primary != "" {
		fmt.Fprintf(w, "primary = %q\n", n.Primary)
	}
	if n.Fallback != "" {
		fmt.Fprintf(w, "fallback = %q\n", n.Fallback)
	}
	fmt.Fprintln(w)
	if len(n.Routing) > 0 {
		fmt.Fprintln(w, "[notifications.routing]")
		keys := make([]string, 0, len(n.Routing))
		for k := range n.Routing {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%q = %s\n", k, renderTOMLStringArray(n.Routing[k]))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "[notifications.desktop]")
	fmt.Fprintf(w, "enabled = %t\n", n.Desktop.Enabled)
	fmt.Fprintf(w, "title = %q\n", n.Desktop.Title)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[notifications.webhook]")
	fmt.Fprintf(w, "enabled = %t\n", n.Webhook.Enabled)
	fmt.Fprintf(w, "url = %q\n", n.Webhook.URL)
	fmt.Fprintf(w, "method = %q\n", n.Webhook.Method)
	fmt.Fprintf(w, "template = %q\n", n.Webhook.Template)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[notifications.shell]")
	fmt.Fprintf(w, "enabled = %t\n", n.Shell.Enabled)
	fmt.Fprintf(w, "command = %q\n", n.Shell.Command)
	fmt.Fprintf(w, "pass_json = %t\n", n.Shell.PassJSON)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[notifications.log]")
	fmt.Fprintf(w, "enabled = %t\n", n.Log.Enabled)
	fmt.Fprintf(w, "path = %q\n", n.Log.Path)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[log]")
	fmt.Fprintln(w, "# debug, info, warn, error")
	fmt.Fprintf(w, "level = %q\n", cfg.Log.Level)
	fmt.Fprintln(w, "# text, json")
	fmt.Fprintf(w, "format = %q\n", cfg.Log.Format)
	if cfg.Log.File != "" {
		fmt.Fprintf(w, "file = %q\n", cfg.Log.File)
	} else {
		fmt.Fprintln(w, "# file = \"~/.config/degiro/degiro.log\"")
	}

	return nil
}

func renderTOMLStringArray(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// ExpandHome expands the tilde (~) in a path to the user's home directory.
// Supports "~" and "~/path" formats.
func ExpandHome(path string) string {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			return home
		}
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}

	return path
}

// ExpandedEnvFiles returns the credential files with ~ expanded.
func (c *CredentialsConfig) ExpandedEnvFiles() []string {
	out := make([]string, len(c.EnvFiles))
	for i, f := range c.EnvFiles {
		out[i] = ExpandHome(f)
	}
	return out
}

// Window returns the limiter window.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// Policy converts the section to a retry.Policy.
func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   time.Duration(c.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(c.MaxDelaySeconds) * time.Second,
	}
}

// Controller converts the section to a session.Config.
func (c SessionConfig) Controller() session.Config {
	return session.Config{
		CheckInterval:        time.Duration(c.CheckIntervalSeconds) * time.Second,
		ProbeTimeout:         time.Duration(c.ProbeTimeoutSeconds) * time.Second,
		ReconnectBaseDelay:   time.Duration(c.ReconnectBaseDelaySeconds) * time.Second,
		ReconnectMaxDelay:    time.Duration(c.ReconnectMaxDelaySeconds) * time.Second,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		MaxRateLimitWaits:    c.MaxRateLimitWaits,
	}
}

// Scheduler converts the section to a pacing.Config. Knobs the file does
// not expose keep their defaults.
func (c PacingConfig) Scheduler() (pacing.Config, error) {
	pc := pacing.DefaultConfig()
	pc.Enabled = c.Enabled
	pc.MaxActions = c.MaxActions
	pc.DistractionChance = c.DistractionChance
	pc.ActiveSessionMin = time.Duration(c.ActiveSessionMinutes[0]) * time.Minute
	pc.ActiveSessionMax = time.Duration(c.ActiveSessionMinutes[1]) * time.Minute
	pc.IdleSessionMin = time.Duration(c.IdleSessionMinutes[0]) * time.Minute
	pc.IdleSessionMax = time.Duration(c.IdleSessionMinutes[1]) * time.Minute
	pc.Window.WeekdaysOnly = c.WeekdaysOnly

	var err error
	if pc.Window.Start, err = pacing.ParseClock(c.ActiveStart); err != nil {
		return pc, fmt.Errorf("active_start: %w", err)
	}
	if pc.Window.End, err = pacing.ParseClock(c.ActiveEnd); err != nil {
		return pc, fmt.Errorf("active_end: %w", err)
	}
	if c.Timezone != "" {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return pc, fmt.Errorf("timezone: %w", err)
		}
		pc.Window.Location = loc
	}
	return pc, nil
}

// Window returns the alert evaluation window.
func (c MonitorConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// Validate checks the configuration for errors and returns all issues found
func Validate(cfg *Config) []error {
	if cfg == nil {
		return []error{fmt.Errorf("config is nil")}
	}

	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %d", name, v))
		}
	}
	nonNegative := func(name string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s: must be non-negative, got %d", name, v))
		}
	}

	if cfg.Bridge.URL == "" {
		errs = append(errs, fmt.Errorf("bridge.url: must not be empty"))
	} else if !strings.HasPrefix(cfg.Bridge.URL, "http://") && !strings.HasPrefix(cfg.Bridge.URL, "https://") {
		errs = append(errs, fmt.Errorf("bridge.url: must be an http(s) URL, got %q", cfg.Bridge.URL))
	}
	positive("bridge.timeout_seconds", cfg.Bridge.TimeoutSeconds)

	positive("rate_limit.max_calls", cfg.RateLimit.MaxCalls)
	positive("rate_limit.window_seconds", cfg.RateLimit.WindowSeconds)

	positive("retry.max_attempts", cfg.Retry.MaxAttempts)
	nonNegative("retry.base_delay_ms", cfg.Retry.BaseDelayMs)
	nonNegative("retry.max_delay_seconds", cfg.Retry.MaxDelaySeconds)

	positive("session.check_interval_seconds", cfg.Session.CheckIntervalSeconds)
	positive("session.probe_timeout_seconds", cfg.Session.ProbeTimeoutSeconds)
	positive("session.reconnect_base_delay_seconds", cfg.Session.ReconnectBaseDelaySeconds)
	positive("session.max_reconnect_attempts", cfg.Session.MaxReconnectAttempts)
	nonNegative("session.max_rate_limit_waits", cfg.Session.MaxRateLimitWaits)
	if cfg.Session.ReconnectMaxDelaySeconds < cfg.Session.ReconnectBaseDelaySeconds {
		errs = append(errs, fmt.Errorf("session.reconnect_max_delay_seconds: must be >= reconnect_base_delay_seconds"))
	}
	if cfg.Session.KeepAlive && cfg.Session.KeepAliveEndpoint == "" {
		errs = append(errs, fmt.Errorf("session.keep_alive_endpoint: required when keep_alive is on"))
	}

	if cfg.Pacing.DistractionChance < 0 || cfg.Pacing.DistractionChance > 1 {
		errs = append(errs, fmt.Errorf("pacing.distraction_chance: must be between 0.0 and 1.0, got %.2f", cfg.Pacing.DistractionChance))
	}
	nonNegative("pacing.max_actions", cfg.Pacing.MaxActions)
	minutesRange := func(name string, r [2]int) {
		if r[0] <= 0 || r[1] < r[0] {
			errs = append(errs, fmt.Errorf("%s: want 0 < min <= max, got %v", name, r))
		}
	}
	minutesRange("pacing.active_session_minutes", cfg.Pacing.ActiveSessionMinutes)
	minutesRange("pacing.idle_session_minutes", cfg.Pacing.IdleSessionMinutes)
	if _, err := cfg.Pacing.Scheduler(); err != nil {
		errs = append(errs, fmt.Errorf("pacing.%w", err))
	}

	positive("monitor.buffer_size", cfg.Monitor.BufferSize)
	positive("monitor.window_minutes", cfg.Monitor.WindowMinutes)
	positive("monitor.evaluate_interval_seconds", cfg.Monitor.EvaluateIntervalSeconds)
	nonNegative("monitor.export_window_hours", cfg.Monitor.ExportWindowHours)

	nonNegative("notifications.rate_per_minute", cfg.Notifications.RatePerMinute)
	for _, e := range cfg.Notifications.Events {
		if !knownEvent(e) {
			errs = append(errs, fmt.Errorf("notifications.events: unknown event %q", e))
		}
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: must be debug, info, warn or error, got %q", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: must be \"text\" or \"json\", got %q", cfg.Log.Format))
	}

	return errs
}

func knownEvent(e string) bool {
	switch notify.EventType(e) {
	case notify.EventAlertInfo, notify.EventAlertWarning, notify.EventAlertError,
		notify.EventAlertCritical, notify.EventSessionReconnected, notify.EventSessionFailed:
		return true
	}
	return false
}
