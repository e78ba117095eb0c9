package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Whateverdoa/DEGIRO-2025/internal/config"
	"github.com/Whateverdoa/DEGIRO-2025/internal/monitor"
	"github.com/Whateverdoa/DEGIRO-2025/internal/output"
	"github.com/Whateverdoa/DEGIRO-2025/internal/pacing"
	"github.com/Whateverdoa/DEGIRO-2025/internal/session"
)

// fakeBridge accepts any login and answers every invoke with a fixed body.
type fakeBridge struct {
	mu      sync.Mutex
	invokes []string
}

func (b *fakeBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case r.URL.Path == "/session" && r.Method == http.MethodPost:
		io.WriteString(w, `{"session_id":"s-1"}`)
	case r.URL.Path == "/session" && r.Method == http.MethodGet:
		io.WriteString(w, `{"alive":true}`)
	case r.URL.Path == "/session" && r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	case strings.HasPrefix(r.URL.Path, "/invoke/"):
		b.invokes = append(b.invokes, strings.TrimPrefix(r.URL.Path, "/invoke/"))
		io.WriteString(w, `{"cash":1250.5}`)
	default:
		http.NotFound(w, r)
	}
}

func (b *fakeBridge) invoked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.invokes...)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testConfig returns a config that touches only t.TempDir and the given
// bridge, with pacing off so nothing sleeps.
func testConfig(t *testing.T, bridgeURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("DEGIRO_USERNAME", "trader")
	t.Setenv("DEGIRO_PASSWORD", "secret")

	c := config.Default()
	c.Bridge.URL = bridgeURL
	c.Credentials.EnvFiles = nil
	c.RateLimit.StatePath = filepath.Join(dir, "ratelimit_state.json")
	c.Pacing.Enabled = false
	c.Monitor.RulesFile = filepath.Join(dir, "rules", "alert_rules.yaml")
	c.Monitor.ExportPath = filepath.Join(dir, "metrics_export.json")
	c.Monitor.Listen = ""
	c.Session.KeepAlive = false
	c.Notifications.Enabled = false
	return c
}

func quietLogger() *slog.Logger { return discardLogger() }

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewLoggerWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "degiro.log")
	logger, closer, err := newLogger(config.LogConfig{Level: "debug", Format: "json", File: path}, io.Discard)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	if closer == nil {
		t.Fatal("newLogger() closer = nil, want file closer")
	}
	logger.Debug("hello", "component", "test")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &line); err != nil {
		t.Fatalf("log line is not JSON: %q", data)
	}
	if line["msg"] != "hello" || line["component"] != "test" {
		t.Errorf("log line = %v", line)
	}
}

func TestNewLoggerStderrHasNoCloser(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := newLogger(config.LogConfig{Level: "warn", Format: "text"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if closer != nil {
		t.Error("closer != nil without a log file")
	}
	logger.Info("dropped")
	logger.Warn("kept")
	if out := buf.String(); strings.Contains(out, "dropped") || !strings.Contains(out, "kept") {
		t.Errorf("output = %q", out)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	c := testConfig(t, "ftp://nowhere")
	if _, err := newApp(c, quietLogger()); err == nil || !strings.Contains(err.Error(), "bridge.url") {
		t.Errorf("newApp() error = %v, want bridge.url error", err)
	}
}

func TestNewAppLoadsRulesFile(t *testing.T) {
	c := testConfig(t, "http://127.0.0.1:1")
	rules := []byte(`rules:
  - name: many_reconnects
    predicate: reconnects_above
    threshold: 2
    severity: critical
    message: "{{.Value}} reconnects"
`)
	if err := os.MkdirAll(filepath.Dir(c.Monitor.RulesFile), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(c.Monitor.RulesFile, rules, 0644); err != nil {
		t.Fatal(err)
	}

	a, err := newApp(c, quietLogger())
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	if !a.engine.HasRule("many_reconnects") {
		t.Error("rule from file not registered")
	}
	if !a.engine.HasRule("high_error_rate") {
		t.Error("built-in rule missing")
	}
}

func TestAppCall(t *testing.T) {
	fb := &fakeBridge{}
	srv := httptest.NewServer(fb)
	defer srv.Close()

	c := testConfig(t, srv.URL)
	a, err := newApp(c, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	resp, err := a.call(context.Background(), pacing.ActionGeneral, session.Request{Endpoint: "portfolio"})
	if err != nil {
		t.Fatalf("call() error = %v", err)
	}
	var body struct{ Cash float64 }
	if err := resp.Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Cash != 1250.5 {
		t.Errorf("cash = %v, want 1250.5", body.Cash)
	}
	if got := fb.invoked(); len(got) != 1 || got[0] != "portfolio" {
		t.Errorf("invoked = %v, want [portfolio]", got)
	}
	if a.controller.State() != session.StateDisconnected {
		t.Errorf("State() = %s after call, want disconnected", a.controller.State())
	}
	if _, err := os.Stat(c.RateLimit.StatePath); err != nil {
		t.Errorf("rate limit state not saved: %v", err)
	}
	if st := a.monitor.Statistics(time.Minute); st.Requests != 1 {
		t.Errorf("Requests = %d, want 1", st.Requests)
	}
}

func TestAppRunServesAndExports(t *testing.T) {
	fb := &fakeBridge{}
	bridgeSrv := httptest.NewServer(fb)
	defer bridgeSrv.Close()

	c := testConfig(t, bridgeSrv.URL)
	c.Monitor.Listen = freeAddr(t)
	a, err := newApp(c, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	ic, err := newInstanceClient(c.Monitor.Listen)
	if err != nil {
		t.Fatal(err)
	}
	var st session.Status
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := ic.get(context.Background(), "/status", nil, &st)
		if err == nil && st.State == session.StateConnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("instance never reported connected: %v (state %q)", err, st.State)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if st.Session == nil || st.Session.ID == "" {
		t.Errorf("Status().Session = %+v, want a session record", st.Session)
	}

	var doc statsDoc
	if _, err := ic.get(context.Background(), "/stats", nil, &doc); err != nil {
		t.Fatalf("/stats: %v", err)
	}
	if doc.WindowMinutes != float64(c.Monitor.WindowMinutes) {
		t.Errorf("window_minutes = %v, want %d", doc.WindowMinutes, c.Monitor.WindowMinutes)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() = %v, want nil on cancel", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if _, err := os.Stat(c.Monitor.ExportPath); err != nil {
		t.Errorf("metrics export not written: %v", err)
	}
}

func TestAppRunStartFailure(t *testing.T) {
	c := testConfig(t, "http://127.0.0.1:1")
	t.Setenv("DEGIRO_PASSWORD", "")
	a, err := newApp(c, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.run(context.Background()); err == nil {
		t.Error("run() = nil without credentials, want error")
	}
}

func TestInstanceClient(t *testing.T) {
	if _, err := newInstanceClient(""); err == nil {
		t.Error("newInstanceClient(\"\") = nil error, want error")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stats":
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"success":false,"error":"invalid window \"x\""}`)
		case "/healthz":
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"status":"degraded"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ic, err := newInstanceClient(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ic.get(context.Background(), "/stats", nil, nil); err == nil || !strings.Contains(err.Error(), "invalid window") {
		t.Errorf("get(/stats) error = %v, want server message", err)
	}
	var h map[string]string
	code, err := ic.get(context.Background(), "/healthz", nil, &h)
	if err != nil {
		t.Fatalf("get(/healthz) error = %v", err)
	}
	if code != http.StatusServiceUnavailable || h["status"] != "degraded" {
		t.Errorf("get(/healthz) = %d %v", code, h)
	}
	if _, err := ic.get(context.Background(), "/missing", nil, nil); err == nil {
		t.Error("get(/missing) = nil error, want 404 error")
	}
}

func TestEffectiveRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	data, err := monitor.MarshalRules([]monitor.Rule{{
		Name:      "custom",
		Predicate: monitor.PredicateErrorRateAbove,
		Threshold: 0.5,
		Severity:  monitor.SeverityCritical,
		Message:   "bad",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	rules, err := effectiveRules(path)
	if err != nil {
		t.Fatalf("effectiveRules() error = %v", err)
	}
	if len(rules) != len(monitor.DefaultRules())+1 {
		t.Errorf("len(rules) = %d, want %d", len(rules), len(monitor.DefaultRules())+1)
	}

	missing, err := effectiveRules(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("effectiveRules(missing) error = %v", err)
	}
	if len(missing) != len(monitor.DefaultRules()) {
		t.Errorf("len(missing) = %d, want built-ins only", len(missing))
	}
}

func TestRenderStats(t *testing.T) {
	output.DisableColor()
	var doc statsDoc
	raw := `{"window_minutes":5,"timestamp":"2026-01-05T10:00:00Z","metrics":{
		"request_count":4,"error_count":1,"success_rate":0.75,"error_rate":0.25,
		"rate_limit_hit":2,"reconnect_count":0,"session_duration":90,
		"response_time":{"avg":120,"min":80,"max":200,"count":4}}}`
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	renderStats(output.New(output.WithWriter(&buf), output.WithColor(false)), doc)
	out := buf.String()
	for _, want := range []string{"Last 5 minutes", "Requests", "25.0%", "120ms", "1m30s"} {
		if !strings.Contains(out, want) {
			t.Errorf("renderStats output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderStatus(t *testing.T) {
	output.DisableColor()
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	st := session.Status{
		State:                session.StateReconnecting,
		ReconnectAttempts:    2,
		MaxReconnectAttempts: 5,
		TotalReconnects:      3,
		LastSuccessfulCheck:  now.Add(-90 * time.Second),
		LastError:            "probe failed",
	}
	var buf bytes.Buffer
	renderStatus(output.New(output.WithWriter(&buf), output.WithColor(false)), st, now)
	out := buf.String()
	for _, want := range []string{"reconnecting", "3 total, attempt 2/5", "probe failed", "stopped"} {
		if !strings.Contains(out, want) {
			t.Errorf("renderStatus output missing %q:\n%s", want, out)
		}
	}
}

// runCLI executes the root command with fresh global flag state.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	jsonOutput, noColor, logLevel, cfgFile = false, false, "", ""
	t.Cleanup(func() { jsonOutput, noColor, logLevel, cfgFile = false, false, "", "" })

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommandJSON(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	out, err := runCLI(t, "version", "--json", "--config", filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	var resp output.VersionResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("version output is not JSON: %q", out)
	}
	if resp.Version != Version || resp.GoVersion == "" {
		t.Errorf("version = %+v", resp)
	}
}

func TestConfigPathCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.toml")
	out, err := runCLI(t, "config", "path", "--config", path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != path {
		t.Errorf("config path = %q, want %q", out, path)
	}
}

func TestRulesValidateCommand(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(good, []byte("rules:\n  - name: r1\n    predicate: error_rate_above\n    threshold: 0.2\n    severity: error\n"), 0644)
	os.WriteFile(bad, []byte("rules:\n  - name: r1\n    predicate: phase_of_moon\n    threshold: 1\n    severity: error\n"), 0644)
	cfgPath := filepath.Join(dir, "none.toml")

	if _, err := runCLI(t, "rules", "validate", good, "--config", cfgPath); err != nil {
		t.Errorf("validate good file error = %v", err)
	}
	if _, err := runCLI(t, "rules", "validate", bad, "--config", cfgPath); err == nil {
		t.Error("validate bad file = nil error, want error")
	}
}
