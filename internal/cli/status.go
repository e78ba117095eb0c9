package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/Whateverdoa/DEGIRO-2025/internal/config"
	"github.com/Whateverdoa/DEGIRO-2025/internal/output"
	"github.com/Whateverdoa/DEGIRO-2025/internal/ratelimit"
	"github.com/Whateverdoa/DEGIRO-2025/internal/session"
	"github.com/Whateverdoa/DEGIRO-2025/internal/util"
)

const keyWidth = 22

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of the running session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newInstanceClient(cfg.Monitor.Listen)
			if err != nil {
				return err
			}
			var st session.Status
			if _, err := c.get(cmd.Context(), "/status", nil, &st); err != nil {
				return err
			}

			f := GetFormatter(cmd.OutOrStdout())
			if f.IsJSON() {
				return f.JSON(st)
			}
			renderStatus(f, st, time.Now())
			return nil
		},
	}
}

func renderStatus(f *output.Formatter, st session.Status, now time.Time) {
	f.Println(output.SectionHeader("Session"))
	f.Println(output.KeyValue("State", output.StateBadge(string(st.State)), keyWidth))
	if st.Session != nil {
		f.Println(output.KeyValue("Session ID", st.Session.ID, keyWidth))
		f.Println(output.KeyValue("Started", st.Session.StartedAt.Format(time.RFC3339), keyWidth))
		f.Println(output.KeyValue("Actions", fmt.Sprint(st.Session.ActionCount), keyWidth))
	}
	f.Println(output.KeyValue("Reconnects", fmt.Sprintf("%d total, attempt %d/%d",
		st.TotalReconnects, st.ReconnectAttempts, st.MaxReconnectAttempts), keyWidth))
	if !st.LastSuccessfulCheck.IsZero() {
		f.Println(output.KeyValue("Last check", ratelimit.FormatDelay(now.Sub(st.LastSuccessfulCheck).Truncate(time.Second))+" ago", keyWidth))
	}
	f.Println(output.KeyValue("Watchdog", onOff(st.WatchdogRunning), keyWidth))
	if st.LastError != "" {
		f.Println(output.KeyValue("Last error", output.Truncate(st.LastError, output.TerminalWidth(100)-keyWidth-4), keyWidth))
	}

	rl := st.Health.RateLimit
	f.Line()
	f.Println(output.SectionHeader("Rate limit"))
	f.Println(output.KeyValue("Calls in window", fmt.Sprintf("%d/%d per %s", rl.CallsInWindow, rl.MaxCalls, rl.Window), keyWidth))
	if rl.CooldownRemaining > 0 {
		f.Println(output.KeyValue("Cooldown", output.WarningMessage(ratelimit.FormatDelay(rl.CooldownRemaining)), keyWidth))
	}
	f.Println(output.KeyValue("Waits / penalties", fmt.Sprintf("%d / %d", rl.TotalWaits, rl.TotalPenalties), keyWidth))

	p := st.Pacing
	f.Line()
	f.Println(output.SectionHeader("Pacing"))
	f.Println(output.KeyValue("Actions", fmt.Sprintf("%d/%d", p.ActionCount, p.MaxActions), keyWidth))
	if p.Budget > 0 {
		f.Println(output.KeyValue("Session budget", fmt.Sprintf("%s of %s",
			p.Elapsed.Truncate(time.Second), p.Budget.Truncate(time.Second)), keyWidth))
	}
}

func onOff(b bool) string {
	if b {
		return "running"
	}
	return "stopped"
}

// statsDoc mirrors the statistics document served at /stats.
type statsDoc struct {
	WindowMinutes float64   `json:"window_minutes"`
	Timestamp     time.Time `json:"timestamp"`
	Metrics       struct {
		RequestCount    int     `json:"request_count"`
		ErrorCount      int     `json:"error_count"`
		RateLimitHit    float64 `json:"rate_limit_hit"`
		ReconnectCount  float64 `json:"reconnect_count"`
		SessionDuration float64 `json:"session_duration"`
		SuccessRate     float64 `json:"success_rate"`
		ErrorRate       float64 `json:"error_rate"`
		ResponseTime    struct {
			Avg   float64 `json:"avg"`
			Min   float64 `json:"min"`
			Max   float64 `json:"max"`
			Count int     `json:"count"`
		} `json:"response_time"`
	} `json:"metrics"`
}

func newStatsCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show windowed request statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newInstanceClient(cfg.Monitor.Listen)
			if err != nil {
				return err
			}
			q := url.Values{}
			if window > 0 {
				q.Set("window", window.String())
			}
			var doc statsDoc
			if _, err := c.get(cmd.Context(), "/stats", q, &doc); err != nil {
				return err
			}

			f := GetFormatter(cmd.OutOrStdout())
			if f.IsJSON() {
				return f.JSON(doc)
			}
			renderStats(f, doc)
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", 0, "Trailing window (default [monitor] window_minutes)")
	return cmd
}

func renderStats(f *output.Formatter, doc statsDoc) {
	m := doc.Metrics
	t := output.NewStyledTable("Metric", "Value").
		WithTitle(fmt.Sprintf("Last %g minutes", doc.WindowMinutes)).
		WithFooter("at " + doc.Timestamp.Format(time.RFC3339))
	t.AddRow("Requests", fmt.Sprint(m.RequestCount))
	t.AddRow("Errors", fmt.Sprint(m.ErrorCount))
	t.AddRow("Success rate", fmt.Sprintf("%.1f%%", m.SuccessRate*100))
	t.AddRow("Error rate", fmt.Sprintf("%.1f%%", m.ErrorRate*100))
	if m.ResponseTime.Count > 0 {
		t.AddRow("Response time avg", fmt.Sprintf("%.0fms", m.ResponseTime.Avg))
		t.AddRow("Response time min/max", fmt.Sprintf("%.0fms / %.0fms", m.ResponseTime.Min, m.ResponseTime.Max))
	}
	t.AddRow("Rate limit hits", fmt.Sprintf("%.0f", m.RateLimitHit))
	t.AddRow("Reconnects", fmt.Sprintf("%.0f", m.ReconnectCount))
	t.AddRow("Session time", (time.Duration(m.SessionDuration) * time.Second).String())
	f.Print(t.Render())
}

func newExportCmd() *cobra.Command {
	var (
		window time.Duration
		out    string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a metrics snapshot from the running instance",
		Long: `Fetch windowed statistics from the running instance and write them as
JSON. Without --output the document goes to stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newInstanceClient(cfg.Monitor.Listen)
			if err != nil {
				return err
			}
			if window <= 0 {
				window = time.Duration(cfg.Monitor.ExportWindowHours) * time.Hour
			}
			raw, err := c.raw(cmd.Context(), "/stats", url.Values{"window": {window.String()}})
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, raw, "", "  "); err != nil {
				return fmt.Errorf("format snapshot: %w", err)
			}
			pretty.WriteByte('\n')

			if out == "" {
				_, err := cmd.OutOrStdout().Write(pretty.Bytes())
				return err
			}
			path := config.ExpandHome(out)
			if err := util.AtomicWriteFile(path, pretty.Bytes(), 0644); err != nil {
				return fmt.Errorf("write snapshot: %w", err)
			}
			f := GetFormatter(cmd.OutOrStdout())
			if f.IsJSON() {
				return f.JSON(map[string]any{"success": true, "path": path, "window": window.String()})
			}
			f.Println(output.SuccessMessage("Exported metrics to " + path))
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", 0, "Trailing window (default [monitor] export_window_hours)")
	cmd.Flags().StringVarP(&out, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}
