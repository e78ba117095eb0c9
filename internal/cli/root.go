package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Whateverdoa/DEGIRO-2025/internal/config"
	"github.com/Whateverdoa/DEGIRO-2025/internal/output"
)

var (
	cfgFile string
	cfg     *config.Config

	// Global JSON output flag - inherited by all subcommands
	jsonOutput bool

	// Global color control flag - inherited by all subcommands
	noColor bool

	// Overrides [log] level when set
	logLevel string

	// closes the log file opened by setupLogging, if any
	logCloser io.Closer

	// Build information - set via ldflags
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "degiro",
	Short: "Resilient session layer for a rate-limited trading endpoint",
	Long: `degiro keeps one authenticated session to the trading endpoint alive:
it paces and rate-limits calls, retries transient failures, reconnects with
backoff when the session drops, and raises alerts from windowed metrics.

Quick Start:
  degiro config init          # Write ~/.config/degiro/config.toml
  degiro run                  # Hold the session and serve /metrics
  degiro status               # Ask the running instance for its state
  degiro call portfolio       # One paced, rate-limited call`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			output.DisableColor()
		}

		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if logLevel != "" {
			loaded.Log.Level = strings.ToLower(logLevel)
		}
		cfg = loaded

		closer, err := setupLogging(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		logCloser = closer
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/degiro/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format (machine-readable)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override: debug, info, warn, error")

	rootCmd.AddCommand(
		newRunCmd(),
		newCallCmd(),
		newStatusCmd(),
		newStatsCmd(),
		newExportCmd(),
		newRulesCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if logCloser != nil {
		_ = logCloser.Close()
	}
	if err != nil {
		// SilenceErrors is set so JSON mode can report the error itself
		if IsJSONOutput() {
			_ = output.PrintJSON(output.NewError(err.Error()))
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

// IsJSONOutput returns true if JSON output is enabled
func IsJSONOutput() bool {
	return output.DetectFormat(jsonOutput) == output.FormatJSON
}

// GetFormatter returns a formatter configured for the current output mode
func GetFormatter(w io.Writer) *output.Formatter {
	return output.New(output.WithJSON(jsonOutput), output.WithWriter(w))
}

func newVersionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp := output.VersionResponse{
				TimestampedResponse: output.NewTimestamped(),
				Version:             Version,
				Commit:              Commit,
				BuiltAt:             Date,
				GoVersion:           runtime.Version(),
				Platform:            runtime.GOOS + "/" + runtime.GOARCH,
			}
			f := GetFormatter(cmd.OutOrStdout())
			if f.IsJSON() {
				return f.JSON(resp)
			}
			if short {
				f.Println(resp.Version)
				return nil
			}
			f.Printf("degiro version %s\n", resp.Version)
			f.Printf("  commit:    %s\n", resp.Commit)
			f.Printf("  built:     %s\n", resp.BuiltAt)
			f.Printf("  go:        %s\n", resp.GoVersion)
			f.Printf("  platform:  %s\n", resp.Platform)
			return nil
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "Print only the version number")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.CreateDefault()
			if err != nil {
				return err
			}
			f := GetFormatter(cmd.OutOrStdout())
			if f.IsJSON() {
				return f.JSON(map[string]any{"success": true, "path": path})
			}
			f.Println(output.SuccessMessage("Created config file: " + path))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			path := cfgFile
			if path == "" {
				path = config.DefaultPath()
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := GetFormatter(cmd.OutOrStdout())
			if f.IsJSON() {
				return f.JSON(cfg)
			}
			return config.Print(cfg, f.Writer())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			errs := config.Validate(cfg)
			f := GetFormatter(cmd.OutOrStdout())
			if f.IsJSON() {
				msgs := make([]string, len(errs))
				for i, e := range errs {
					msgs[i] = e.Error()
				}
				if err := f.JSON(map[string]any{"valid": len(errs) == 0, "errors": msgs}); err != nil {
					return err
				}
			} else {
				for _, e := range errs {
					f.Println(output.ErrorMessage(e.Error()))
				}
				if len(errs) == 0 {
					f.Println(output.SuccessMessage("configuration is valid"))
				}
			}
			if len(errs) > 0 {
				return fmt.Errorf("%s", output.CountStr(len(errs), "config error", "config errors"))
			}
			return nil
		},
	})

	return cmd
}
