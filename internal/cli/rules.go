package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Whateverdoa/DEGIRO-2025/internal/config"
	"github.com/Whateverdoa/DEGIRO-2025/internal/monitor"
	"github.com/Whateverdoa/DEGIRO-2025/internal/output"
	"github.com/Whateverdoa/DEGIRO-2025/internal/util"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and manage alert rules",
	}
	cmd.AddCommand(newRulesListCmd(), newRulesValidateCmd(), newRulesInitCmd())
	return cmd
}

// effectiveRules returns the built-in rules plus those from the rules file,
// the way a running instance would register them.
func effectiveRules(path string) ([]monitor.RuleStatus, error) {
	engine := monitor.NewEngine(monitor.New(monitor.WithBufferSize(1)), monitor.WithEngineLogger(discardLogger()))
	for _, r := range monitor.DefaultRules() {
		if err := engine.AddRule(r); err != nil {
			return nil, err
		}
	}
	if path != "" {
		rules, err := monitor.LoadRules(path)
		if err != nil {
			return nil, err
		}
		if _, err := engine.AddRules(rules); err != nil {
			return nil, err
		}
	}
	return engine.Rules(), nil
}

func newRulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in and configured alert rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := effectiveRules(config.ExpandHome(cfg.Monitor.RulesFile))
			if err != nil {
				return err
			}
			f := GetFormatter(cmd.OutOrStdout())
			if f.IsJSON() {
				return f.JSON(map[string]any{"rules": rules})
			}
			t := output.NewStyledTable("Name", "Severity", "Predicate", "Threshold", "Cooldown").
				WithTitle("Alert rules").
				WithFooter(output.CountStr(len(rules), "rule", "rules"))
			for _, r := range rules {
				t.AddRow(r.Name, output.StateBadge(string(r.Severity)), string(r.Predicate),
					fmt.Sprintf("%g", r.Threshold), r.Cooldown().String())
			}
			f.Print(t.Render())
			return nil
		},
	}
}

func newRulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a rules file without loading it into a running instance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ExpandHome(cfg.Monitor.RulesFile)
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("rules file: %w", err)
			}
			rules, err := monitor.LoadRules(path)
			if err == nil {
				err = monitor.ValidateRules(rules)
			}

			f := GetFormatter(cmd.OutOrStdout())
			if f.IsJSON() {
				resp := map[string]any{"path": path, "valid": err == nil, "rules": len(rules)}
				if err != nil {
					resp["error"] = err.Error()
				}
				if jerr := f.JSON(resp); jerr != nil {
					return jerr
				}
				return err
			}
			if err != nil {
				f.Println(output.ErrorMessage(path))
				return err
			}
			f.Println(output.SuccessMessage(fmt.Sprintf("%s: %s", path, output.CountStr(len(rules), "valid rule", "valid rules"))))
			return nil
		},
	}
}

func newRulesInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the built-in rules to the rules file as a starting point",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Monitor.RulesFile == "" {
				return fmt.Errorf("monitor.rules_file is not set")
			}
			path := config.ExpandHome(cfg.Monitor.RulesFile)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("rules file already exists: %s (use --force to overwrite)", path)
			}
			data, err := monitor.MarshalRules(monitor.DefaultRules())
			if err != nil {
				return err
			}
			if err := util.AtomicWriteFile(path, data, 0644); err != nil {
				return fmt.Errorf("write rules file: %w", err)
			}
			f := GetFormatter(cmd.OutOrStdout())
			if f.IsJSON() {
				return f.JSON(map[string]any{"success": true, "path": path})
			}
			f.Println(output.SuccessMessage("Wrote rules file: " + path))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing rules file")
	return cmd
}
