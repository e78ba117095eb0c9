package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/Whateverdoa/DEGIRO-2025/internal/output"
	"github.com/Whateverdoa/DEGIRO-2025/internal/pacing"
	"github.com/Whateverdoa/DEGIRO-2025/internal/session"
)

func newCallCmd() *cobra.Command {
	var (
		action string
		data   string
	)
	cmd := &cobra.Command{
		Use:   "call <endpoint>",
		Short: "Open a session, make one call and close it",
		Long: `Make a single paced, rate-limited call through a fresh session.

Examples:
  degiro call portfolio
  degiro call product_search --action search --data '{"query":"ASML"}'
  degiro call account_info --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := session.Request{Endpoint: args[0]}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &req.Payload); err != nil {
					return fmt.Errorf("--data: %w", err)
				}
			}

			a, err := newApp(cfg, slog.Default())
			if err != nil {
				return err
			}
			resp, err := a.call(cmd.Context(), pacing.ParseAction(action), req)
			if err != nil {
				return err
			}

			f := GetFormatter(cmd.OutOrStdout())
			if f.IsJSON() {
				return f.JSON(resp)
			}
			f.Println(output.KeyValue("Endpoint", resp.Endpoint, 10))
			f.Println(output.KeyValue("Status", fmt.Sprint(resp.Status), 10))
			if len(resp.Body) > 0 {
				var pretty bytes.Buffer
				if err := json.Indent(&pretty, resp.Body, "", "  "); err != nil {
					pretty.Reset()
					pretty.Write(resp.Body)
				}
				f.Line()
				f.Println(pretty.String())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "action", string(pacing.ActionGeneral), "Action type for pacing: login, search, order, general")
	cmd.Flags().StringVar(&data, "data", "", "JSON object sent as the request payload")
	return cmd
}

// call runs one request through a short-lived session.
func (a *app) call(ctx context.Context, action pacing.ActionType, req session.Request) (session.Response, error) {
	defer a.saveState()
	if err := a.controller.Start(ctx); err != nil {
		return session.Response{}, fmt.Errorf("start session: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.controller.Stop(stopCtx); err != nil {
			a.logger.Warn("session stop", "error", err)
		}
	}()
	return a.controller.Call(ctx, action, req)
}
