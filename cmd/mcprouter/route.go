package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/mcprouter/internal/app"
	"github.com/MrWong99/mcprouter/internal/mcp"
	"github.com/MrWong99/mcprouter/internal/resilience"
)

var (
	toolName string
	agentID  string
	priority int
	toolArgs string
	policy   string
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Connect the configured servers and print the routing decision for a tool",
	Args:  cobra.NoArgs,
	RunE:  runRoute,
}

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Route a tool call and execute it with fallback",
	Args:  cobra.NoArgs,
	RunE:  runCall,
}

func init() {
	for _, c := range []*cobra.Command{routeCmd, callCmd} {
		c.Flags().StringVar(&toolName, "tool", "", "tool name (required)")
		c.Flags().StringVar(&agentID, "agent", "", "agent id")
		c.Flags().IntVar(&priority, "priority", 0, "request priority; 8 and above prefers the fastest server")
		_ = c.MarkFlagRequired("tool")
	}
	callCmd.Flags().StringVar(&toolArgs, "args", "{}", "tool arguments as a JSON object")
	callCmd.Flags().StringVar(&policy, "policy", "", "named resilience policy")
}

// withApp builds and starts an app for a one-shot command and shuts it down
// after fn returns.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	newLogger(cfg.Server.LogLevel)

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout())
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown error", "err", err)
		}
	}()

	a.Start(ctx)
	return fn(ctx, a)
}

func runRoute(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		d, err := a.Route(ctx, mcp.RoutingContext{
			ToolName: toolName,
			AgentID:  agentID,
			Priority: priority,
		})
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), newDecisionView(d))
	})
}

func runCall(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		res, err := a.CallTool(ctx, toolName, toolArgs, resilience.ExecOptions{
			AgentID:  agentID,
			Priority: priority,
			Policy:   policy,
		})
		if err != nil {
			return err
		}
		out := callView{
			OperationID:  res.OperationID,
			ServerID:     res.ServerID,
			Attempts:     res.Attempts,
			UsedFallback: res.UsedFallback,
			TotalTime:    res.TotalTime.String(),
		}
		if res.Value != nil {
			out.Content = res.Value.Content
			out.IsError = res.Value.IsError
		}
		if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
		if out.IsError {
			return fmt.Errorf("tool %s reported an error", toolName)
		}
		return nil
	})
}

// decisionView is the printed form of a routing decision.
type decisionView struct {
	Server       string   `json:"server"`
	ServerName   string   `json:"serverName"`
	Strategy     string   `json:"strategy"`
	Confidence   float64  `json:"confidence"`
	Reasoning    string   `json:"reasoning"`
	Alternatives []string `json:"alternatives"`
	DecisionTime string   `json:"decisionTime"`
}

func newDecisionView(d *mcp.RoutingDecision) decisionView {
	v := decisionView{
		Strategy:     d.Strategy,
		Confidence:   d.Confidence,
		Reasoning:    d.Reasoning,
		Alternatives: make([]string, 0, len(d.Alternatives)),
		DecisionTime: d.DecisionTime.Round(time.Microsecond).String(),
	}
	if d.SelectedServer != nil {
		v.Server = d.SelectedServer.ID
		v.ServerName = d.SelectedServer.Name
	}
	for _, alt := range d.Alternatives {
		v.Alternatives = append(v.Alternatives, alt.ID)
	}
	return v
}

type callView struct {
	OperationID  string `json:"operationId"`
	ServerID     string `json:"serverId"`
	Attempts     int    `json:"attempts"`
	UsedFallback bool   `json:"usedFallback"`
	TotalTime    string `json:"totalTime"`
	Content      string `json:"content"`
	IsError      bool   `json:"isError"`
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
