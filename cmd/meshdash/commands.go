package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"meshdash/internal/api"
	"meshdash/internal/chat"
	"meshdash/internal/gateway"
	"meshdash/internal/logging"
	"meshdash/internal/mockapi"
	"meshdash/internal/status"
)

var errOffline = errors.New("backend unavailable: no agent answered")

var (
	statusJSON bool

	askSimple   bool
	askAgent    string
	askForceAll bool
	askJSON     bool

	mockAddr string
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Open the terminal dashboard (default)",
	Args:  cobra.NoArgs,
	RunE:  runTUI,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Poll every tracked agent once and print the snapshot",
	Long: `Run one refresh cycle against the backend and print per-agent circuit
state and spend. Exits non-zero when no agent answered.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the backend on the configured interval and log each cycle",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var askCmd = &cobra.Command{
	Use:   "ask <text>",
	Short: "Send one message and print the reply",
	Long: `Send one message through the multi-agent orchestrator (default) or
straight to a single agent with --simple.

Examples:
  meshdash ask "summarise the circuit breaker pattern"
  meshdash ask --force-all "write a retry helper in Go"
  meshdash ask --simple --agent coder "hello"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

var budgetCmd = &cobra.Command{
	Use:   "budget <agent>",
	Short: "Force a budget check for an agent and print its breaker state",
	Args:  cobra.ExactArgs(1),
	RunE:  runBudget,
}

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Serve an in-memory stand-in for the backend",
	Args:  cobra.NoArgs,
	RunE:  runMock,
}

func init() {
	rootCmd.AddCommand(tuiCmd, statusCmd, watchCmd, askCmd, budgetCmd, mockCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the snapshot as JSON")

	askCmd.Flags().BoolVarP(&askSimple, "simple", "s", false, "Talk to one agent instead of the orchestrator")
	askCmd.Flags().StringVarP(&askAgent, "agent", "a", "", "Agent id (defaults to the configured chat agent)")
	askCmd.Flags().BoolVar(&askForceAll, "force-all", false, "Invoke every specialist regardless of routing")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "Print the reply entry as JSON")

	mockCmd.Flags().StringVar(&mockAddr, "addr", "", "Listen address (defaults to mock.addr)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := setup(cmd, logging.SinkStderr, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.API.Timeout+time.Second)
	defer cancel()

	snap := rt.aggregator.Refresh(ctx)
	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
	} else {
		printSnapshot(out, snap)
		// Liveness is independent of the per-agent endpoints.
		if health, f := rt.client.Health(ctx, gateway.Quiet()); f == nil {
			fmt.Fprintf(out, "health: %s · phase %s · %s\n", health.Status, health.Phase, strings.Join(health.Features, ","))
		} else {
			fmt.Fprintf(out, "health: unreachable (%s)\n", f.Kind)
		}
	}
	if !snap.Online {
		return errOffline
	}
	return nil
}

func printSnapshot(w io.Writer, snap status.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tCIRCUIT\tFAILURES\tBUDGET\tCOST\tUPDATED")
	for _, id := range snap.Tracked {
		agent, ok := snap.Agents[id]
		if !ok {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\t%s\n", id, "unknown", failureNote(snap, id))
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s / %s\t%s\t%s\n",
			id,
			agent.Status,
			agent.FailureCount,
			formatUSD(agent.BudgetConsumed),
			formatUSD(agent.BudgetLimit),
			formatUSD(agent.TotalCost),
			agent.UpdatedAt.Format("15:04:05")+staleNote(snap, id),
		)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\nbackend: %s · total cost %s · open breakers %d\n",
		onlineLabel(snap.Online), formatUSD(snap.TotalCost), snap.OpenBreakers)
}

func failureNote(snap status.Snapshot, id string) string {
	if snap.LastCycle == nil {
		return "-"
	}
	if f, ok := snap.LastCycle.Failed[id]; ok {
		return f.Kind.String() + ": " + compactSingleLine(f.Message, 60)
	}
	return "-"
}

func staleNote(snap status.Snapshot, id string) string {
	if snap.LastCycle == nil {
		return ""
	}
	if _, failed := snap.LastCycle.Failed[id]; failed {
		return " (stale)"
	}
	return ""
}

func onlineLabel(online bool) string {
	if online {
		return "online"
	}
	return "OFFLINE"
}

func runWatch(cmd *cobra.Command, args []string) error {
	rt, err := setup(cmd, logging.SinkStderr, nil)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	wasOnline := true
	rt.aggregator.OnChange(func(snap status.Snapshot) {
		if snap.Online != wasOnline {
			fmt.Fprintf(out, "%s backend %s\n", time.Now().Format("15:04:05"), onlineLabel(snap.Online))
			wasOnline = snap.Online
		}
		fmt.Fprintf(out, "%s cycle=%d ok=%d failed=%d total=%s open=%d\n",
			time.Now().Format("15:04:05"),
			snap.Cycles,
			len(snap.LastCycle.Succeeded),
			len(snap.LastCycle.Failed),
			formatUSD(snap.TotalCost),
			snap.OpenBreakers,
		)
	})

	sched := status.NewScheduler(rt.aggregator, rt.cfg.Poll.Interval, rt.cfg.API.Timeout+time.Second, rt.logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	sched.Stop()
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	rt, err := setup(cmd, logging.SinkStderr, nil)
	if err != nil {
		return err
	}
	text := strings.Join(args, " ")

	var req chat.Request
	mode := rt.cfg.Chat.Mode
	if askSimple {
		mode = chat.ModeSimple
	}
	agentID := askAgent
	switch mode {
	case chat.ModeSimple:
		if agentID == "" {
			agentID = rt.cfg.Chat.AgentID
		}
		req = chat.Simple{AgentID: agentID}
	default:
		req = chat.MultiAgent{AgentID: agentID, ForceAllAgents: askForceAll || rt.cfg.Chat.ForceAllAgents}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*rt.cfg.API.Timeout+time.Second)
	defer cancel()
	entry, ok := rt.dispatcher.Send(ctx, text, req)
	if !ok {
		return errors.New("nothing to send: message is blank")
	}

	out := cmd.OutOrStdout()
	if askJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("failed to encode reply: %w", err)
		}
	} else {
		fmt.Fprintln(out, entry.Content)
		if meta := entryMeta(entry); meta != "" {
			fmt.Fprintln(out, "--")
			fmt.Fprintln(out, meta)
		}
	}
	if entry.Error {
		return fmt.Errorf("request failed (%s)", entry.Kind)
	}
	return nil
}

func runBudget(cmd *cobra.Command, args []string) error {
	rt, err := setup(cmd, logging.SinkStderr, nil)
	if err != nil {
		return err
	}
	state, failure := rt.client.CheckBudget(cmd.Context(), strings.TrimSpace(args[0]))
	if failure != nil {
		return failure
	}
	printCircuit(cmd.OutOrStdout(), state)
	return nil
}

func printCircuit(w io.Writer, state api.CircuitBreakerState) {
	fmt.Fprintf(w, "agent:          %s\n", state.AgentID)
	fmt.Fprintf(w, "circuit:        %s\n", state.Status)
	fmt.Fprintf(w, "failures:       %d\n", state.FailureCount)
	fmt.Fprintf(w, "budget:         %s / %s\n", formatUSD(state.BudgetConsumedUSD), formatUSD(state.BudgetLimitUSD))
	fmt.Fprintf(w, "fallback model: %s\n", nullCoalesce(state.FallbackModel, "-"))
	last := "-"
	if state.LastFailureTime != nil {
		last = state.LastFailureTime.Format(time.RFC3339)
	}
	fmt.Fprintf(w, "last failure:   %s\n", last)
	fmt.Fprintf(w, "reset timeout:  %ds\n", state.ResetTimeoutSeconds)
}

func runMock(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, vcfg)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log, logging.SinkStderr)
	addr := nullCoalesce(mockAddr, cfg.Mock.Addr)
	server := mockapi.New(logger, cfg.Agents...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down mock backend...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down mock backend: %w", err)
	}
	logger.Info("Mock backend stopped")
	return nil
}
