package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"opsagent/internal/pipeline"
	"opsagent/internal/tickets"
	"opsagent/internal/types"
)

var (
	demoReset  bool
	indexForce bool
)

// demoQueries exercise the retrieval, deterministic and confirmed-mutation paths.
var demoQueries = []string{
	"What is the runbook for web CPU spikes?",
	"Calculate (10 + 20 + 30) / 3",
	`Create a new ticket. Title: "Web Server Critical", Description: "The web server is completely down", Severity: "Critical". Then create it with confirm=True.`,
}

// askCmd answers a single question
var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Send one request through the control plane",
	Long: `Runs a single request through guardrails, router, reasoning engine and
policy gate, prints the audit events followed by the answer.

Example:
  opsagent ask "What is the status of ticket INC-1?"
  opsagent ask 'Calculate 2 ** 10'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

// demoCmd replays the canned demo conversation
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the demo queries",
	RunE:  runDemo,
}

// statusCmd looks up one ticket
var statusCmd = &cobra.Command{
	Use:   "status [ticket-id]",
	Short: "Show the status of a ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var ticketsCmd = &cobra.Command{
	Use:   "tickets",
	Short: "Inspect or clear the ticket store",
}

var ticketsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tickets",
	RunE:  runTicketsList,
}

var ticketsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all tickets and restart numbering at INC-1",
	RunE:  runTicketsReset,
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the incident knowledge index",
}

var indexBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Embed the incident corpus and persist the index",
	RunE:  runIndexBuild,
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	a, err := bootstrap(ctx, cfg, out)
	if err != nil {
		return err
	}
	defer a.Close()

	res := a.pipeline.Handle(ctx, strings.Join(args, " "))
	printResult(out, res)
	return nil
}

func runDemo(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	a, err := bootstrap(ctx, cfg, out)
	if err != nil {
		return err
	}
	defer a.Close()

	if demoReset {
		if err := a.tickets.Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset ticket store: %w", err)
		}
		fmt.Fprintln(out, "Ticket store reset.")
	}

	fmt.Fprintln(out, "\n--- Running Demo Queries ---")
	for i, q := range demoQueries {
		fmt.Fprintf(out, "\n%s DEMO Query %d/%d %s\n", strings.Repeat("=", 10), i+1, len(demoQueries), strings.Repeat("=", 10))
		fmt.Fprintf(out, "[You]: %s\n", q)
		// Each demo query stands alone.
		a.pipeline.ClearHistory()
		printResult(out, a.pipeline.Handle(ctx, q))
	}

	snapshot, err := a.metrics.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	fmt.Fprintln(out, "\n--- Metrics ---")
	printSnapshot(out, snapshot)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	a, err := bootstrap(ctx, cfg, out)
	if err != nil {
		return err
	}
	defer a.Close()

	id := tickets.NormalizeID(args[0])
	fmt.Fprintf(out, "\n--- Checking Status for Ticket ID: %s ---\n", id)
	printResult(out, a.pipeline.Handle(ctx, fmt.Sprintf("What is the status of ticket %s?", id)))
	return nil
}

func runTicketsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	out := cmd.OutOrStdout()
	a, err := bootstrap(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	all, err := a.tickets.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tickets: %w", err)
	}
	if len(all) == 0 {
		fmt.Fprintln(out, "No tickets.")
		return nil
	}
	for _, t := range all {
		fmt.Fprintf(out, "%-8s %-12s %-9s %s\n", t.ID, t.Status, t.Severity, t.Title)
	}
	return nil
}

func runTicketsReset(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := bootstrap(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.tickets.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset ticket store: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Ticket store %s reset.\n", cfg.TicketStorePath())
	return nil
}

func runIndexBuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := bootstrap(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.index.Build(ctx, indexForce)
	if err != nil {
		return fmt.Errorf("failed to build index: %w", err)
	}
	state := "embedded"
	if stats.Cached {
		state = "loaded from cache"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Index %s: %d documents, %d chunks (%s)\n",
		state, stats.Documents, stats.Chunks, stats.Engine)
	return nil
}

// printResult prints the answer block shown after every request.
func printResult(w io.Writer, res *pipeline.Result) {
	if len(res.ToolsUsed) > 0 {
		names := make([]string, len(res.ToolsUsed))
		for i, n := range res.ToolsUsed {
			names[i] = string(n)
		}
		fmt.Fprintf(w, "\n[Tools Used]: %s", strings.Join(names, ", "))
	}
	fmt.Fprintf(w, "\n[Agent Final Answer]: %s\n", res.Text)
	fmt.Fprintf(w, "[Source]: %s\n", sourceLabel(res))
	fmt.Fprintf(w, "[Confidence]: %s\n", res.Confidence)
}

func sourceLabel(res *pipeline.Result) string {
	switch {
	case len(res.Sources) > 0:
		return strings.Join(res.Sources, ", ")
	case res.Outcome == pipeline.OutcomePolicyBlocked:
		return "N/A (policy gate)"
	case res.Outcome == pipeline.OutcomeGuardrailBlocked:
		return "N/A (guardrail)"
	case res.Outcome == pipeline.OutcomeAgentError:
		return "N/A"
	case res.Path == types.PathDeterministic:
		return "N/A (deterministic tool route)"
	default:
		return "N/A"
	}
}

func printSnapshot(w io.Writer, snapshot map[string]float64) {
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s %g\n", k, snapshot[k])
	}
}
