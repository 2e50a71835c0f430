package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"opsagent/internal/config"
	"opsagent/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	timeout    time.Duration

	// Loaded in PersistentPreRunE
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "opsagent",
	Short: "opsagent - incident operations assistant",
	Long: `opsagent answers incident questions from a local runbook corpus, evaluates
arithmetic and manages incident tickets.

Every request passes the same control plane: input guardrail, deterministic
router, reasoning engine, policy gate, tool execution and output guardrail.
Each decision is written to stdout as a JSON audit event.

Run without arguments to start the interactive chat interface.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", configPath, err)
		}

		opts := loaded.Logging.Options()
		if verbose {
			opts.Level = "debug"
		}
		if err := logging.Initialize(opts); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg = loaded
		logging.Boot("opsagent starting (config=%s, reasoning=%s, embedder=%s, tickets=%s)",
			configPath, cfg.ReasoningProvider(), cfg.Retrieval.Embedder, cfg.Tickets.Backend)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath, "Path to the config file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Overall timeout for one-shot commands")

	demoCmd.Flags().BoolVar(&demoReset, "reset", false, "Clear the ticket store before running")
	indexBuildCmd.Flags().BoolVar(&indexForce, "force", false, "Re-embed the corpus even if the cache is current")

	ticketsCmd.AddCommand(ticketsListCmd, ticketsResetCmd)
	indexCmd.AddCommand(indexBuildCmd)

	rootCmd.AddCommand(
		chatCmd,
		askCmd,
		demoCmd,
		statusCmd,
		ticketsCmd,
		indexCmd,
	)
}

// commandContext bounds one-shot commands by --timeout and cancels on SIGINT/SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
