// Command tierflow runs multi-tier LLM workflows from the terminal:
// route a request, execute a workflow, and inspect the cost ledger.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tierflow/tierflow/core"
	"github.com/tierflow/tierflow/orchestration"
	"github.com/tierflow/tierflow/routing"
)

const version = "0.1.0"

// exit codes shared with external tooling
const (
	exitOK             = 0
	exitError          = 1
	exitPartial        = 2
	exitBudgetExceeded = 3
	exitRoutingFailure = 4
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var se *statusError
		if errors.As(err, &se) {
			os.Exit(se.code)
		}
		if errors.Is(err, core.ErrRoutingFailure) {
			os.Exit(exitRoutingFailure)
		}
		os.Exit(exitError)
	}
}

// statusError carries a specific process exit code through cobra
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "tierflow",
		Short:         "Multi-tier LLM workflow orchestrator",
		Long:          "Tierflow routes engineering tasks through composable agent workflows,\npicking the cheapest model tier that can safely answer each stage,\ncaching results and tracking cost.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML or JSON)")

	cmd.AddCommand(runCmd(&configPath))
	cmd.AddCommand(routeCmd(&configPath))
	cmd.AddCommand(telemetryCmd(&configPath))
	cmd.AddCommand(workflowsCmd(&configPath))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tierflow version %s\n", version)
		},
	})
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCmd(configPath *string) *cobra.Command {
	var (
		inputs   []string
		budget   float64
		tierName string
		noCache  bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Execute a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close()
			}()

			opts := orchestration.Options{DisableCache: noCache}
			if cmd.Flags().Changed("budget") {
				micros := int64(math.Round(budget * float64(core.MicrosPerUnit)))
				opts.BudgetCapMicros = &micros
			}
			if tierName != "" {
				tier, err := core.ParseTier(tierName)
				if err != nil {
					return err
				}
				opts.InitialTier = &tier
			}

			parsed, err := parseInputs(inputs)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			result, err := app.Engine.Execute(ctx, args[0], parsed, opts)
			if err != nil && result == nil {
				return err
			}
			printJSON(result)
			if code := result.Status.ExitCode(); code != exitOK {
				return &statusError{code: code, err: fmt.Errorf("workflow finished with status %s", result.Status)}
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&inputs, "input", nil, "workflow input as key=value (repeatable)")
	cmd.Flags().Float64Var(&budget, "budget", 0, "budget cap in currency units")
	cmd.Flags().StringVar(&tierName, "tier", "", "initial tier override (CHEAP, CAPABLE, PREMIUM)")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the response cache")
	return cmd
}

func routeCmd(configPath *string) *cobra.Command {
	var filePath string

	cmd := &cobra.Command{
		Use:   "route <text>",
		Short: "Print the routing decision for a request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close()
			}()
			if app.Router == nil {
				return fmt.Errorf("no workflows configured: %w", core.ErrMissingConfiguration)
			}

			ctx, cancel := signalContext()
			defer cancel()

			decision, err := app.Router.Route(ctx, strings.Join(args, " "), routing.Hints{FilePath: filePath})
			if err != nil {
				return err
			}
			printJSON(decision)
			return nil
		},
	}

	cmd.Flags().StringVar(&filePath, "file", "", "file path hint for routing")
	return cmd
}

func telemetryCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Inspect the cost ledger",
	}

	var showN int
	show := &cobra.Command{
		Use:   "show",
		Short: "Print recent ledger entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close()
			}()
			for _, e := range app.Ledger.Recent(showN) {
				printJSON(e)
			}
			return nil
		},
	}
	show.Flags().IntVarP(&showN, "count", "n", 20, "number of entries")
	cmd.AddCommand(show)

	var savingsDays int
	savings := &cobra.Command{
		Use:   "savings",
		Short: "Print savings versus the PREMIUM baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close()
			}()
			window := time.Duration(savingsDays) * 24 * time.Hour
			printJSON(app.Ledger.ComputeSavings(window, app.Registry))
			return nil
		},
	}
	savings.Flags().IntVar(&savingsDays, "days", 30, "window in days (0 = all history)")
	cmd.AddCommand(savings)

	var statsDays int
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate usage statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close()
			}()
			window := time.Duration(statsDays) * 24 * time.Hour
			printJSON(app.Ledger.Stats(window))
			return nil
		},
	}
	stats.Flags().IntVar(&statsDays, "days", 30, "window in days (0 = all history)")
	cmd.AddCommand(stats)

	var confirm bool
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Delete all telemetry files (irreversible)",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close()
			}()
			if err := app.Ledger.Reset(confirm); err != nil {
				return err
			}
			fmt.Println("telemetry ledger reset")
			return nil
		},
	}
	reset.Flags().BoolVar(&confirm, "yes", false, "confirm deletion")
	cmd.AddCommand(reset)

	return cmd
}

func workflowsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List registered workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer func() {
				_ = app.Close()
			}()
			for _, name := range app.Engine.ListWorkflows() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func parseInputs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value: %w", pair, core.ErrInvalidConfiguration)
		}
		out[k] = v
	}
	return out, nil
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode error: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
