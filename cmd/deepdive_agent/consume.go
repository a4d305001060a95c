package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/observability"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/pipeline"
)

var (
	consumeRunID   string
	consumeLimit   int
	consumeQuiet   bool
	consumeVerbose bool
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Process one stage-3 batch for a run",
	Long: `Claim up to --limit pending tickers of the run, evaluate the deep-dive
question graph for each and print the batch summary as JSON.`,
	Example: `  deepdive_agent consume --run-id 6f1c2b9e-3a4d-4e8f-9b7a-1c2d3e4f5a6b --limit 3`,
	RunE:    runConsume,
}

func init() {
	consumeCmd.Flags().StringVar(&consumeRunID, "run-id", "", "Run ID (required)")
	consumeCmd.Flags().IntVar(&consumeLimit, "limit", 0, "Maximum tickers to process (0 uses the default)")
	consumeCmd.Flags().BoolVarP(&consumeQuiet, "quiet", "q", false, "Suppress progress output")
	consumeCmd.Flags().BoolVarP(&consumeVerbose, "verbose", "v", false, "Print a readable batch report to stderr")
	_ = consumeCmd.MarkFlagRequired("run-id")
	rootCmd.AddCommand(consumeCmd)
}

func runConsume(cmd *cobra.Command, _ []string) error {
	req, err := consumeRequest(consumeRunID, consumeLimit)
	if err != nil {
		return err
	}
	if !consumeQuiet {
		req.OnProgress = progressPrinter(cmd.ErrOrStderr())
	}

	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.consumer.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("consume failed: %w", err)
	}
	if consumeVerbose {
		printer := observability.NewPrinter(cmd.ErrOrStderr())
		printer.PrintBatch(resp)
		printer.PrintTickerResults(resp.Results)
	}
	return writeJSON(cmd.OutOrStdout(), resp)
}

// consumeRequest validates flag input
func consumeRequest(runID string, limit int) (pipeline.Request, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return pipeline.Request{}, fmt.Errorf("invalid --run-id %q: must be a UUID", runID)
	}
	if limit < 0 {
		return pipeline.Request{}, fmt.Errorf("--limit must be non-negative")
	}
	return pipeline.Request{RunID: id, Limit: limit, ClientMeta: map[string]any{"source": "cli"}}, nil
}

// progressPrinter writes one line per progress event
func progressPrinter(w io.Writer) pipeline.ProgressCallback {
	return func(event pipeline.ProgressEvent) {
		if event.Ticker == "" {
			fmt.Fprintf(w, "[%s] %s\n", event.Step, event.Message)
			return
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", event.Step, event.Ticker, event.Message)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
