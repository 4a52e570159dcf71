// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// ReplyDesk operator CLI
//
// Runs one-off operations against the same configuration as the server:
// processing a single message, backfilling unread mail, sweeping stale
// claims, inspecting a message's lock record and scoring answer quality
// offline against a labelled dataset.
//
// Usage:
//
//	replyctl process <message_id>
//	replyctl backfill [--since 168h] [--limit 0] [--dry-run]
//	replyctl sweep
//	replyctl status <message_id>
//	replyctl eval --dataset golden.jsonl [--rerank on|off] [--out reports] [--cache eval-cache.json]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bcem/replydesk/internal/app"
	"github.com/bcem/replydesk/internal/backfill"
	"github.com/bcem/replydesk/internal/config"
	"github.com/bcem/replydesk/internal/consolidate"
	"github.com/bcem/replydesk/internal/eval"
	"github.com/bcem/replydesk/internal/sweeper"
)

var (
	backfillSince  time.Duration
	backfillLimit  int
	backfillDryRun bool

	evalDataset     string
	evalRerank      string
	evalOut         string
	evalCache       string
	evalConcurrency int
)

var rootCmd = &cobra.Command{
	Use:           "replyctl",
	Short:         "Operate the ReplyDesk reply service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// processCmd runs the pipeline for one message and prints the result.
var processCmd = &cobra.Command{
	Use:   "process <message_id>",
	Short: "Process a single message now",
	Long: `Fetch the message, claim it and run it through the pipeline.

A message that is already claimed or finished is reported as
skipped_duplicate and nothing is sent.`,
	Args: cobra.ExactArgs(1),
	RunE: runProcess,
}

// backfillCmd enqueues unread mail in a lookback window.
var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Enqueue unread mail received in a lookback window",
	RunE:  runBackfill,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Requeue messages whose claim has gone stale",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

var statusCmd = &cobra.Command{
	Use:   "status <message_id>",
	Short: "Show the processing lock record for a message",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

// evalCmd runs a question and ground-truth dataset through retrieval and
// synthesis and has the judge model score each answer.
var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Score retrieval and synthesis against a labelled dataset",
	Long: `Each dataset line is {"question": ..., "ground_truth": ...}. The question is
retrieved, optionally reranked, consolidated and answered exactly as the
pipeline would, then the judge model rates context relevance, faithfulness
and correctness from 0 to 1.

Run once with --rerank=on and once with --rerank=off to compare the ranker.`,
	Args: cobra.NoArgs,
	RunE: runEval,
}

func init() {
	backfillCmd.Flags().DurationVar(&backfillSince, "since", 168*time.Hour, "lookback duration (e.g. 168h for 1 week)")
	backfillCmd.Flags().IntVar(&backfillLimit, "limit", 0, "maximum messages to enqueue (0 = no limit)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "list and count without enqueuing")

	evalCmd.Flags().StringVar(&evalDataset, "dataset", "", "JSON Lines dataset of question and ground_truth")
	evalCmd.Flags().StringVar(&evalRerank, "rerank", "on", "rerank retrieved passages: on or off")
	evalCmd.Flags().StringVar(&evalOut, "out", "", "directory for the Markdown and JSONL reports")
	evalCmd.Flags().StringVar(&evalCache, "cache", "", "result cache file; cached questions are not re-scored")
	evalCmd.Flags().IntVar(&evalConcurrency, "concurrency", 2, "items evaluated at once")
	_ = evalCmd.MarkFlagRequired("dataset")

	rootCmd.AddCommand(processCmd, backfillCmd, sweepCmd, statusCmd, evalCmd)
}

func main() {
	// .env is optional; real deployments set the environment directly
	envErr := godotenv.Load()

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.LogLevel(),
	}))
	slog.SetDefault(logger)

	if envErr != nil && !os.IsNotExist(envErr) {
		slog.Warn("failed to read .env", "error", envErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp loads configuration, builds the service and runs fn against it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := app.Build(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runProcess(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		res, err := a.Pipeline.Process(ctx, args[0])
		if res != nil {
			if perr := printJSON(cmd, res); perr != nil {
				return perr
			}
		}
		return err
	})
}

func runBackfill(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		runner := backfill.NewRunner(backfill.RunnerConfig{
			Lister: a.Mailbox,
			Queue:  a.Publisher,
			Dedup:  a.Dedup,
		})
		res, err := runner.Run(ctx, backfill.Request{
			Since:  backfillSince,
			Limit:  backfillLimit,
			DryRun: backfillDryRun,
		})
		if err != nil {
			return fmt.Errorf("backfill: %w", err)
		}
		return printJSON(cmd, res)
	})
}

func runSweep(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		n := sweeper.New(a.Guard, a.Publisher).Sweep(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "requeued %d stale message(s)\n", n)
		return nil
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		rec, err := a.Guard.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("no lock record for %s", args[0])
		}
		return printJSON(cmd, rec)
	})
}

func runEval(cmd *cobra.Command, _ []string) error {
	if evalRerank != "on" && evalRerank != "off" {
		return fmt.Errorf("--rerank must be on or off, got %q", evalRerank)
	}
	items, err := eval.LoadDatasetFile(evalDataset)
	if err != nil {
		return err
	}

	var cache *eval.FileCache
	if evalCache != "" {
		if cache, err = eval.OpenFileCache(evalCache); err != nil {
			return err
		}
	}

	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		cfg := eval.Config{
			Retriever:   a.Retriever,
			Synthesizer: a.Synthesizer,
			Judge:       a.Judge,
			Limits: consolidate.Limits{
				CharLimit:   a.Config.ContextCharLimit,
				PerQueryMax: a.Config.RerankKeep,
			},
			Concurrency: evalConcurrency,
		}
		if evalRerank == "on" {
			cfg.Reranker = a.Reranker
		}
		if cache != nil {
			cfg.Cache = cache
		}

		report, err := eval.New(cfg).Run(ctx, items)
		if cache != nil {
			if serr := cache.Save(); serr != nil {
				slog.Warn("failed to save eval cache", "error", serr)
			}
		}
		if err != nil {
			return err
		}

		if evalOut != "" {
			if err := writeEvalReports(evalOut, report); err != nil {
				return err
			}
		}
		return printJSON(cmd, report.Summary)
	})
}

func writeEvalReports(dir string, report *eval.Report) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	now := time.Now()
	base := filepath.Join(dir, "EVALUATION_RESULTS_"+now.Format("20060102_150405"))

	md, err := os.Create(base + ".md")
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer md.Close()
	if err := eval.WriteMarkdown(md, report, now); err != nil {
		return err
	}

	jl, err := os.Create(base + ".jsonl")
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer jl.Close()
	if err := eval.WriteJSONL(jl, report); err != nil {
		return err
	}

	slog.Info("evaluation reports written", "markdown", base+".md", "jsonl", base+".jsonl")
	return nil
}
