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

// ReplyDesk server
//
// Entry point for the reply service. It:
//  1. Loads configuration from config.yaml, .env and the environment
//  2. Connects to Redis, the lock store, the semantic index and the models
//  3. Runs queue workers that push each message through the pipeline
//  4. Feeds the queue from Gmail push notifications or an IMAP poller
//  5. Requeues stale claims on a cron schedule
//  6. Serves push, manual trigger and health endpoints
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/bcem/replydesk/internal/app"
	"github.com/bcem/replydesk/internal/config"
	"github.com/bcem/replydesk/internal/history"
	"github.com/bcem/replydesk/internal/pipeline"
	"github.com/bcem/replydesk/internal/poller"
	"github.com/bcem/replydesk/internal/queue"
	"github.com/bcem/replydesk/internal/sweeper"
	"github.com/bcem/replydesk/internal/webhook"
)

func main() {
	// .env is optional; real deployments set the environment directly
	envErr := godotenv.Load()

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.LogLevel(),
	}))
	slog.SetDefault(logger)

	if envErr != nil && !os.IsNotExist(envErr) {
		slog.Warn("failed to read .env", "error", envErr)
	}

	slog.Info("starting replydesk server")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"bot_address", cfg.BotAddress,
		"mailbox", cfg.MailboxProvider,
		"workers", cfg.WorkerConcurrency,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("failed to build service", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	var background sync.WaitGroup

	// --- Queue workers ---
	consumer := queue.NewConsumer(a.Redis, cfg.MessageQueue)
	worker := pipeline.NewWorker(a.Pipeline, a.Publisher, pipeline.WorkerConfig{MaxAttempts: cfg.TaskMaxAttempts})
	background.Add(1)
	go func() {
		defer background.Done()
		consumer.Run(ctx, cfg.WorkerConcurrency, worker.Handle)
	}()

	// --- Triggers ---
	var notifier webhook.Notifier
	var syncer *history.Syncer
	if cfg.MailboxProvider == "gmail" {
		syncer = history.NewSyncer(history.SyncerConfig{
			Source:   a.Gmail,
			Cursor:   history.NewRedisCursor(a.Redis, cfg.HistoryKey),
			Dedup:    a.Dedup,
			Queue:    a.Publisher,
			Interval: cfg.HistorySyncInterval,
		})
		syncer.StartPeriodicSync(ctx)
		notifier = syncer
	} else {
		p := poller.NewPoller(a.Mailbox, a.Dedup, cfg.PollInterval, cfg.PollLookback,
			func(ctx context.Context, messageID string) error {
				return a.Publisher.Enqueue(ctx, messageID, "poll")
			})
		background.Add(1)
		go func() {
			defer background.Done()
			p.Run(ctx)
		}()
	}

	// --- Stale lock sweeper ---
	sweep := sweeper.New(a.Guard, a.Publisher)
	if err := sweep.Start(ctx, cfg.SweepSchedule); err != nil {
		slog.Error("failed to start sweeper", "error", err)
		os.Exit(1)
	}

	// --- HTTP ---
	handler := webhook.NewHandler(notifier, a.Pipeline, cfg.PushToken, a.HealthChecks())
	ready, err := webhook.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel() // Stop all background goroutines

	sweep.Stop()
	if syncer != nil {
		syncer.Stop()
	}
	handler.Wait()
	background.Wait()

	slog.Info("replydesk server stopped")
}
