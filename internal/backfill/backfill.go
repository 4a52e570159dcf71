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

// Package backfill enqueues unread mail that arrived before push
// notifications were active, or while the service was down.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Lister lists unread message ids received since a time.
type Lister interface {
	ListUnread(ctx context.Context, since time.Time) ([]string, error)
}

// Deduper suppresses ids already queued. Implemented by dedup.Filter.
type Deduper interface {
	IsNew(ctx context.Context, key string) (bool, error)
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// Enqueuer hands message ids to workers. Implemented by queue.Publisher.
type Enqueuer interface {
	Enqueue(ctx context.Context, messageID, source string) error
}

// Request defines the scope of a backfill run.
type Request struct {
	Since  time.Duration // lookback window (e.g. 168h = 1 week)
	Limit  int           // zero means no limit
	DryRun bool          // list and dedup-check only
}

// Result summarises a completed backfill run.
type Result struct {
	Listed  int           `json:"listed"`
	Queued  int           `json:"queued"`
	Skipped int           `json:"skipped"`
	Errors  int           `json:"errors"`
	Elapsed time.Duration `json:"elapsed"`
}

// Runner performs backfill runs.
type Runner struct {
	lister     Lister
	queue      Enqueuer
	dedup      Deduper
	batchSize  int
	batchDelay time.Duration // pause between batches so workers are not flooded
}

// RunnerConfig holds dependencies for the backfill runner.
type RunnerConfig struct {
	Lister     Lister
	Queue      Enqueuer
	Dedup      Deduper // optional
	BatchSize  int
	BatchDelay time.Duration
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	size := cfg.BatchSize
	if size <= 0 {
		size = 50
	}
	delay := cfg.BatchDelay
	if delay == 0 {
		delay = 500 * time.Millisecond
	}
	return &Runner{
		lister:     cfg.Lister,
		queue:      cfg.Queue,
		dedup:      cfg.Dedup,
		batchSize:  size,
		batchDelay: delay,
	}
}

// Run lists unread mail in the window and enqueues each message once.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	since := start.UTC().Add(-req.Since)

	slog.Info("starting backfill",
		"since", since.Format(time.RFC3339),
		"limit", req.Limit,
		"dry_run", req.DryRun,
	)

	ids, err := r.lister.ListUnread(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list unread: %w", err)
	}
	if req.Limit > 0 && len(ids) > req.Limit {
		ids = ids[:req.Limit]
	}

	result := &Result{Listed: len(ids)}

	for i, id := range ids {
		if i > 0 && i%r.batchSize == 0 {
			select {
			case <-ctx.Done():
				result.Elapsed = time.Since(start)
				return result, ctx.Err()
			case <-time.After(r.batchDelay):
			}
		}

		// "backfill:" prefix keeps a rerun from requeueing the same window
		key := "backfill:" + id
		if req.DryRun {
			if r.seen(ctx, key) {
				result.Skipped++
			} else {
				result.Queued++
			}
			continue
		}

		if r.dedup != nil {
			isNew, err := r.dedup.IsNew(ctx, key)
			if err != nil {
				slog.Warn("dedup check failed", "message_id", id, "error", err)
			} else if !isNew {
				result.Skipped++
				continue
			}
		}

		if err := r.queue.Enqueue(ctx, id, "backfill"); err != nil {
			slog.Warn("backfill: enqueue failed", "message_id", id, "error", err)
			result.Errors++
			if r.dedup != nil {
				if ferr := r.dedup.Forget(ctx, key); ferr != nil {
					slog.Warn("failed to release dedup key", "message_id", id, "error", ferr)
				}
			}
			continue
		}
		result.Queued++
	}

	result.Elapsed = time.Since(start)

	slog.Info("backfill complete",
		"listed", result.Listed,
		"queued", result.Queued,
		"skipped", result.Skipped,
		"errors", result.Errors,
		"elapsed", result.Elapsed,
	)

	return result, nil
}

// seen is the read-only dedup check used by dry runs.
func (r *Runner) seen(ctx context.Context, key string) bool {
	if r.dedup == nil {
		return false
	}
	ok, err := r.dedup.Seen(ctx, key)
	if err != nil {
		slog.Warn("dedup check failed", "key", key, "error", err)
		return false
	}
	return ok
}
