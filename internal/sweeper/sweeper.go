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

// Package sweeper re-enqueues messages whose processing claim went stale,
// typically because a worker died mid-run. The processing lock decides
// whether the retried run may reclaim the message.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bcem/replydesk/internal/lock"
)

// StaleLister lists claims past the staleness threshold. Implemented by
// lock.Guard.
type StaleLister interface {
	Stale(ctx context.Context) ([]lock.Record, error)
}

// Enqueuer hands message ids to workers. Implemented by queue.Publisher.
type Enqueuer interface {
	Enqueue(ctx context.Context, messageID, source string) error
}

// Sweeper periodically finds stale claims and requeues them.
type Sweeper struct {
	locks StaleLister
	queue Enqueuer
	cron  *cron.Cron
}

// New creates a sweeper.
func New(locks StaleLister, queue Enqueuer) *Sweeper {
	return &Sweeper{locks: locks, queue: queue}
}

// Start schedules Sweep on a cron schedule such as "@every 1m" or "*/5 * * * *".
// Overlapping runs are skipped.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		s.Sweep(runCtx)
	}); err != nil {
		return fmt.Errorf("schedule sweeper %q: %w", schedule, err)
	}
	s.cron = c
	c.Start()

	slog.Info("stale lock sweeper started", "schedule", schedule)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	slog.Info("stale lock sweeper stopped")
}

// Sweep requeues every stale claim once and returns how many were queued.
func (s *Sweeper) Sweep(ctx context.Context) int {
	records, err := s.locks.Stale(ctx)
	if err != nil {
		slog.Error("failed to list stale locks", "error", err)
		return 0
	}
	if len(records) == 0 {
		return 0
	}

	slog.Info("requeueing stale locks", "count", len(records))

	queued := 0
	for _, rec := range records {
		if err := s.queue.Enqueue(ctx, rec.MessageID, "sweep"); err != nil {
			slog.Error("requeue failed",
				"message_id", rec.MessageID,
				"claimed_at", rec.ClaimedAt,
				"error", err,
			)
			continue
		}
		queued++
	}
	return queued
}
