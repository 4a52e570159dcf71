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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/replydesk/internal/mail"
	"github.com/bcem/replydesk/internal/queue"
	"github.com/bcem/replydesk/internal/retry"
)

// Requeuer puts a task back on the queue. Implemented by queue.Publisher.
type Requeuer interface {
	Requeue(ctx context.Context, task queue.Task) error
}

// WorkerConfig bounds redelivery of tasks that failed before the claim.
type WorkerConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Worker adapts the pipeline to the queue consumer. A run that fails before
// the claim leaves no lock row for the sweeper to find, so the worker
// requeues it instead.
type Worker struct {
	pipeline *Pipeline
	requeue  Requeuer
	policy   retry.Policy
}

// NewWorker creates a queue handler for p.
func NewWorker(p *Pipeline, requeue Requeuer, cfg WorkerConfig) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	return &Worker{
		pipeline: p,
		requeue:  requeue,
		policy:   retry.Policy{Attempts: cfg.MaxAttempts, BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay},
	}
}

// Handle implements queue.Handler.
func (w *Worker) Handle(ctx context.Context, task queue.Task) error {
	_, err := w.pipeline.Process(ctx, task.MessageID)
	if err == nil {
		return nil
	}
	if errors.Is(err, mail.ErrNotFound) {
		slog.Warn("message gone, dropping task", "task_id", task.ID, "message_id", task.MessageID)
		return nil
	}

	attempt := task.Attempts + 1
	if attempt >= w.policy.Attempts {
		return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
	}

	// a shutdown requeues at once so the task survives the restart
	select {
	case <-ctx.Done():
	case <-time.After(w.policy.Delay(attempt)):
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if rerr := w.requeue.Requeue(rctx, task); rerr != nil {
		return errors.Join(err, fmt.Errorf("requeue: %w", rerr))
	}
	slog.Warn("task failed before claim, requeued",
		"task_id", task.ID,
		"message_id", task.MessageID,
		"attempt", attempt,
		"error", err,
	)
	return nil
}
