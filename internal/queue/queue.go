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

// Package queue carries message ids from triggers (push notifications,
// pollers, backfill, the stale-lock sweeper) to pipeline workers through a
// Redis list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Task is one unit of work on the queue.
type Task struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"message_id"`
	Source     string    `json:"source"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Attempts counts earlier deliveries of this task that failed before
	// the message was claimed.
	Attempts int `json:"attempts,omitempty"`
}

// Publisher pushes tasks onto the queue.
type Publisher struct {
	rdb       redis.Cmdable
	queueName string
}

// NewPublisher creates a publisher targeting queueName.
func NewPublisher(rdb redis.Cmdable, queueName string) *Publisher {
	return &Publisher{rdb: rdb, queueName: queueName}
}

// Enqueue publishes a task for messageID. source names the trigger for logs.
func (p *Publisher) Enqueue(ctx context.Context, messageID, source string) error {
	task := Task{
		ID:         uuid.New().String(),
		MessageID:  messageID,
		Source:     source,
		EnqueuedAt: time.Now().UTC(),
	}

	if err := p.push(ctx, task); err != nil {
		return err
	}

	slog.Info("enqueued message",
		"task_id", task.ID,
		"message_id", messageID,
		"source", source,
		"queue", p.queueName,
	)
	return nil
}

// Requeue publishes task again with its attempt count incremented.
func (p *Publisher) Requeue(ctx context.Context, task Task) error {
	task.Attempts++
	task.EnqueuedAt = time.Now().UTC()
	if err := p.push(ctx, task); err != nil {
		return err
	}

	slog.Info("requeued message",
		"task_id", task.ID,
		"message_id", task.MessageID,
		"attempts", task.Attempts,
		"queue", p.queueName,
	)
	return nil
}

func (p *Publisher) push(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, data).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}

// Handler processes one task. Errors are logged by the consumer; handlers
// that want redelivery requeue the task themselves.
type Handler func(ctx context.Context, task Task) error

// Consumer pops tasks with BRPOP and hands them to a Handler.
type Consumer struct {
	rdb       redis.Cmdable
	queueName string
	wait      time.Duration
}

// NewConsumer creates a consumer reading queueName.
func NewConsumer(rdb redis.Cmdable, queueName string) *Consumer {
	return &Consumer{rdb: rdb, queueName: queueName, wait: 5 * time.Second}
}

// Run starts concurrency workers and blocks until ctx is cancelled and all
// in-flight tasks finish.
func (c *Consumer) Run(ctx context.Context, concurrency int, handle Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	slog.Info("queue consumer starting", "queue", c.queueName, "workers", concurrency)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.work(ctx, worker, handle)
		}(i)
	}
	wg.Wait()
	slog.Info("queue consumer stopped", "queue", c.queueName)
}

func (c *Consumer) work(ctx context.Context, worker int, handle Handler) {
	for ctx.Err() == nil {
		task, err := c.pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("queue pop failed", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if task == nil {
			continue
		}

		if err := handle(ctx, *task); err != nil {
			slog.Error("task failed",
				"worker", worker,
				"task_id", task.ID,
				"message_id", task.MessageID,
				"error", err,
			)
		}
	}
}

// pop returns nil, nil when the wait elapses with an empty queue.
func (c *Consumer) pop(ctx context.Context) (*Task, error) {
	res, err := c.rdb.BRPop(ctx, c.wait, c.queueName).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis BRPOP: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("redis BRPOP: unexpected reply of %d elements", len(res))
	}

	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		slog.Warn("dropping malformed task", "payload", res[1], "error", err)
		return nil, nil
	}
	return &task, nil
}
