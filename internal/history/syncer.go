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

// Package history turns Gmail push notifications into queued message ids
// by walking the mailbox history since the last processed cursor.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/replydesk/internal/mail"
)

// Source lists messages added since a history id. Implemented by mail.Gmail.
type Source interface {
	HistorySince(ctx context.Context, startHistoryID uint64) ([]string, uint64, error)
}

// Deduper suppresses repeat triggers. Implemented by dedup.Filter.
type Deduper interface {
	IsNew(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// Enqueuer hands message ids to workers. Implemented by queue.Publisher.
type Enqueuer interface {
	Enqueue(ctx context.Context, messageID, source string) error
}

// CursorStore persists the last history id that was fully enqueued.
type CursorStore interface {
	Load(ctx context.Context) (uint64, bool, error)
	Save(ctx context.Context, historyID uint64) error
}

// RedisCursor stores the cursor under a single Redis key.
type RedisCursor struct {
	rdb redis.Cmdable
	key string
}

// NewRedisCursor creates a cursor store at key.
func NewRedisCursor(rdb redis.Cmdable, key string) *RedisCursor {
	return &RedisCursor{rdb: rdb, key: key}
}

// Load returns the stored cursor, or false when none has been saved.
func (c *RedisCursor) Load(ctx context.Context) (uint64, bool, error) {
	v, err := c.rdb.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis GET %s: %w", c.key, err)
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse history cursor %q: %w", v, err)
	}
	return id, true, nil
}

// Save stores historyID as the cursor.
func (c *RedisCursor) Save(ctx context.Context, historyID uint64) error {
	if err := c.rdb.Set(ctx, c.key, strconv.FormatUint(historyID, 10), 0).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", c.key, err)
	}
	return nil
}

// Syncer walks mailbox history and enqueues new messages.
type Syncer struct {
	source Source
	cursor CursorStore
	dedup  Deduper
	queue  Enqueuer

	// syncs are serialised so two notifications never read the same cursor
	mu sync.Mutex

	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// SyncerConfig holds the dependencies of a Syncer.
type SyncerConfig struct {
	Source   Source
	Cursor   CursorStore
	Dedup    Deduper
	Queue    Enqueuer
	Interval time.Duration
}

// NewSyncer creates a history syncer.
func NewSyncer(cfg SyncerConfig) *Syncer {
	return &Syncer{
		source:   cfg.Source,
		cursor:   cfg.Cursor,
		dedup:    cfg.Dedup,
		queue:    cfg.Queue,
		interval: cfg.Interval,
	}
}

// Notify handles a push notification carrying the mailbox's current history
// id. With no stored cursor it only records historyID: older mail is left to
// the backfill command rather than flooding the pipeline.
func (s *Syncer) Notify(ctx context.Context, historyID uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok, err := s.cursor.Load(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		slog.Info("initial history sync (recording cursor)", "history_id", historyID)
		return 0, s.cursor.Save(ctx, historyID)
	}
	if historyID != 0 && historyID <= cur {
		return 0, nil
	}

	return s.syncFrom(ctx, cur, historyID)
}

// Sync walks history from the stored cursor. It does nothing before the
// first notification has established a cursor.
func (s *Syncer) Sync(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok, err := s.cursor.Load(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return s.syncFrom(ctx, cur, 0)
}

// syncFrom must be called with s.mu held. hint is the history id from a
// notification, used as the new baseline when the cursor has expired.
func (s *Syncer) syncFrom(ctx context.Context, cur, hint uint64) (int, error) {
	ids, latest, err := s.source.HistorySince(ctx, cur)
	if errors.Is(err, mail.ErrHistoryExpired) {
		slog.Warn("history cursor expired, resetting baseline",
			"cursor", cur,
			"history_id", hint,
		)
		if hint == 0 {
			return 0, nil
		}
		return 0, s.cursor.Save(ctx, hint)
	}
	if err != nil {
		return 0, fmt.Errorf("history sync: %w", err)
	}

	enqueued := 0
	for _, id := range ids {
		key := "history:" + id
		isNew, err := s.dedup.IsNew(ctx, key)
		if err != nil {
			slog.Warn("dedup check failed during history sync", "message_id", id, "error", err)
		} else if !isNew {
			continue
		}

		if err := s.queue.Enqueue(ctx, id, "push"); err != nil {
			// leave the cursor where it is and release the key so the next
			// sync retries this id
			if ferr := s.dedup.Forget(ctx, key); ferr != nil {
				slog.Warn("failed to release dedup key", "message_id", id, "error", ferr)
			}
			return enqueued, fmt.Errorf("enqueue %s: %w", id, err)
		}
		enqueued++
	}

	if latest > cur {
		if err := s.cursor.Save(ctx, latest); err != nil {
			return enqueued, err
		}
	}

	slog.Info("history sync complete",
		"from", cur,
		"to", latest,
		"new_messages", enqueued,
	)
	return enqueued, nil
}

// StartPeriodicSync runs Sync at the configured interval as a safety net
// for dropped notifications.
func (s *Syncer) StartPeriodicSync(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sync(loopCtx); err != nil {
					slog.Error("periodic history sync failed", "error", err)
				}
			}
		}
	}()

	slog.Info("periodic history sync started", "interval", s.interval)
}

// Stop shuts down the periodic sync loop.
func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
