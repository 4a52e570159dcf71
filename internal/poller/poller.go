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

// Package poller periodically lists unread mail for mailboxes without a push
// channel (IMAP) and dispatches new message ids.
package poller

import (
	"context"
	"log/slog"
	"time"
)

// Lister lists unread message ids. Implemented by the mail package mailboxes.
type Lister interface {
	ListUnread(ctx context.Context, since time.Time) ([]string, error)
}

// Deduper suppresses ids already dispatched. Implemented by dedup.Filter.
type Deduper interface {
	IsNew(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// MessageCallback is called for each newly seen message id.
type MessageCallback func(ctx context.Context, messageID string) error

// Poller periodically checks the mailbox for unread messages.
type Poller struct {
	lister    Lister
	dedup     Deduper
	interval  time.Duration
	lookback  time.Duration
	onMessage MessageCallback
	now       func() time.Time
}

// NewPoller creates a poller that checks for unread mail at the given
// interval. lookback bounds how far back each listing reaches; unread mail
// older than that is left to the backfill command.
func NewPoller(lister Lister, dedup Deduper, interval, lookback time.Duration, onMessage MessageCallback) *Poller {
	return &Poller{
		lister:    lister,
		dedup:     dedup,
		interval:  interval,
		lookback:  lookback,
		onMessage: onMessage,
		now:       time.Now,
	}
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("mailbox poller starting",
		"interval", p.interval,
		"lookback", p.lookback,
	)

	p.Poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("mailbox poller stopping")
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll lists unread mail once and dispatches ids not seen before. It
// returns the number dispatched.
func (p *Poller) Poll(ctx context.Context) int {
	since := p.now().UTC().Add(-p.lookback)

	ids, err := p.lister.ListUnread(ctx, since)
	if err != nil {
		slog.Error("failed to list unread mail", "error", err)
		return 0
	}
	if len(ids) == 0 {
		slog.Debug("no unread mail")
		return 0
	}

	dispatched := 0
	for _, id := range ids {
		key := "poll:" + id
		isNew, err := p.dedup.IsNew(ctx, key)
		if err != nil {
			slog.Warn("dedup check failed, proceeding", "message_id", id, "error", err)
		} else if !isNew {
			continue
		}

		if err := p.onMessage(ctx, id); err != nil {
			slog.Error("failed to dispatch message", "message_id", id, "error", err)
			if ferr := p.dedup.Forget(ctx, key); ferr != nil {
				slog.Warn("failed to release dedup key", "message_id", id, "error", ferr)
			}
			continue
		}
		dispatched++
	}

	if dispatched > 0 {
		slog.Info("dispatched unread mail", "count", dispatched, "listed", len(ids))
	}
	return dispatched
}
