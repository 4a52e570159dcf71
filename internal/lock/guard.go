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

// Package lock guards each inbound message with a durable processing claim.
// The Guard hands out exclusive rights through a single compare-and-set write
// against the backing Store and records the terminal outcome of the run. Rows
// are never deleted; the table doubles as the audit trail.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/replydesk/internal/models"
)

// Status is the lifecycle state of a lock row.
type Status string

const (
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ClaimResult is the outcome of a claim attempt.
type ClaimResult int

const (
	AlreadyClaimed ClaimResult = iota
	Acquired
	Reclaimed
)

func (r ClaimResult) String() string {
	switch r {
	case Acquired:
		return "acquired"
	case Reclaimed:
		return "reclaimed"
	default:
		return "already_claimed"
	}
}

// Owned reports whether the caller now holds the claim.
func (r ClaimResult) Owned() bool {
	return r == Acquired || r == Reclaimed
}

// Record is one persisted lock row.
type Record struct {
	MessageID  string     `json:"message_id"`
	Status     Status     `json:"status"`
	ClaimedAt  time.Time  `json:"claimed_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Attempts   int        `json:"attempts"`
	Reason     string     `json:"reason,omitempty"`
	AnswerHTML string     `json:"answer_html,omitempty"`
	Citations  []string   `json:"citations,omitempty"`
}

// Outcome is the terminal state written by Complete.
type Outcome struct {
	Status Status
	Reason string
	Answer *models.SynthesizedAnswer
}

// Store is the state-store collaborator. Claim must be a single atomic
// conditional write: insert when absent, re-stamp when the existing row is
// still claimed and was claimed before staleBefore, otherwise leave it alone.
type Store interface {
	Claim(ctx context.Context, messageID string, now, staleBefore time.Time) (ClaimResult, error)
	Finish(ctx context.Context, messageID string, outcome Outcome, at time.Time) (bool, error)
	Get(ctx context.Context, messageID string) (*Record, error)
	ListStale(ctx context.Context, staleBefore time.Time) ([]Record, error)
	Ping(ctx context.Context) error
}

// Guard is the intake gate and outcome recorder over a Store.
type Guard struct {
	store      Store
	staleAfter time.Duration
	now        func() time.Time
}

// NewGuard creates a guard. A claimed row older than staleAfter may be reclaimed.
func NewGuard(store Store, staleAfter time.Duration) *Guard {
	return &Guard{store: store, staleAfter: staleAfter, now: time.Now}
}

// Claim tries to take exclusive processing rights over messageID.
func (g *Guard) Claim(ctx context.Context, messageID string) (ClaimResult, error) {
	now := g.now().UTC()
	res, err := g.store.Claim(ctx, messageID, now, now.Add(-g.staleAfter))
	if err != nil {
		return AlreadyClaimed, fmt.Errorf("claim %s: %w", messageID, err)
	}

	switch res {
	case Reclaimed:
		slog.Warn("reclaimed stale lock", "message_id", messageID, "stale_after", g.staleAfter.String())
	case AlreadyClaimed:
		slog.Info("message already claimed", "message_id", messageID)
	default:
		slog.Debug("lock acquired", "message_id", messageID)
	}
	return res, nil
}

// Complete moves a claimed row to its terminal state. Finalizing a row that
// is already terminal is a no-op.
func (g *Guard) Complete(ctx context.Context, messageID string, outcome Outcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("complete %s: status %q is not terminal", messageID, outcome.Status)
	}

	changed, err := g.store.Finish(ctx, messageID, outcome, g.now().UTC())
	if err != nil {
		return fmt.Errorf("finish %s: %w", messageID, err)
	}
	if !changed {
		slog.Info("lock already finalised", "message_id", messageID)
		return nil
	}

	slog.Info("lock finalised",
		"message_id", messageID,
		"status", string(outcome.Status),
		"reason", outcome.Reason,
	)
	return nil
}

// Stale lists claimed rows that have passed the staleness threshold.
func (g *Guard) Stale(ctx context.Context) ([]Record, error) {
	return g.store.ListStale(ctx, g.now().UTC().Add(-g.staleAfter))
}

// Get returns the lock row for messageID, or nil when none exists.
func (g *Guard) Get(ctx context.Context, messageID string) (*Record, error) {
	return g.store.Get(ctx, messageID)
}

// Ping checks the backing store.
func (g *Guard) Ping(ctx context.Context) error {
	return g.store.Ping(ctx)
}
