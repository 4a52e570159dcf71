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

package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	schemaSQL = `
		CREATE TABLE IF NOT EXISTS processing_locks (
			message_id  TEXT PRIMARY KEY,
			status      TEXT NOT NULL DEFAULT 'claimed',
			claimed_at  TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			attempts    INT NOT NULL DEFAULT 1,
			reason      TEXT NOT NULL DEFAULT '',
			answer_html TEXT NOT NULL DEFAULT '',
			citations   TEXT[] NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_locks_status_claimed ON processing_locks(status, claimed_at);
	`

	// claimSQL inserts a claimed row or re-stamps a stale one in a single
	// statement. xmax is zero only for freshly inserted tuples, which tells
	// the two apart; a live or terminal row returns no rows.
	claimSQL = `
		INSERT INTO processing_locks (message_id, status, claimed_at, attempts)
		VALUES ($1, 'claimed', $2, 1)
		ON CONFLICT (message_id) DO UPDATE SET
			claimed_at = EXCLUDED.claimed_at,
			attempts   = processing_locks.attempts + 1
		WHERE processing_locks.status = 'claimed'
		  AND processing_locks.claimed_at < $3
		RETURNING (xmax = 0)
	`

	finishSQL = `
		UPDATE processing_locks
		SET status = $2, finished_at = $3, reason = $4, answer_html = $5, citations = $6
		WHERE message_id = $1 AND status = 'claimed'
	`

	selectRecordSQL = `
		SELECT message_id, status, claimed_at, finished_at, attempts, reason, answer_html, citations
		FROM processing_locks
	`
	getSQL       = selectRecordSQL + `WHERE message_id = $1`
	listStaleSQL = selectRecordSQL + `WHERE status = 'claimed' AND claimed_at < $1 ORDER BY claimed_at`
)

// PostgresStore keeps lock rows in the processing_locks table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a lock store backed by the given pool.
// It ensures the processing_locks table exists on creation.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure lock schema: %w", err)
	}
	slog.Info("lock store initialised", "backend", "postgres")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

// Claim runs claimSQL.
func (s *PostgresStore) Claim(ctx context.Context, messageID string, now, staleBefore time.Time) (ClaimResult, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx, claimSQL, messageID, now, staleBefore).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return AlreadyClaimed, nil
	}
	if err != nil {
		return AlreadyClaimed, err
	}
	if inserted {
		return Acquired, nil
	}
	return Reclaimed, nil
}

// Finish moves a claimed row to a terminal status. It reports false when the
// row was already terminal or does not exist.
func (s *PostgresStore) Finish(ctx context.Context, messageID string, outcome Outcome, at time.Time) (bool, error) {
	answerHTML, citations := "", []string{}
	if outcome.Answer != nil {
		answerHTML = outcome.Answer.Body
		if outcome.Answer.Citations != nil {
			citations = outcome.Answer.Citations
		}
	}

	tag, err := s.pool.Exec(ctx, finishSQL, messageID, string(outcome.Status), at, outcome.Reason, answerHTML, citations)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Get retrieves a single lock row.
func (s *PostgresStore) Get(ctx context.Context, messageID string) (*Record, error) {
	row := s.pool.QueryRow(ctx, getSQL, messageID)
	return scanRecord(row)
}

// ListStale returns claimed rows whose claim predates staleBefore.
func (s *PostgresStore) ListStale(ctx context.Context, staleBefore time.Time) ([]Record, error) {
	rows, err := s.pool.Query(ctx, listStaleSQL, staleBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var status string
	err := row.Scan(&r.MessageID, &status, &r.ClaimedAt, &r.FinishedAt,
		&r.Attempts, &r.Reason, &r.AnswerHTML, &r.Citations)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	return &r, nil
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		var status string
		if err := rows.Scan(&r.MessageID, &status, &r.ClaimedAt, &r.FinishedAt,
			&r.Attempts, &r.Reason, &r.AnswerHTML, &r.Citations); err != nil {
			return nil, err
		}
		r.Status = Status(status)
		records = append(records, r)
	}
	return records, rows.Err()
}
