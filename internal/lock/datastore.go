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

	"cloud.google.com/go/datastore"
)

const lockKind = "ProcessingLock"

// lockEntity is the Datastore representation of a Record.
type lockEntity struct {
	Status     string    `datastore:"status"`
	ClaimedAt  time.Time `datastore:"claimed_at"`
	FinishedAt time.Time `datastore:"finished_at,noindex"`
	Attempts   int       `datastore:"attempts,noindex"`
	Reason     string    `datastore:"reason,noindex"`
	AnswerHTML string    `datastore:"answer_html,noindex"`
	Citations  []string  `datastore:"citations,noindex"`
}

func (e *lockEntity) record(id string) Record {
	r := Record{
		MessageID:  id,
		Status:     Status(e.Status),
		ClaimedAt:  e.ClaimedAt,
		Attempts:   e.Attempts,
		Reason:     e.Reason,
		AnswerHTML: e.AnswerHTML,
		Citations:  e.Citations,
	}
	if !e.FinishedAt.IsZero() {
		t := e.FinishedAt
		r.FinishedAt = &t
	}
	return r
}

// DatastoreStore keeps lock rows as Datastore entities keyed by message id.
// Claims run inside a transaction, which Datastore commits optimistically:
// of two racing claimers exactly one commit succeeds and the other is
// retried against the row the winner wrote.
type DatastoreStore struct {
	client *datastore.Client
}

// NewDatastoreStore creates a lock store over an existing client.
func NewDatastoreStore(client *datastore.Client) *DatastoreStore {
	slog.Info("lock store initialised", "backend", "datastore")
	return &DatastoreStore{client: client}
}

// Claim performs the conditional create-or-reclaim in one transaction.
func (s *DatastoreStore) Claim(ctx context.Context, messageID string, now, staleBefore time.Time) (ClaimResult, error) {
	key := datastore.NameKey(lockKind, messageID, nil)
	var res ClaimResult

	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		res = AlreadyClaimed
		var e lockEntity
		err := tx.Get(key, &e)
		switch {
		case errors.Is(err, datastore.ErrNoSuchEntity):
			e = lockEntity{Status: string(StatusClaimed), ClaimedAt: now, Attempts: 1}
			res = Acquired
		case err != nil:
			return err
		case Status(e.Status) == StatusClaimed && e.ClaimedAt.Before(staleBefore):
			e.ClaimedAt = now
			e.Attempts++
			res = Reclaimed
		default:
			return nil
		}
		_, err = tx.Put(key, &e)
		return err
	})
	if err != nil {
		return AlreadyClaimed, fmt.Errorf("datastore claim: %w", err)
	}
	return res, nil
}

// Finish transitions a claimed entity to a terminal status.
func (s *DatastoreStore) Finish(ctx context.Context, messageID string, outcome Outcome, at time.Time) (bool, error) {
	key := datastore.NameKey(lockKind, messageID, nil)
	changed := false

	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		changed = false
		var e lockEntity
		if err := tx.Get(key, &e); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return nil
			}
			return err
		}
		if Status(e.Status) != StatusClaimed {
			return nil
		}
		e.Status = string(outcome.Status)
		e.FinishedAt = at
		e.Reason = outcome.Reason
		if outcome.Answer != nil {
			e.AnswerHTML = outcome.Answer.Body
			e.Citations = outcome.Answer.Citations
		}
		if _, err := tx.Put(key, &e); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("datastore finish: %w", err)
	}
	return changed, nil
}

// Get retrieves a lock entity, or nil when none exists.
func (s *DatastoreStore) Get(ctx context.Context, messageID string) (*Record, error) {
	var e lockEntity
	err := s.client.Get(ctx, datastore.NameKey(lockKind, messageID, nil), &e)
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r := e.record(messageID)
	return &r, nil
}

// ListStale queries claimed entities older than staleBefore.
func (s *DatastoreStore) ListStale(ctx context.Context, staleBefore time.Time) ([]Record, error) {
	q := datastore.NewQuery(lockKind).
		FilterField("status", "=", string(StatusClaimed)).
		FilterField("claimed_at", "<", staleBefore)

	var entities []lockEntity
	keys, err := s.client.GetAll(ctx, q, &entities)
	if err != nil {
		return nil, fmt.Errorf("datastore list stale: %w", err)
	}

	records := make([]Record, 0, len(keys))
	for i, k := range keys {
		records = append(records, entities[i].record(k.Name))
	}
	return records, nil
}

// Ping reads a sentinel key to verify connectivity.
func (s *DatastoreStore) Ping(ctx context.Context) error {
	var e lockEntity
	err := s.client.Get(ctx, datastore.NameKey(lockKind, "__ping__", nil), &e)
	if err != nil && !errors.Is(err, datastore.ErrNoSuchEntity) {
		return err
	}
	return nil
}
