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
	"log/slog"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for local runs and tests. It offers the
// same compare-and-set semantics as the durable stores within one process.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Record
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	slog.Info("lock store initialised", "backend", "memory")
	return &MemoryStore{rows: make(map[string]Record)}
}

func (s *MemoryStore) Claim(_ context.Context, messageID string, now, staleBefore time.Time) (ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[messageID]
	switch {
	case !ok:
		s.rows[messageID] = Record{MessageID: messageID, Status: StatusClaimed, ClaimedAt: now, Attempts: 1}
		return Acquired, nil
	case r.Status == StatusClaimed && r.ClaimedAt.Before(staleBefore):
		r.ClaimedAt = now
		r.Attempts++
		s.rows[messageID] = r
		return Reclaimed, nil
	default:
		return AlreadyClaimed, nil
	}
}

func (s *MemoryStore) Finish(_ context.Context, messageID string, outcome Outcome, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[messageID]
	if !ok || r.Status != StatusClaimed {
		return false, nil
	}
	r.Status = outcome.Status
	r.FinishedAt = &at
	r.Reason = outcome.Reason
	if outcome.Answer != nil {
		r.AnswerHTML = outcome.Answer.Body
		r.Citations = append([]string(nil), outcome.Answer.Citations...)
	}
	s.rows[messageID] = r
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, messageID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[messageID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *MemoryStore) ListStale(_ context.Context, staleBefore time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, r := range s.rows {
		if r.Status == StatusClaimed && r.ClaimedAt.Before(staleBefore) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(out[j].ClaimedAt) })
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
