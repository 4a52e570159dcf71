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

package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockLister struct {
	ids   []string
	err   error
	since time.Time
}

func (m *mockLister) ListUnread(_ context.Context, since time.Time) ([]string, error) {
	m.since = since
	return m.ids, m.err
}

// mockDedup implements Deduper for testing.
type mockDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMockDedup() *mockDedup {
	return &mockDedup{seen: make(map[string]bool)}
}

func (m *mockDedup) IsNew(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

func (m *mockDedup) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[key], nil
}

func (m *mockDedup) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key)
	return nil
}

// mockQueue records enqueued ids.
type mockQueue struct {
	mu      sync.Mutex
	ids     []string
	failFor map[string]bool
}

func (m *mockQueue) Enqueue(_ context.Context, id, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor[id] {
		return errors.New("queue unavailable")
	}
	m.ids = append(m.ids, id)
	return nil
}

func newTestRunner(lister Lister, q *mockQueue, d Deduper) *Runner {
	return NewRunner(RunnerConfig{
		Lister:     lister,
		Queue:      q,
		Dedup:      d,
		BatchSize:  2,
		BatchDelay: time.Millisecond,
	})
}

// TestRun_QueuesAll verifies every listed message is queued across batches.
func TestRun_QueuesAll(t *testing.T) {
	lister := &mockLister{ids: []string{"a", "b", "c", "d", "e"}}
	q := &mockQueue{}

	res, err := newTestRunner(lister, q, newMockDedup()).Run(context.Background(), Request{Since: 24 * time.Hour})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Listed != 5 || res.Queued != 5 {
		t.Errorf("result = %+v, want 5 listed and queued", res)
	}
	if len(q.ids) != 5 {
		t.Errorf("queued %d ids, want 5", len(q.ids))
	}
	if d := time.Since(lister.since); d < 24*time.Hour || d > 25*time.Hour {
		t.Errorf("since = %v, want about 24h ago", lister.since)
	}
}

// TestRun_RerunSkipsQueued verifies the dedup prefix suppresses a second run.
func TestRun_RerunSkipsQueued(t *testing.T) {
	lister := &mockLister{ids: []string{"a", "b"}}
	q := &mockQueue{}
	r := newTestRunner(lister, q, newMockDedup())

	if _, err := r.Run(context.Background(), Request{Since: time.Hour}); err != nil {
		t.Fatal(err)
	}
	res, err := r.Run(context.Background(), Request{Since: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 2 || res.Queued != 0 {
		t.Errorf("rerun result = %+v, want 2 skipped", res)
	}
	if len(q.ids) != 2 {
		t.Errorf("queued %d ids total, want 2", len(q.ids))
	}
}

// TestRun_LimitAndDryRun verifies a dry run leaves no dedup marks behind:
// the real run that follows still queues every id.
func TestRun_LimitAndDryRun(t *testing.T) {
	q := &mockQueue{}
	r := newTestRunner(&mockLister{ids: []string{"a", "b", "c"}}, q, newMockDedup())

	res, err := r.Run(context.Background(), Request{Since: time.Hour, Limit: 2, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Listed != 2 || res.Queued != 2 {
		t.Errorf("dry run result = %+v, want 2 listed and counted", res)
	}
	if len(q.ids) != 0 {
		t.Errorf("dry run queued %v", q.ids)
	}

	res, err = r.Run(context.Background(), Request{Since: time.Hour, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Queued != 2 || res.Skipped != 0 {
		t.Errorf("real run result = %+v, want 2 queued and none skipped", res)
	}
	if len(q.ids) != 2 || q.ids[0] != "a" || q.ids[1] != "b" {
		t.Errorf("queued %v, want [a b]", q.ids)
	}
}

func TestRun_EnqueueErrorsCounted(t *testing.T) {
	q := &mockQueue{failFor: map[string]bool{"b": true}}
	res, err := newTestRunner(&mockLister{ids: []string{"a", "b", "c"}}, q, nil).
		Run(context.Background(), Request{Since: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if res.Queued != 2 || res.Errors != 1 {
		t.Errorf("result = %+v, want 2 queued and 1 error", res)
	}
}

// TestRun_FailedEnqueueRetriedOnRerun verifies a failed id is not left
// marked as queued.
func TestRun_FailedEnqueueRetriedOnRerun(t *testing.T) {
	q := &mockQueue{failFor: map[string]bool{"b": true}}
	r := newTestRunner(&mockLister{ids: []string{"a", "b"}}, q, newMockDedup())

	if _, err := r.Run(context.Background(), Request{Since: time.Hour}); err != nil {
		t.Fatal(err)
	}
	q.mu.Lock()
	q.failFor = nil
	q.mu.Unlock()

	res, err := r.Run(context.Background(), Request{Since: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if res.Queued != 1 || res.Skipped != 1 {
		t.Errorf("rerun result = %+v, want 1 queued and 1 skipped", res)
	}
	if len(q.ids) != 2 || q.ids[1] != "b" {
		t.Errorf("queued %v, want [a b]", q.ids)
	}
}

func TestRun_ListError(t *testing.T) {
	_, err := newTestRunner(&mockLister{err: errors.New("boom")}, &mockQueue{}, nil).
		Run(context.Background(), Request{Since: time.Hour})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRun_CancelledBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(RunnerConfig{
		Lister:     &mockLister{ids: []string{"a", "b", "c"}},
		Queue:      &mockQueue{},
		BatchSize:  1,
		BatchDelay: time.Hour,
	})
	res, err := r.Run(ctx, Request{Since: time.Hour})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.Queued != 1 {
		t.Errorf("queued = %d, want 1 before cancellation", res.Queued)
	}
}
