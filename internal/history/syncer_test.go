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

package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bcem/replydesk/internal/mail"
)

type fakeSource struct {
	ids    []string
	latest uint64
	err    error
	calls  []uint64
}

func (f *fakeSource) HistorySince(_ context.Context, start uint64) ([]string, uint64, error) {
	f.calls = append(f.calls, start)
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.ids, f.latest, nil
}

type memCursor struct {
	mu  sync.Mutex
	id  uint64
	set bool
}

func (c *memCursor) Load(context.Context) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id, c.set, nil
}

func (c *memCursor) Save(_ context.Context, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id, c.set = id, true
	return nil
}

type mockDedup struct{ seen map[string]bool }

func (m *mockDedup) IsNew(_ context.Context, key string) (bool, error) {
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

func (m *mockDedup) Forget(_ context.Context, key string) error {
	delete(m.seen, key)
	return nil
}

type mockQueue struct {
	ids []string
	err error
}

func (m *mockQueue) Enqueue(_ context.Context, id, _ string) error {
	if m.err != nil {
		return m.err
	}
	m.ids = append(m.ids, id)
	return nil
}

func newTestSyncer(src *fakeSource, cur *memCursor, q *mockQueue) *Syncer {
	return NewSyncer(SyncerConfig{
		Source: src,
		Cursor: cur,
		Dedup:  &mockDedup{seen: map[string]bool{}},
		Queue:  q,
	})
}

// TestNotify_InitialRecordsCursorOnly verifies the first notification sets
// the baseline without enqueuing anything.
func TestNotify_InitialRecordsCursorOnly(t *testing.T) {
	src := &fakeSource{ids: []string{"m1"}, latest: 200}
	cur := &memCursor{}
	q := &mockQueue{}

	n, err := newTestSyncer(src, cur, q).Notify(context.Background(), 100)
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if n != 0 || len(q.ids) != 0 {
		t.Errorf("enqueued %d messages on initial sync, want 0", len(q.ids))
	}
	if len(src.calls) != 0 {
		t.Errorf("history listed on initial sync")
	}
	if !cur.set || cur.id != 100 {
		t.Errorf("cursor = %d (set=%v), want 100", cur.id, cur.set)
	}
}

// TestNotify_IncrementalEnqueuesAndAdvances verifies new messages are queued
// once and the cursor moves to the latest history id.
func TestNotify_IncrementalEnqueuesAndAdvances(t *testing.T) {
	src := &fakeSource{ids: []string{"m1", "m2"}, latest: 150}
	cur := &memCursor{id: 100, set: true}
	q := &mockQueue{}
	s := newTestSyncer(src, cur, q)

	n, err := s.Notify(context.Background(), 150)
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if n != 2 {
		t.Errorf("enqueued = %d, want 2", n)
	}
	if src.calls[0] != 100 {
		t.Errorf("history started at %d, want 100", src.calls[0])
	}
	if cur.id != 150 {
		t.Errorf("cursor = %d, want 150", cur.id)
	}

	// a redelivered notification with the same history id is a no-op
	n, err = s.Notify(context.Background(), 150)
	if err != nil || n != 0 {
		t.Errorf("redelivered Notify = %d, %v; want 0, nil", n, err)
	}
	if len(q.ids) != 2 {
		t.Errorf("queue = %v, want two ids", q.ids)
	}
}

// TestNotify_ExpiredCursorResets verifies an expired cursor is replaced by
// the notification's history id.
func TestNotify_ExpiredCursorResets(t *testing.T) {
	src := &fakeSource{err: mail.ErrHistoryExpired}
	cur := &memCursor{id: 5, set: true}
	q := &mockQueue{}

	if _, err := newTestSyncer(src, cur, q).Notify(context.Background(), 900); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if cur.id != 900 {
		t.Errorf("cursor = %d, want 900", cur.id)
	}
}

// TestSync_EnqueueFailureKeepsCursor verifies the cursor is not advanced
// past messages that were never queued.
func TestSync_EnqueueFailureKeepsCursor(t *testing.T) {
	src := &fakeSource{ids: []string{"m1"}, latest: 300}
	cur := &memCursor{id: 200, set: true}
	q := &mockQueue{err: errors.New("redis down")}

	if _, err := newTestSyncer(src, cur, q).Sync(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if cur.id != 200 {
		t.Errorf("cursor = %d, want 200", cur.id)
	}
}

// TestSync_RetriesAfterQueueRecovers verifies a message whose enqueue
// failed is queued by the next sync rather than suppressed as a duplicate.
func TestSync_RetriesAfterQueueRecovers(t *testing.T) {
	src := &fakeSource{ids: []string{"m1"}, latest: 300}
	cur := &memCursor{id: 200, set: true}
	q := &mockQueue{err: errors.New("redis down")}
	s := newTestSyncer(src, cur, q)

	if _, err := s.Sync(context.Background()); err == nil {
		t.Fatal("expected error while the queue is down")
	}

	q.err = nil
	n, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 1 || len(q.ids) != 1 || q.ids[0] != "m1" {
		t.Errorf("second sync enqueued %v, want [m1]", q.ids)
	}
	if cur.id != 300 {
		t.Errorf("cursor = %d, want 300", cur.id)
	}
}

// TestSync_NoCursorIsNoop verifies the periodic sync waits for a baseline.
func TestSync_NoCursorIsNoop(t *testing.T) {
	src := &fakeSource{ids: []string{"m1"}, latest: 1}
	n, err := newTestSyncer(src, &memCursor{}, &mockQueue{}).Sync(context.Background())
	if err != nil || n != 0 || len(src.calls) != 0 {
		t.Errorf("Sync = %d, %v, calls %v", n, err, src.calls)
	}
}

// TestSyncer_StopWithoutStart verifies Stop is safe before any loop runs.
func TestSyncer_StopWithoutStart(t *testing.T) {
	s := newTestSyncer(&fakeSource{}, &memCursor{}, &mockQueue{})
	s.StartPeriodicSync(context.Background()) // zero interval: no loop
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked")
	}
}
