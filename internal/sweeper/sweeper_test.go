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

package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/replydesk/internal/lock"
)

type stubLocks struct {
	records []lock.Record
	err     error
}

func (s stubLocks) Stale(context.Context) ([]lock.Record, error) { return s.records, s.err }

type mockQueue struct {
	mu   sync.Mutex
	ids  []string
	fail string
}

func (m *mockQueue) Enqueue(_ context.Context, id, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == m.fail {
		return errors.New("redis down")
	}
	m.ids = append(m.ids, id+"/"+source)
	return nil
}

func (m *mockQueue) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ids...)
}

func TestSweep_RequeuesStaleClaims(t *testing.T) {
	q := &mockQueue{fail: "b"}
	s := New(stubLocks{records: []lock.Record{{MessageID: "a"}, {MessageID: "b"}, {MessageID: "c"}}}, q)

	assert.Equal(t, 2, s.Sweep(context.Background()))
	assert.Equal(t, []string{"a/sweep", "c/sweep"}, q.snapshot())
}

func TestSweep_ListErrorQueuesNothing(t *testing.T) {
	q := &mockQueue{}
	s := New(stubLocks{err: errors.New("db down")}, q)
	assert.Equal(t, 0, s.Sweep(context.Background()))
	assert.Empty(t, q.snapshot())
}

// TestSweep_WithGuard runs the sweeper against a real guard whose claims are
// immediately stale.
func TestSweep_WithGuard(t *testing.T) {
	guard := lock.NewGuard(lock.NewMemoryStore(), -time.Hour)
	_, err := guard.Claim(context.Background(), "m-1")
	require.NoError(t, err)

	q := &mockQueue{}
	assert.Equal(t, 1, New(guard, q).Sweep(context.Background()))
	assert.Equal(t, []string{"m-1/sweep"}, q.snapshot())
}

func TestStart_InvalidSchedule(t *testing.T) {
	s := New(stubLocks{}, &mockQueue{})
	assert.Error(t, s.Start(context.Background(), "every now and then"))
	s.Stop()
}

func TestStart_RunsOnSchedule(t *testing.T) {
	q := &mockQueue{}
	s := New(stubLocks{records: []lock.Record{{MessageID: "x"}}}, q)
	require.NoError(t, s.Start(context.Background(), "@every 1s"))
	defer s.Stop()

	assert.Eventually(t, func() bool { return len(q.snapshot()) > 0 }, 3*time.Second, 50*time.Millisecond)
}
