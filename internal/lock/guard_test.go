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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/replydesk/internal/models"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestGuard(staleAfter time.Duration) (*Guard, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGuard(NewMemoryStore(), staleAfter)
	g.now = c.now
	return g, c
}

func TestClaim_ConcurrentWorkersExactlyOneWins(t *testing.T) {
	g, _ := newTestGuard(5 * time.Minute)

	const workers = 32
	results := make([]ClaimResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.Claim(context.Background(), "msg-1")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	owned := 0
	for _, r := range results {
		if r.Owned() {
			owned++
		}
	}
	assert.Equal(t, 1, owned)
}

func TestClaim_ReclaimOnlyAfterStaleness(t *testing.T) {
	ctx := context.Background()
	g, c := newTestGuard(5 * time.Minute)

	res, err := g.Claim(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)

	c.advance(5 * time.Minute)
	res, err = g.Claim(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyClaimed, res, "exactly at the threshold the claim is still live")

	c.advance(time.Second)
	res, err = g.Claim(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, Reclaimed, res)

	// The re-stamped claim is fresh again.
	res, err = g.Claim(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyClaimed, res)

	rec, err := g.Get(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
}

func TestComplete_IdempotentAndTerminalNeverReclaimed(t *testing.T) {
	ctx := context.Background()
	g, c := newTestGuard(time.Minute)

	_, err := g.Claim(ctx, "msg-1")
	require.NoError(t, err)

	answer := &models.SynthesizedAnswer{Body: "<p>ok</p>", Citations: []string{"returns.pdf"}, Disclaimer: true}
	require.NoError(t, g.Complete(ctx, "msg-1", Outcome{Status: StatusCompleted, Reason: "replied", Answer: answer}))
	require.NoError(t, g.Complete(ctx, "msg-1", Outcome{Status: StatusFailed, Reason: "late retry"}))

	rec, err := g.Get(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "replied", rec.Reason)
	assert.Equal(t, []string{"returns.pdf"}, rec.Citations)
	require.NotNil(t, rec.FinishedAt)

	c.advance(time.Hour)
	res, err := g.Claim(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyClaimed, res)
}

func TestComplete_RejectsNonTerminalStatus(t *testing.T) {
	g, _ := newTestGuard(time.Minute)
	err := g.Complete(context.Background(), "msg-1", Outcome{Status: StatusClaimed})
	assert.Error(t, err)
}

func TestStale(t *testing.T) {
	ctx := context.Background()
	g, c := newTestGuard(time.Minute)

	_, _ = g.Claim(ctx, "old")
	c.advance(2 * time.Minute)
	_, _ = g.Claim(ctx, "fresh")
	_, _ = g.Claim(ctx, "done")
	require.NoError(t, g.Complete(ctx, "done", Outcome{Status: StatusFailed, Reason: "x"}))

	stale, err := g.Stale(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].MessageID)
}
