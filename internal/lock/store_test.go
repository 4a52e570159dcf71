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
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/replydesk/internal/models"
)

// testStore runs the claim and finish semantics every backend must share.
// Message ids carry a per-run prefix so shared databases need no cleanup
// between runs.
func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	prefix := "test-" + uuid.NewString()[:8] + "-"
	base := time.Now().UTC().Truncate(time.Microsecond)
	stale := 5 * time.Minute

	t.Run("first claim acquires", func(t *testing.T) {
		id := prefix + "a"
		res, err := s.Claim(ctx, id, base, base.Add(-stale))
		require.NoError(t, err)
		assert.Equal(t, Acquired, res)

		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, StatusClaimed, rec.Status)
		assert.Equal(t, 1, rec.Attempts)
		assert.True(t, base.Equal(rec.ClaimedAt))
		assert.Nil(t, rec.FinishedAt)
	})

	t.Run("live claim is not taken", func(t *testing.T) {
		id := prefix + "b"
		_, err := s.Claim(ctx, id, base, base.Add(-stale))
		require.NoError(t, err)

		later := base.Add(time.Minute)
		res, err := s.Claim(ctx, id, later, later.Add(-stale))
		require.NoError(t, err)
		assert.Equal(t, AlreadyClaimed, res)
	})

	t.Run("stale claim is reclaimed once", func(t *testing.T) {
		id := prefix + "c"
		_, err := s.Claim(ctx, id, base, base.Add(-stale))
		require.NoError(t, err)

		later := base.Add(10 * time.Minute)
		res, err := s.Claim(ctx, id, later, later.Add(-stale))
		require.NoError(t, err)
		assert.Equal(t, Reclaimed, res)

		res, err = s.Claim(ctx, id, later, later.Add(-stale))
		require.NoError(t, err)
		assert.Equal(t, AlreadyClaimed, res)

		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, rec.Attempts)
		assert.True(t, later.Equal(rec.ClaimedAt))
	})

	t.Run("finish is terminal", func(t *testing.T) {
		id := prefix + "d"
		_, err := s.Claim(ctx, id, base, base.Add(-stale))
		require.NoError(t, err)

		done := base.Add(time.Second)
		answer := &models.SynthesizedAnswer{Body: "<p>30 days</p>", Citations: []string{"return-policy.pdf"}}
		changed, err := s.Finish(ctx, id, Outcome{Status: StatusCompleted, Reason: "replied", Answer: answer}, done)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = s.Finish(ctx, id, Outcome{Status: StatusFailed, Reason: "late"}, done)
		require.NoError(t, err)
		assert.False(t, changed)

		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, rec.Status)
		assert.Equal(t, "replied", rec.Reason)
		assert.Equal(t, "<p>30 days</p>", rec.AnswerHTML)
		assert.Equal(t, []string{"return-policy.pdf"}, rec.Citations)
		require.NotNil(t, rec.FinishedAt)
		assert.True(t, done.Equal(*rec.FinishedAt))

		farFuture := base.Add(24 * time.Hour)
		res, err := s.Claim(ctx, id, farFuture, farFuture.Add(-stale))
		require.NoError(t, err)
		assert.Equal(t, AlreadyClaimed, res, "terminal rows are never reclaimed")
	})

	t.Run("finish without claim", func(t *testing.T) {
		changed, err := s.Finish(ctx, prefix+"missing", Outcome{Status: StatusFailed}, base)
		require.NoError(t, err)
		assert.False(t, changed)

		rec, err := s.Get(ctx, prefix+"missing")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("racing claims have one winner", func(t *testing.T) {
		id := prefix + "race"
		var wg sync.WaitGroup
		results := make([]ClaimResult, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := s.Claim(ctx, id, base, base.Add(-stale))
				if err != nil {
					// optimistic backends may give up under contention; that
					// is a lost race, not a second winner
					t.Logf("claim %d: %v", i, err)
				}
				results[i] = res
			}(i)
		}
		wg.Wait()

		won := 0
		for _, r := range results {
			if r == Acquired {
				won++
			}
		}
		assert.Equal(t, 1, won)
	})

	t.Run("list stale", func(t *testing.T) {
		old := base.Add(-time.Hour)
		_, err := s.Claim(ctx, prefix+"old", old, old.Add(-stale))
		require.NoError(t, err)

		recs, err := s.ListStale(ctx, base.Add(-stale))
		require.NoError(t, err)

		var ours []string
		for _, r := range recs {
			if strings.HasPrefix(r.MessageID, prefix) {
				ours = append(ours, r.MessageID)
			}
		}
		assert.Equal(t, []string{prefix + "old"}, ours)
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

// TestPostgresStore runs against a real database when DATABASE_URL is set.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s, err := NewPostgresStore(ctx, pool)
	require.NoError(t, err)
	require.NoError(t, s.Ping(ctx))
	testStore(t, s)
}

// TestDatastoreStore runs against the Datastore emulator when
// DATASTORE_EMULATOR_HOST is set.
func TestDatastoreStore(t *testing.T) {
	if os.Getenv("DATASTORE_EMULATOR_HOST") == "" {
		t.Skip("DATASTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	project := os.Getenv("DATASTORE_PROJECT_ID")
	if project == "" {
		project = "replydesk-test"
	}
	client, err := datastore.NewClient(ctx, project)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s := NewDatastoreStore(client)
	require.NoError(t, s.Ping(ctx))
	testStore(t, s)
}

func TestPostgresClaimSQL(t *testing.T) {
	sql := strings.Join(strings.Fields(claimSQL), " ")

	assert.Contains(t, sql, "INSERT INTO processing_locks (message_id, status, claimed_at, attempts) VALUES ($1, 'claimed', $2, 1)")
	assert.Contains(t, sql, "ON CONFLICT (message_id) DO UPDATE SET")
	assert.Contains(t, sql, "attempts = processing_locks.attempts + 1")
	assert.Contains(t, sql, "WHERE processing_locks.status = 'claimed' AND processing_locks.claimed_at < $3")
	assert.True(t, strings.HasSuffix(sql, "RETURNING (xmax = 0)"))

	// a terminal row must never match the conflict update
	assert.NotContains(t, sql, "'completed'")
	assert.NotContains(t, sql, "'failed'")
}

func TestPostgresFinishSQL(t *testing.T) {
	sql := strings.Join(strings.Fields(finishSQL), " ")
	assert.True(t, strings.HasSuffix(sql, "WHERE message_id = $1 AND status = 'claimed'"))

	stale := strings.Join(strings.Fields(listStaleSQL), " ")
	assert.Contains(t, stale, "WHERE status = 'claimed' AND claimed_at < $1 ORDER BY claimed_at")
}
