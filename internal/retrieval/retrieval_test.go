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

package retrieval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bcem/replydesk/internal/llm"
	"github.com/bcem/replydesk/internal/models"
)

type flakyIndex struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	result   []models.EvidencePassage
}

func (f *flakyIndex) Search(_ context.Context, _ models.Query, _ int) ([]models.EvidencePassage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.result, nil
}

type stubGen struct {
	out string
	err error
}

func (g stubGen) Generate(context.Context, llm.Request) (string, error) { return g.out, g.err }

func passages(ids ...string) []models.EvidencePassage {
	out := make([]models.EvidencePassage, len(ids))
	for i, id := range ids {
		out[i] = models.EvidencePassage{SourceID: id, Text: "text " + id, Score: 1 - float64(i)*0.1}
	}
	return out
}

func fastRetriever(idx Index, topK int) *Retriever {
	return NewRetriever(idx, RetrieverConfig{TopK: topK, Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
}

func TestRetrieve_RetriesTransientThenSucceeds(t *testing.T) {
	idx := &flakyIndex{failures: 2, err: status.Error(codes.Unavailable, "down"), result: passages("a", "b")}
	got, degraded := fastRetriever(idx, 10).Retrieve(context.Background(), "q")
	assert.False(t, degraded)
	assert.Len(t, got, 2)
	assert.Equal(t, 3, idx.calls)
}

func TestRetrieve_ExhaustedDegradesToEmpty(t *testing.T) {
	idx := &flakyIndex{failures: 99, err: errors.New("connection reset")}
	got, degraded := fastRetriever(idx, 10).Retrieve(context.Background(), "q")
	assert.True(t, degraded)
	assert.Empty(t, got)
	assert.Equal(t, 3, idx.calls)
}

func TestRetrieve_InvalidArgumentNotRetried(t *testing.T) {
	idx := &flakyIndex{failures: 99, err: status.Error(codes.InvalidArgument, "bad vector size")}
	_, degraded := fastRetriever(idx, 10).Retrieve(context.Background(), "q")
	assert.True(t, degraded)
	assert.Equal(t, 1, idx.calls)
}

func TestRetrieve_CapsAtTopK(t *testing.T) {
	idx := &flakyIndex{result: passages("a", "b", "c", "d")}
	got, _ := fastRetriever(idx, 2).Retrieve(context.Background(), "q")
	assert.Len(t, got, 2)
}

func TestLLMReranker_SortsStableAndTruncates(t *testing.T) {
	in := passages("a", "b", "c", "d")
	gen := stubGen{out: `{"scores": [{"index":0,"score":3},{"index":1,"score":9},{"index":2,"score":9},{"index":3,"score":1}]}`}

	got, err := NewLLMReranker(gen, 3).Rerank(context.Background(), "q", in)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].SourceID)
	assert.Equal(t, "c", got[1].SourceID, "ties keep retrieval order")
	assert.Equal(t, "a", got[2].SourceID)
	assert.Equal(t, 9.0, *got[0].RerankScore)
	assert.Nil(t, in[0].RerankScore, "input passages are not modified")
}

func TestLLMReranker_FailureFallsBackToRetrievalOrder(t *testing.T) {
	in := passages("a", "b", "c", "d")

	for name, gen := range map[string]stubGen{
		"call error": {err: errors.New("429")},
		"bad json":   {out: "not json"},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := NewLLMReranker(gen, 3).Rerank(context.Background(), "q", in)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "a", got[0].SourceID)
			assert.Nil(t, got[0].RerankScore)
		})
	}
}

func TestPassThrough(t *testing.T) {
	got, err := PassThrough{Keep: 2}.Rerank(context.Background(), "q", passages("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, []string{got[0].SourceID, got[1].SourceID})
}
