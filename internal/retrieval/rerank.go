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
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"google.golang.org/genai"

	"github.com/bcem/replydesk/internal/llm"
	"github.com/bcem/replydesk/internal/models"
)

// Reranker reorders and prunes one query's passages. Implementations must
// not drop the contract: passages in, at most Keep passages out.
type Reranker interface {
	Rerank(ctx context.Context, q models.Query, passages []models.EvidencePassage) ([]models.EvidencePassage, error)
}

// PassThrough keeps retrieval order and truncates. It is the reranker used
// when model-based reranking is disabled.
type PassThrough struct {
	Keep int
}

func (p PassThrough) Rerank(_ context.Context, _ models.Query, passages []models.EvidencePassage) ([]models.EvidencePassage, error) {
	return truncate(passages, p.Keep), nil
}

var rerankSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"scores": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"index": {Type: genai.TypeInteger},
					"score": {Type: genai.TypeNumber},
				},
				Required: []string{"index", "score"},
			},
		},
	},
	Required: []string{"scores"},
}

const rerankPrompt = `Rate how useful each passage is for answering the search query.
Score from 0 (irrelevant) to 10 (directly answers it). Judge only relevance to the
query, not writing quality. Return {"scores": [{"index": i, "score": s}, ...]} with
one entry per passage.

QUERY: %q

PASSAGES:
%s`

// LLMReranker asks a model for a relevance score per passage. Any failure
// falls back to retrieval order.
type LLMReranker struct {
	gen  llm.Generator
	keep int
}

// NewLLMReranker creates a model-based reranker keeping the top keep passages.
func NewLLMReranker(gen llm.Generator, keep int) *LLMReranker {
	return &LLMReranker{gen: gen, keep: keep}
}

// Rerank scores, stably sorts by descending score and truncates.
func (r *LLMReranker) Rerank(ctx context.Context, q models.Query, passages []models.EvidencePassage) ([]models.EvidencePassage, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	var b strings.Builder
	for i, p := range passages {
		fmt.Fprintf(&b, "[%d] (%s) %s\n", i, p.SourceID, p.Text)
	}

	raw, err := r.gen.Generate(ctx, llm.Request{
		Prompt: fmt.Sprintf(rerankPrompt, string(q), b.String()),
		Schema: rerankSchema,
	})
	if err != nil {
		slog.Warn("rerank call failed, keeping retrieval order", "query", string(q), "error", err)
		return truncate(passages, r.keep), nil
	}

	scores, err := parseScores(raw, len(passages))
	if err != nil {
		slog.Warn("unparsable rerank output, keeping retrieval order", "query", string(q), "error", err)
		return truncate(passages, r.keep), nil
	}

	return ApplyScores(passages, scores, r.keep), nil
}

// ApplyScores copies passages, attaches scores by index, sorts descending
// (stable on ties) and keeps the first keep.
func ApplyScores(passages []models.EvidencePassage, scores []float64, keep int) []models.EvidencePassage {
	out := make([]models.EvidencePassage, len(passages))
	copy(out, passages)
	for i := range out {
		s := scores[i]
		out[i].RerankScore = &s
	}
	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].RerankScore > *out[j].RerankScore
	})
	return truncate(out, keep)
}

func parseScores(raw string, n int) ([]float64, error) {
	var out struct {
		Scores []struct {
			Index int     `json:"index"`
			Score float64 `json:"score"`
		} `json:"scores"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return nil, fmt.Errorf("decode scores: %w", err)
	}
	if len(out.Scores) == 0 {
		return nil, fmt.Errorf("decode scores: no scores returned")
	}

	scores := make([]float64, n)
	for _, s := range out.Scores {
		if s.Index < 0 || s.Index >= n {
			continue
		}
		scores[s.Index] = s.Score
	}
	return scores, nil
}

func truncate(passages []models.EvidencePassage, keep int) []models.EvidencePassage {
	if keep > 0 && len(passages) > keep {
		return passages[:keep]
	}
	return passages
}
