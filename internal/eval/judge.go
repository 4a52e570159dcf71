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

package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/bcem/replydesk/internal/llm"
	"github.com/bcem/replydesk/internal/retry"
)

// Scores are the judge's ratings, each in [0, 1].
type Scores struct {
	ContextRelevance          float64 `json:"context_relevance_score"`
	ContextRelevanceReasoning string  `json:"context_relevance_reasoning,omitempty"`
	Faithfulness              float64 `json:"faithfulness_score"`
	FaithfulnessReasoning     string  `json:"faithfulness_reasoning,omitempty"`
	Correctness               float64 `json:"correctness_score"`
	CorrectnessReasoning      string  `json:"correctness_reasoning,omitempty"`
}

var judgeSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"context_relevance_score":     {Type: genai.TypeNumber},
		"context_relevance_reasoning": {Type: genai.TypeString},
		"faithfulness_score":          {Type: genai.TypeNumber},
		"faithfulness_reasoning":      {Type: genai.TypeString},
		"correctness_score":           {Type: genai.TypeNumber},
		"correctness_reasoning":       {Type: genai.TypeString},
	},
	Required: []string{"context_relevance_score", "faithfulness_score", "correctness_score"},
}

const judgeSystem = `You are an impartial evaluator of a retrieval-augmented support assistant.
Score strictly from the data given and never use outside knowledge.`

const judgePrompt = `Rate the answer on three metrics, each from 0.0 to 1.0, with one sentence
of reasoning per metric.

context_relevance: does the context hold what is needed to answer the question?
  1.0 it directly contains the answer; 0.5 same topic but not the specific fact; 0.0 unrelated.
faithfulness: is every claim in the answer supported by the context?
  1.0 fully supported; 0.5 some unsupported claims; 0.0 unsupported or contradicted.
correctness: does the answer convey the same information as the ground truth?
  1.0 equivalent; 0.5 partly right or missing key facts; 0.0 wrong.

QUESTION:
%s

CONTEXT:
%s

ANSWER:
%s

GROUND TRUTH:
%s`

// judge asks the judge model profile for Scores.
type judge struct {
	gen    llm.Generator
	policy retry.Policy
}

func newJudge(gen llm.Generator) *judge {
	return &judge{
		gen: gen,
		policy: retry.Policy{
			Attempts:  5,
			BaseDelay: 2 * time.Second,
			MaxDelay:  30 * time.Second,
			Retryable: llm.IsTransient,
		},
	}
}

func (j *judge) score(ctx context.Context, item Item, answer string, contexts []string) (Scores, error) {
	ctxText := strings.Join(contexts, "\n\n---\n\n")
	if ctxText == "" {
		ctxText = "No context was retrieved."
	}
	prompt := fmt.Sprintf(judgePrompt, item.Question, ctxText, answer, item.GroundTruth)

	var raw string
	err := retry.Do(ctx, j.policy, func(ctx context.Context, _ int) error {
		out, err := j.gen.Generate(ctx, llm.Request{System: judgeSystem, Prompt: prompt, Schema: judgeSchema})
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		return Scores{}, fmt.Errorf("judge: %w", err)
	}
	return parseScores(raw)
}

func parseScores(raw string) (Scores, error) {
	var s Scores
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &s); err != nil {
		return Scores{}, fmt.Errorf("decode judge scores: %w", err)
	}
	s.ContextRelevance = clamp(s.ContextRelevance)
	s.Faithfulness = clamp(s.Faithfulness)
	s.Correctness = clamp(s.Correctness)
	return s, nil
}

func clamp(v float64) float64 {
	return min(max(v, 0), 1)
}
