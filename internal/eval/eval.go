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

// Package eval scores the retrieval and synthesis stages offline against a
// question and ground-truth dataset. A judge model rates each answer for
// context relevance, faithfulness to the context and correctness against
// the ground truth.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/sync/errgroup"

	"github.com/bcem/replydesk/internal/consolidate"
	"github.com/bcem/replydesk/internal/llm"
	"github.com/bcem/replydesk/internal/models"
	"github.com/bcem/replydesk/internal/retrieval"
	"github.com/bcem/replydesk/internal/synthesis"
)

// ItemResult is the outcome for one dataset item.
type ItemResult struct {
	Question    string   `json:"question"`
	GroundTruth string   `json:"ground_truth"`
	Answer      string   `json:"answer"`
	Contexts    []string `json:"contexts"`
	Citations   []string `json:"citations,omitempty"`
	Degraded    bool     `json:"degraded,omitempty"`
	Error       string   `json:"error,omitempty"`
	Scores
}

// Summary aggregates a run.
type Summary struct {
	Rerank           bool          `json:"rerank"`
	Items            int           `json:"items"`
	Failed           int           `json:"failed"`
	ContextRelevance float64       `json:"avg_context_relevance"`
	Faithfulness     float64       `json:"avg_faithfulness"`
	Correctness      float64       `json:"avg_correctness"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Report is a summary plus per-item results in dataset order.
type Report struct {
	Summary Summary      `json:"summary"`
	Results []ItemResult `json:"results"`
}

// Cache stores finished item results so a rerun skips the model calls.
type Cache interface {
	Get(key string) (ItemResult, bool)
	Put(key string, r ItemResult)
}

// Config wires the stages under evaluation.
type Config struct {
	Retriever   *retrieval.Retriever
	Synthesizer *synthesis.Synthesizer
	Judge       llm.Generator

	// Reranker nil evaluates retrieval order only.
	Reranker retrieval.Reranker

	Limits      consolidate.Limits
	Cache       Cache
	Concurrency int
}

// Harness runs a dataset through the stages.
type Harness struct {
	cfg    Config
	rerank bool
	judge  *judge
}

// New creates a harness.
func New(cfg Config) *Harness {
	rerank := cfg.Reranker != nil
	if !rerank {
		cfg.Reranker = retrieval.PassThrough{Keep: cfg.Limits.PerQueryMax}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	return &Harness{cfg: cfg, rerank: rerank, judge: newJudge(cfg.Judge)}
}

// Run evaluates every item. Item failures are recorded in the report and
// score zero; Run itself fails only when ctx is done.
func (h *Harness) Run(ctx context.Context, items []Item) (*Report, error) {
	start := time.Now()
	results := make([]ItemResult, len(items))

	slog.Info("starting evaluation", "items", len(items), "rerank", h.rerank)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.Concurrency)
	for i, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = h.evaluate(gctx, i, item)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("evaluation: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("evaluation: %w", err)
	}

	report := &Report{Summary: summarize(results, h.rerank), Results: results}
	report.Summary.Elapsed = time.Since(start)

	slog.Info("evaluation complete",
		"items", report.Summary.Items,
		"failed", report.Summary.Failed,
		"context_relevance", report.Summary.ContextRelevance,
		"faithfulness", report.Summary.Faithfulness,
		"correctness", report.Summary.Correctness,
		"elapsed", report.Summary.Elapsed,
	)
	return report, nil
}

func (h *Harness) cacheKey(item Item) string {
	mode := "retrieval"
	if h.rerank {
		mode = "rerank"
	}
	return mode + "\x00" + item.Question
}

func (h *Harness) evaluate(ctx context.Context, i int, item Item) ItemResult {
	key := h.cacheKey(item)
	if h.cfg.Cache != nil {
		if r, ok := h.cfg.Cache.Get(key); ok {
			slog.Debug("evaluation result cached", "item", i+1)
			return r
		}
	}

	res := ItemResult{Question: item.Question, GroundTruth: item.GroundTruth, Contexts: []string{}}
	log := slog.With("item", i+1)

	q := models.Query(item.Question)
	passages, degraded := h.cfg.Retriever.Retrieve(ctx, q)
	res.Degraded = degraded

	ranked, err := h.cfg.Reranker.Rerank(ctx, q, passages)
	if err != nil {
		log.Warn("rerank failed, keeping retrieval order", "error", err)
		ranked, _ = retrieval.PassThrough{Keep: h.cfg.Limits.PerQueryMax}.Rerank(ctx, q, passages)
	}

	evidence := consolidate.Consolidate([][]models.EvidencePassage{ranked}, h.cfg.Limits)
	for _, p := range evidence.Passages {
		res.Contexts = append(res.Contexts, p.Text)
	}

	answer, err := h.cfg.Synthesizer.Synthesize(ctx, synthesis.Input{
		MessageID: fmt.Sprintf("eval-%d", i+1),
		Body:      item.Question,
	}, evidence)
	if err != nil {
		log.Warn("answer generation failed", "error", err)
		res.Error = err.Error()
		return res
	}
	res.Answer = plainAnswer(answer.Body)
	res.Citations = answer.Citations

	scores, err := h.judge.score(ctx, item, res.Answer, res.Contexts)
	if err != nil {
		log.Warn("judge failed", "error", err)
		res.Error = err.Error()
		return res
	}
	res.Scores = scores

	if h.cfg.Cache != nil {
		h.cfg.Cache.Put(key, res)
	}
	return res
}

// plainAnswer drops the disclaimer and converts the reply to markdown so the
// judge and the report see the answer text only.
func plainAnswer(body string) string {
	body = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(body), synthesis.Disclaimer))
	md, err := htmltomarkdown.ConvertString(body)
	if err != nil {
		return body
	}
	return strings.TrimSpace(md)
}

func summarize(results []ItemResult, rerank bool) Summary {
	s := Summary{Rerank: rerank, Items: len(results)}
	if len(results) == 0 {
		return s
	}
	for _, r := range results {
		if r.Error != "" {
			s.Failed++
		}
		s.ContextRelevance += r.ContextRelevance
		s.Faithfulness += r.Faithfulness
		s.Correctness += r.Correctness
	}
	n := float64(len(results))
	s.ContextRelevance /= n
	s.Faithfulness /= n
	s.Correctness /= n
	return s
}
