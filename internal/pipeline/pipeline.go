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

// Package pipeline runs one inbound message through the email-to-answer
// transaction: validate, claim, decompose, retrieve and rerank per query,
// consolidate, synthesize, reply and record the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bcem/replydesk/internal/attachment"
	"github.com/bcem/replydesk/internal/consolidate"
	"github.com/bcem/replydesk/internal/decompose"
	"github.com/bcem/replydesk/internal/lock"
	"github.com/bcem/replydesk/internal/mail"
	"github.com/bcem/replydesk/internal/models"
	"github.com/bcem/replydesk/internal/retrieval"
	"github.com/bcem/replydesk/internal/retry"
	"github.com/bcem/replydesk/internal/sanitize"
	"github.com/bcem/replydesk/internal/synthesis"
)

// Outcome summarises how a run ended.
type Outcome string

const (
	OutcomeReplied          Outcome = "replied"
	OutcomeSkippedDuplicate Outcome = "skipped_duplicate"
	OutcomeRejectedInvalid  Outcome = "rejected_invalid"
	OutcomeIgnoredSelfSent  Outcome = "ignored_self_sent"
	OutcomeFailed           Outcome = "failed"
)

// DeliveryError wraps a reply transport failure. It ends the run as failed
// and is never retried by the pipeline.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string { return "deliver reply: " + e.Err.Error() }
func (e *DeliveryError) Unwrap() error { return e.Err }

// Result is returned for every processed trigger.
type Result struct {
	RunID           string   `json:"run_id"`
	MessageID       string   `json:"message_id"`
	Outcome         Outcome  `json:"outcome"`
	Claim           string   `json:"claim,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	Queries         []string `json:"queries,omitempty"`
	DegradedQueries int      `json:"degraded_queries,omitempty"`
	Citations       []string `json:"citations,omitempty"`
	ElapsedMS       int64    `json:"elapsed_ms"`
}

// Config wires the pipeline's collaborators.
type Config struct {
	Mailbox     mail.Mailbox
	Sender      mail.Sender
	Guard       *lock.Guard
	Normalizer  *attachment.Normalizer
	Decomposer  *decompose.Decomposer
	Retriever   *retrieval.Retriever
	Synthesizer *synthesis.Synthesizer

	// Reranker may be nil, which keeps retrieval order.
	Reranker retrieval.Reranker

	BotAddress  string
	Limits      consolidate.Limits
	Concurrency int

	// CallTimeout bounds each mailbox, blob, sender and lock store call.
	CallTimeout time.Duration
}

const defaultCallTimeout = time.Minute

// Pipeline processes messages. It holds no per-message state and is safe
// for concurrent use.
type Pipeline struct {
	cfg Config
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Reranker == nil {
		cfg.Reranker = retrieval.PassThrough{Keep: cfg.Limits.PerQueryMax}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &Pipeline{cfg: cfg}
}

// Process runs the transaction for one message id. The returned error is
// non-nil only when the run could not reach a decision (fetch or claim
// failed); every decided run, including failures, reports through Result.
func (p *Pipeline) Process(ctx context.Context, messageID string) (*Result, error) {
	start := time.Now()
	res := &Result{RunID: uuid.NewString(), MessageID: messageID}
	log := slog.With("run_id", res.RunID, "message_id", messageID)
	defer func() {
		res.ElapsedMS = time.Since(start).Milliseconds()
		log.Info("pipeline run finished", "outcome", string(res.Outcome), "reason", res.Reason, "elapsed_ms", res.ElapsedMS)
	}()

	fetchCtx, cancel := p.bounded(ctx)
	msg, err := p.cfg.Mailbox.Fetch(fetchCtx, messageID)
	cancel()
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Reason = "fetch_failed"
		return res, fmt.Errorf("fetch message: %w", err)
	}

	if err := attachment.ValidateMessage(msg); err != nil {
		log.Warn("message rejected before claim", "error", err)
		res.Outcome = OutcomeRejectedInvalid
		res.Reason = err.Error()
		p.markProcessed(ctx, log, messageID)
		return res, nil
	}

	claimCtx, cancel := p.bounded(ctx)
	claim, err := p.cfg.Guard.Claim(claimCtx, messageID)
	cancel()
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Reason = "claim_failed"
		return res, err
	}
	res.Claim = claim.String()
	if !claim.Owned() {
		res.Outcome = OutcomeSkippedDuplicate
		return res, nil
	}

	// Past the guard the run always reaches a terminal lock state, even if
	// the trigger that started it goes away.
	ctx = context.WithoutCancel(ctx)

	if p.cfg.BotAddress != "" && strings.EqualFold(msg.From, p.cfg.BotAddress) {
		res.Outcome = OutcomeIgnoredSelfSent
		res.Reason = string(OutcomeIgnoredSelfSent)
		p.finish(ctx, log, messageID, lock.Outcome{Status: lock.StatusCompleted, Reason: res.Reason})
		p.markProcessed(ctx, log, messageID)
		return res, nil
	}

	answer, err := p.answer(ctx, log, msg, res)
	if err != nil {
		log.Error("pipeline run failed", "error", err)
		res.Outcome = OutcomeFailed
		res.Reason = failureReason(err)
		p.finish(ctx, log, messageID, lock.Outcome{Status: lock.StatusFailed, Reason: res.Reason})
		p.markProcessed(ctx, log, messageID)
		return res, nil
	}

	res.Outcome = OutcomeReplied
	res.Reason = string(OutcomeReplied)
	res.Citations = answer.Citations
	p.finish(ctx, log, messageID, lock.Outcome{Status: lock.StatusCompleted, Reason: res.Reason, Answer: answer})
	p.markProcessed(ctx, log, messageID)
	return res, nil
}

// answer runs everything between the claim and the outcome record.
func (p *Pipeline) answer(ctx context.Context, log *slog.Logger, msg *models.InboundMessage, res *Result) (*models.SynthesizedAnswer, error) {
	matCtx, cancel := p.bounded(ctx)
	parts, err := p.cfg.Normalizer.Materialize(matCtx, msg)
	cancel()
	if err != nil {
		return nil, err
	}

	subject := sanitize.Field("subject", msg.ID, msg.Subject)
	body := sanitize.Field("body", msg.ID, msg.Body)

	queries, err := p.cfg.Decomposer.Decompose(ctx, decompose.Input{
		MessageID:  msg.ID,
		Subject:    subject,
		RawSubject: msg.Subject,
		Body:       body,
		Parts:      parts,
	})
	if err != nil {
		return nil, err
	}
	for _, q := range queries {
		res.Queries = append(res.Queries, string(q))
	}

	perQuery, degraded := p.gather(ctx, queries)
	res.DegradedQueries = degraded
	if degraded > 0 {
		log.Warn("answering with partial evidence", "degraded_queries", degraded, "queries", len(queries))
	}

	evidence := consolidate.Consolidate(perQuery, p.cfg.Limits)
	log.Info("evidence consolidated", "passages", len(evidence.Passages), "chars", evidence.Chars)

	answer, err := p.cfg.Synthesizer.Synthesize(ctx, synthesis.Input{
		MessageID:         msg.ID,
		Subject:           subject,
		Body:              body,
		AttachmentSummary: attachment.Summary(msg),
	}, evidence)
	if err != nil {
		return nil, err
	}

	sendCtx, cancel := p.bounded(ctx)
	defer cancel()
	if err := p.cfg.Sender.Reply(sendCtx, msg, answer); err != nil {
		return nil, &DeliveryError{Err: err}
	}
	return answer, nil
}

// gather retrieves and reranks every query concurrently and waits for all
// branches, including degraded ones. Results keep query order.
func (p *Pipeline) gather(ctx context.Context, queries []models.Query) ([][]models.EvidencePassage, int) {
	perQuery := make([][]models.EvidencePassage, len(queries))
	degraded := make([]bool, len(queries))

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, q := range queries {
		g.Go(func() error {
			passages, failed := p.cfg.Retriever.Retrieve(ctx, q)
			degraded[i] = failed

			ranked, err := p.cfg.Reranker.Rerank(ctx, q, passages)
			if err != nil {
				slog.Warn("rerank failed, keeping retrieval order", "query", string(q), "error", err)
				ranked, _ = retrieval.PassThrough{Keep: p.cfg.Limits.PerQueryMax}.Rerank(ctx, q, passages)
			}
			perQuery[i] = ranked
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, d := range degraded {
		if d {
			n++
		}
	}
	return perQuery, n
}

// finish records the outcome, retrying briefly: a lost write would leave
// the row claimed and let the sweeper run the message again.
func (p *Pipeline) finish(ctx context.Context, log *slog.Logger, messageID string, outcome lock.Outcome) {
	err := retry.Do(ctx, retry.Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		func(ctx context.Context, _ int) error {
			ctx, cancel := p.bounded(ctx)
			defer cancel()
			return p.cfg.Guard.Complete(ctx, messageID, outcome)
		})
	if err != nil {
		log.Error("failed to record outcome", "status", string(outcome.Status), "error", err)
	}
}

func (p *Pipeline) markProcessed(ctx context.Context, log *slog.Logger, messageID string) {
	ctx, cancel := p.bounded(ctx)
	defer cancel()
	if err := p.cfg.Mailbox.MarkProcessed(ctx, messageID); err != nil {
		log.Error("failed to mark message processed", "error", err)
	}
}

// bounded limits one collaborator call. The run context has no deadline
// once the claim is held.
func (p *Pipeline) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.cfg.CallTimeout)
}

func failureReason(err error) string {
	var de *DeliveryError
	var ve *attachment.ValidationError
	switch {
	case errors.Is(err, decompose.ErrDecompositionFailed):
		return "decomposition_failed"
	case errors.Is(err, synthesis.ErrSynthesisFailed):
		return "synthesis_failed"
	case errors.As(err, &de):
		return "delivery_failed"
	case errors.As(err, &ve):
		return "invalid_attachment"
	case errors.Is(err, attachment.ErrMaterializeFailed):
		return "materialize_failed"
	default:
		return "failed"
	}
}
