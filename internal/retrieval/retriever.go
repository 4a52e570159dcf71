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
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bcem/replydesk/internal/llm"
	"github.com/bcem/replydesk/internal/models"
	"github.com/bcem/replydesk/internal/retry"
)

// RetrieverConfig bounds one query's retrieval.
type RetrieverConfig struct {
	TopK      int
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Timeout   time.Duration
}

// Retriever runs bounded, retried searches against an Index.
type Retriever struct {
	index Index
	cfg   RetrieverConfig
}

// NewRetriever creates a retriever with defaults for unset limits.
func NewRetriever(index Index, cfg RetrieverConfig) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 4 * time.Second
	}
	return &Retriever{index: index, cfg: cfg}
}

// Retrieve returns up to TopK passages for q. When every attempt fails the
// query degrades to no evidence and degraded is true.
func (r *Retriever) Retrieve(ctx context.Context, q models.Query) (passages []models.EvidencePassage, degraded bool) {
	policy := retry.Policy{
		Attempts:  r.cfg.Attempts,
		BaseDelay: r.cfg.BaseDelay,
		MaxDelay:  r.cfg.MaxDelay,
		Retryable: isTransient,
	}

	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		if r.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
			defer cancel()
		}

		got, err := r.index.Search(ctx, q, r.cfg.TopK)
		if err != nil {
			slog.Warn("retrieval attempt failed", "query", string(q), "attempt", attempt, "error", err)
			return err
		}
		passages = got
		return nil
	})
	if err != nil {
		slog.Warn("retrieval exhausted, continuing without evidence", "query", string(q), "error", err)
		return nil, true
	}

	if len(passages) > r.cfg.TopK {
		passages = passages[:r.cfg.TopK]
	}
	slog.Debug("retrieved passages", "query", string(q), "count", len(passages))
	return passages, false
}

// isTransient treats timeouts, rate limits and unavailable backends as
// retryable; malformed requests are not.
func isTransient(err error) bool {
	if llm.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied,
		codes.Unauthenticated, codes.FailedPrecondition, codes.Unimplemented:
		return false
	}
	return true
}
