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

// Package decompose turns one customer email into an ordered list of short,
// keyword-dense search queries.
package decompose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/bcem/replydesk/internal/llm"
	"github.com/bcem/replydesk/internal/models"
	"github.com/bcem/replydesk/internal/retry"
)

// ErrDecompositionFailed is returned when the model never yields a usable
// query list. The pipeline aborts the message on it.
var ErrDecompositionFailed = errors.New("decomposition failed")

const (
	fallbackBodyChars = 200
	genericQuery      = "general inquiry"
)

var querySchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"queries": {
			Type:  genai.TypeArray,
			Items: &genai.Schema{Type: genai.TypeString},
		},
	},
	Required: []string{"queries"},
}

// Input is what the decomposer sees of a message.
type Input struct {
	MessageID string
	Subject   string
	Body      string
	Parts     []llm.Part

	// RawSubject is the subject as received. The fallback query uses it
	// verbatim; when empty, Subject is used.
	RawSubject string
}

// Decomposer calls the decomposition model profile.
type Decomposer struct {
	gen        llm.Generator
	maxQueries int
}

// New creates a decomposer capped at maxQueries queries per message.
func New(gen llm.Generator, maxQueries int) *Decomposer {
	if maxQueries <= 0 {
		maxQueries = 8
	}
	return &Decomposer{gen: gen, maxQueries: maxQueries}
}

// Decompose returns 1..maxQueries queries in the order the model produced
// them. The first attempt uses the full prompt; a failed or unparsable
// answer is retried once with a stricter one.
func (d *Decomposer) Decompose(ctx context.Context, in Input) ([]models.Query, error) {
	var queries []models.Query

	err := retry.Do(ctx, retry.Policy{Attempts: 2}, func(ctx context.Context, attempt int) error {
		prompt := buildPrompt(in)
		if attempt > 1 {
			prompt = buildStrictPrompt(in)
		}

		raw, err := d.gen.Generate(ctx, llm.Request{Prompt: prompt, Parts: in.Parts, Schema: querySchema})
		if err != nil {
			slog.Warn("decomposition call failed", "message_id", in.MessageID, "attempt", attempt, "error", err)
			return err
		}

		parsed, err := parseQueries(raw)
		if err != nil {
			slog.Warn("unparsable decomposition output", "message_id", in.MessageID, "attempt", attempt, "error", err)
			return err
		}
		queries = parsed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecompositionFailed, err)
	}

	queries = normalize(queries, d.maxQueries)
	if len(queries) == 0 {
		subject := in.RawSubject
		if subject == "" {
			subject = in.Subject
		}
		q := Fallback(subject, in.Body)
		slog.Info("no queries produced, using fallback", "message_id", in.MessageID, "query", string(q))
		return []models.Query{q}, nil
	}

	slog.Info("generated search queries", "message_id", in.MessageID, "count", len(queries))
	return queries, nil
}

// Fallback derives the single query used when the model finds no intent:
// the subject verbatim, else the start of the body.
func Fallback(subject, body string) models.Query {
	if s := strings.TrimSpace(subject); s != "" {
		return models.Query(s)
	}
	b := []rune(strings.TrimSpace(body))
	if len(b) == 0 {
		return genericQuery
	}
	if len(b) > fallbackBodyChars {
		b = b[:fallbackBodyChars]
	}
	return models.Query(string(b))
}

func parseQueries(raw string) ([]models.Query, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var out struct {
		Queries *[]string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return nil, fmt.Errorf("decode queries: %w", err)
	}
	if out.Queries == nil {
		return nil, errors.New("decode queries: missing queries field")
	}

	qs := make([]models.Query, 0, len(*out.Queries))
	for _, q := range *out.Queries {
		qs = append(qs, models.Query(q))
	}
	return qs, nil
}

// normalize trims, drops empties and case-insensitive duplicates, and caps
// the list while keeping the original order.
func normalize(in []models.Query, max int) []models.Query {
	seen := make(map[string]bool, len(in))
	out := make([]models.Query, 0, len(in))
	for _, q := range in {
		s := strings.Join(strings.Fields(string(q)), " ")
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, models.Query(s))
		if len(out) == max {
			break
		}
	}
	return out
}
