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

// Package synthesis writes the grounded reply from the consolidated evidence.
package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/bcem/replydesk/internal/consolidate"
	"github.com/bcem/replydesk/internal/llm"
	"github.com/bcem/replydesk/internal/models"
	"github.com/bcem/replydesk/internal/retry"
)

// ErrSynthesisFailed is returned when no usable answer was produced.
var ErrSynthesisFailed = errors.New("synthesis failed")

const noEvidence = "No specific information was found in the knowledge base for the questions in this email."

// Disclaimer is appended to every generated reply.
const Disclaimer = `<hr style="margin: 20px 0; border: none; border-top: 1px solid #e0e0e0;">
<p style="font-size: 11px; color: #666; text-align: center; line-height: 1.4;">
<em>This reply was generated by an AI assistant. AI models can make mistakes, so please verify important details with our support team.</em>
</p>`

var replySchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"html_body": {Type: genai.TypeString},
	},
	Required: []string{"html_body"},
}

// Input is the part of the message synthesis sees.
type Input struct {
	MessageID         string
	Subject           string
	Body              string
	AttachmentSummary string
}

// Synthesizer calls the synthesis model profile.
type Synthesizer struct {
	gen      llm.Generator
	attempts int
}

// New creates a synthesizer that makes one retry on failure.
func New(gen llm.Generator) *Synthesizer {
	return &Synthesizer{gen: gen, attempts: 2}
}

// Synthesize produces the reply body for in, grounded in evidence.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input, evidence models.ConsolidatedContext) (*models.SynthesizedAnswer, error) {
	prompt := buildPrompt(in, evidence)

	var body string
	err := retry.Do(ctx, retry.Policy{Attempts: s.attempts}, func(ctx context.Context, attempt int) error {
		raw, err := s.gen.Generate(ctx, llm.Request{System: systemPrompt, Prompt: prompt, Schema: replySchema})
		if err != nil {
			slog.Warn("synthesis call failed", "message_id", in.MessageID, "attempt", attempt, "error", err)
			return err
		}

		parsed, err := parseReply(raw)
		if err != nil {
			slog.Warn("unparsable synthesis output", "message_id", in.MessageID, "attempt", attempt, "error", err)
			return err
		}
		body = parsed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}

	citations := evidence.Sources()
	answer := &models.SynthesizedAnswer{
		Body:       Finish(body, citations),
		Citations:  citations,
		Disclaimer: true,
	}
	slog.Info("reply synthesized", "message_id", in.MessageID, "citations", len(citations), "body_len", len(answer.Body))
	return answer, nil
}

// Finish appends the numbered source list and the disclaimer to body.
func Finish(body string, sources []string) string {
	body = strings.TrimRight(body, " \t\r\n")
	body = strings.TrimSuffix(body, "</div>")

	var b strings.Builder
	b.WriteString(body)
	if len(sources) > 0 {
		b.WriteString("\n<div style=\"margin-top: 25px; padding: 15px; background-color: #f8f9fa; border-radius: 5px;\">\n")
		b.WriteString("<p style=\"font-size: 13px; margin: 0 0 10px 0; font-weight: bold; color: #333;\">Sources:</p>\n<ul style=\"margin: 0; padding-left: 20px;\">\n")
		seen := make(map[string]bool, len(sources))
		n := 0
		for _, src := range sources {
			if seen[src] {
				continue
			}
			seen[src] = true
			n++
			fmt.Fprintf(&b, "<li style=\"font-size: 12px; margin: 5px 0;\">[%d] %s</li>\n", n, html.EscapeString(src))
		}
		b.WriteString("</ul>\n</div>")
	}
	b.WriteString("\n\n")
	b.WriteString(Disclaimer)
	return b.String()
}

func parseReply(raw string) (string, error) {
	var out struct {
		HTMLBody string `json:"html_body"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return "", fmt.Errorf("decode reply: %w", err)
	}
	if strings.TrimSpace(out.HTMLBody) == "" {
		return "", errors.New("decode reply: empty html_body")
	}
	return out.HTMLBody, nil
}

const systemPrompt = `You are a customer support assistant. Your goal is to resolve the customer's
request in a single reply. Always answer in the language the customer wrote in.`

const promptTemplate = `<CONTEXT>
<customer_email>
<subject>%s</subject>
<body>
%s
</body>
</customer_email>
<attachment_summary>
%s
</attachment_summary>
<knowledge_base_search_results>
%s
</knowledge_base_search_results>
</CONTEXT>
<RULES>
1. Use ONLY the knowledge base search results and the customer's own message. Never use outside
   knowledge and never invent product specifications, prices or company policies.
2. If the search results do not answer a question, say so plainly and offer to forward it to a
   human agent instead of guessing.
3. Answer ALL of the customer's questions, including those in attachments.
4. Keep a professional, friendly tone.
5. Format the reply as clean HTML using <p>, <strong>, <ul>, <li> and <a>.
</RULES>
<TASK>
Write the final reply and put it in the html_body field of the JSON response.
</TASK>`

func buildPrompt(in Input, evidence models.ConsolidatedContext) string {
	kb := consolidate.Render(evidence)
	if kb == "" {
		kb = noEvidence
	}
	summary := in.AttachmentSummary
	if summary == "" {
		summary = "No attachments."
	}
	return fmt.Sprintf(promptTemplate, in.Subject, in.Body, summary, kb)
}
