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

package synthesis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/replydesk/internal/llm"
	"github.com/bcem/replydesk/internal/models"
)

type seqGen struct {
	outs    []string
	errs    []error
	prompts []string
}

func (g *seqGen) Generate(_ context.Context, req llm.Request) (string, error) {
	i := len(g.prompts)
	g.prompts = append(g.prompts, req.Prompt)
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i < len(g.outs) {
		return g.outs[i], nil
	}
	return "", errors.New("exhausted")
}

var evidence = models.ConsolidatedContext{
	Passages: []models.EvidencePassage{
		{SourceID: "returns-policy.pdf", Text: "Items may be returned within a 30-day window."},
		{SourceID: "returns-policy.pdf", Text: "Refunds are issued to the original card."},
		{SourceID: "faq.md", Text: "Returns are free."},
	},
}

func TestSynthesize_GroundedAnswerWithCitations(t *testing.T) {
	gen := &seqGen{outs: []string{`{"html_body": "<div><p>You can return items within 30 days.</p></div>"}`}}

	ans, err := New(gen).Synthesize(context.Background(), Input{Subject: "Returns", Body: "What is your return window?"}, evidence)
	require.NoError(t, err)

	assert.Equal(t, []string{"returns-policy.pdf", "faq.md"}, ans.Citations)
	assert.True(t, ans.Disclaimer)
	assert.Contains(t, ans.Body, "30 days")
	assert.Contains(t, ans.Body, "[1] returns-policy.pdf")
	assert.Contains(t, ans.Body, "[2] faq.md")
	assert.True(t, strings.HasSuffix(ans.Body, Disclaimer))

	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "[SOURCE_1 (returns-policy.pdf)]")
}

func TestSynthesize_RetriesOnceThenSucceeds(t *testing.T) {
	gen := &seqGen{
		errs: []error{errors.New("deadline exceeded")},
		outs: []string{"", `{"html_body": "<p>ok</p>"}`},
	}
	ans, err := New(gen).Synthesize(context.Background(), Input{}, evidence)
	require.NoError(t, err)
	assert.Contains(t, ans.Body, "<p>ok</p>")
	assert.Len(t, gen.prompts, 2)
}

func TestSynthesize_PersistentFailure(t *testing.T) {
	gen := &seqGen{outs: []string{"not json", `{"html_body": ""}`}}
	_, err := New(gen).Synthesize(context.Background(), Input{}, evidence)
	assert.ErrorIs(t, err, ErrSynthesisFailed)
	assert.Len(t, gen.prompts, 2)
}

func TestSynthesize_EmptyEvidenceMarker(t *testing.T) {
	gen := &seqGen{outs: []string{`{"html_body": "<p>I could not find that.</p>"}`}}
	ans, err := New(gen).Synthesize(context.Background(), Input{Body: "?"}, models.ConsolidatedContext{})
	require.NoError(t, err)
	assert.Contains(t, gen.prompts[0], noEvidence)
	assert.Empty(t, ans.Citations)
	assert.NotContains(t, ans.Body, "Sources:")
}

func TestFinish_StripsTrailingDiv(t *testing.T) {
	got := Finish("<div><p>hi</p></div>  \n", []string{"a<b>.pdf"})
	assert.True(t, strings.HasPrefix(got, "<div><p>hi</p>\n<div"))
	assert.Contains(t, got, "[1] a&lt;b&gt;.pdf")
}
