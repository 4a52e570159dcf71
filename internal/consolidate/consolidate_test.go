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

package consolidate

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"

	"github.com/bcem/replydesk/internal/models"
)

func p(source, text string) models.EvidencePassage {
	return models.EvidencePassage{SourceID: source, Text: text}
}

func TestConsolidate_DeduplicatesAcrossQueries(t *testing.T) {
	shared := p("returns.pdf", "Items can be returned within 30 days.")
	perQuery := [][]models.EvidencePassage{
		{shared, p("shipping.pdf", "Shipping takes 2 days.")},
		{p("returns.pdf", "  Items can be returned   within 30 days. "), p("warranty.pdf", "Warranty is 24 months.")},
	}

	got := Consolidate(perQuery, Limits{CharLimit: 2000, PerQueryMax: 3})
	want := []models.EvidencePassage{
		shared,
		p("shipping.pdf", "Shipping takes 2 days."),
		p("warranty.pdf", "Warranty is 24 months."),
	}
	if diff := cmp.Diff(want, got.Passages); diff != "" {
		t.Errorf("passages mismatch (-want +got):\n%s", diff)
	}

	again := Consolidate([][]models.EvidencePassage{got.Passages, got.Passages}, Limits{CharLimit: 2000, PerQueryMax: 3})
	if diff := cmp.Diff(got.Passages, again.Passages); diff != "" {
		t.Errorf("consolidation is not idempotent (-first +second):\n%s", diff)
	}
}

func TestConsolidate_SameTextDifferentSourceKept(t *testing.T) {
	got := Consolidate([][]models.EvidencePassage{{p("a", "same"), p("b", "same")}}, Limits{CharLimit: 100})
	if len(got.Passages) != 2 {
		t.Fatalf("got %d passages, want 2", len(got.Passages))
	}
}

func TestConsolidate_BudgetDropsLatest(t *testing.T) {
	perQuery := [][]models.EvidencePassage{
		{p("a", strings.Repeat("x", 40))},
		{p("b", strings.Repeat("y", 40)), p("c", strings.Repeat("z", 10))},
	}

	got := Consolidate(perQuery, Limits{CharLimit: 60, PerQueryMax: 3})
	if len(got.Passages) != 1 || got.Passages[0].SourceID != "a" {
		t.Fatalf("got %+v, want only source a", got.Passages)
	}
	if got.Chars != 40 {
		t.Errorf("Chars = %d, want 40", got.Chars)
	}
}

func TestConsolidate_FirstPassageTruncatedToBudget(t *testing.T) {
	got := Consolidate([][]models.EvidencePassage{{p("a", strings.Repeat("é", 50))}}, Limits{CharLimit: 20})
	if len(got.Passages) != 1 {
		t.Fatalf("got %d passages, want 1", len(got.Passages))
	}
	if n := utf8.RuneCountInString(got.Passages[0].Text); n != 20 {
		t.Errorf("truncated length = %d runes, want 20", n)
	}
}

func TestConsolidate_PerQueryCap(t *testing.T) {
	perQuery := [][]models.EvidencePassage{{p("a", "1"), p("b", "2"), p("c", "3"), p("d", "4")}}
	got := Consolidate(perQuery, Limits{CharLimit: 100, PerQueryMax: 3})
	if len(got.Passages) != 3 {
		t.Errorf("got %d passages, want 3", len(got.Passages))
	}
}

func TestConsolidate_NeverExceedsCeiling(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for trial := 0; trial < 200; trial++ {
		limit := 1 + rng.IntN(3000)
		var perQuery [][]models.EvidencePassage
		for q := 0; q < rng.IntN(9); q++ {
			var ps []models.EvidencePassage
			for i := 0; i < rng.IntN(11); i++ {
				ps = append(ps, p(fmt.Sprintf("doc-%d", rng.IntN(5)), strings.Repeat("w ", 1+rng.IntN(600))))
			}
			perQuery = append(perQuery, ps)
		}

		got := Consolidate(perQuery, Limits{CharLimit: limit, PerQueryMax: 3})
		total := 0
		for _, ps := range got.Passages {
			total += utf8.RuneCountInString(ps.Text)
		}
		if total > limit || got.Chars != total {
			t.Fatalf("trial %d: total=%d chars=%d limit=%d", trial, total, got.Chars, limit)
		}
	}
}

func TestRender(t *testing.T) {
	c := models.ConsolidatedContext{Passages: []models.EvidencePassage{p("returns.pdf", "30 days"), p("faq.md", "Free shipping")}}
	want := "[SOURCE_1 (returns.pdf)]\n30 days\n\n---\n\n[SOURCE_2 (faq.md)]\nFree shipping"
	if got := Render(c); got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}
