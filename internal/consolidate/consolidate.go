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

// Package consolidate merges per-query evidence into one bounded context.
package consolidate

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bcem/replydesk/internal/models"
)

// Limits bounds the consolidated context. CharLimit counts runes.
type Limits struct {
	CharLimit   int
	PerQueryMax int
}

// Consolidate concatenates evidence in query order, drops passages already
// seen under the same (source, span) key, and stops at the character
// budget. When not even the first passage fits, it is cut to the budget so
// synthesis still sees some evidence.
func Consolidate(perQuery [][]models.EvidencePassage, lim Limits) models.ConsolidatedContext {
	seen := make(map[string]bool)
	var out models.ConsolidatedContext

	for _, passages := range perQuery {
		if lim.PerQueryMax > 0 && len(passages) > lim.PerQueryMax {
			passages = passages[:lim.PerQueryMax]
		}

		for _, p := range passages {
			span := normalizeSpan(p.Text)
			if span == "" {
				continue
			}
			key := p.SourceID + "\x00" + span
			if seen[key] {
				continue
			}

			n := utf8.RuneCountInString(p.Text)
			remaining := lim.CharLimit - out.Chars
			if lim.CharLimit > 0 && n > remaining {
				if len(out.Passages) == 0 && remaining > 0 {
					p.Text = string([]rune(p.Text)[:remaining])
					out.Passages = append(out.Passages, p)
					out.Chars += remaining
				}
				return out
			}

			seen[key] = true
			out.Passages = append(out.Passages, p)
			out.Chars += n
		}
	}
	return out
}

// Render formats the context as numbered source blocks for a prompt.
func Render(c models.ConsolidatedContext) string {
	blocks := make([]string, 0, len(c.Passages))
	for i, p := range c.Passages {
		blocks = append(blocks, fmt.Sprintf("[SOURCE_%d (%s)]\n%s", i+1, p.SourceID, p.Text))
	}
	return strings.Join(blocks, "\n\n---\n\n")
}

func normalizeSpan(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
