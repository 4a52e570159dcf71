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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// WriteJSONL writes one ItemResult per line.
func WriteJSONL(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, res := range r.Results {
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("write results: %w", err)
		}
	}
	return nil
}

// WriteMarkdown renders the summary table followed by per-item rows.
func WriteMarkdown(w io.Writer, r *Report, now time.Time) error {
	var b strings.Builder
	mode := "retrieval only"
	if r.Summary.Rerank {
		mode = "retrieval + rerank"
	}

	b.WriteString("# RAG Evaluation Report\n\n")
	fmt.Fprintf(&b, "**Date:** %s  \n**Mode:** %s  \n**Items:** %d (%d failed)\n\n",
		now.Format("2006-01-02 15:04:05"), mode, r.Summary.Items, r.Summary.Failed)

	b.WriteString("## Summary\n\n")
	b.WriteString("| Context relevance | Faithfulness | Correctness |\n|---|---|---|\n")
	fmt.Fprintf(&b, "| %.3f | %.3f | %.3f |\n\n", r.Summary.ContextRelevance, r.Summary.Faithfulness, r.Summary.Correctness)

	b.WriteString("## Results\n\n")
	b.WriteString("| # | Question | Answer | Relevance | Faithfulness | Correctness | Error |\n|---|---|---|---|---|---|---|\n")
	for i, res := range r.Results {
		fmt.Fprintf(&b, "| %d | %s | %s | %.2f | %.2f | %.2f | %s |\n",
			i+1, cell(res.Question), cell(res.Answer),
			res.ContextRelevance, res.Faithfulness, res.Correctness, cell(res.Error))
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// cell makes s safe for a single markdown table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\r\n", "<br>")
	return strings.ReplaceAll(s, "\n", "<br>")
}
