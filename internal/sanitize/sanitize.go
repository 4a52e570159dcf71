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

// Package sanitize neutralizes prompt-injection phrasing in customer text
// before it reaches a model prompt.
package sanitize

import (
	"log/slog"
	"regexp"
)

const filtered = "[FILTERED]"

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(previous|all|above)\s+(instructions|prompts|rules)`),
	regexp.MustCompile(`(?i)act\s+as`),
	regexp.MustCompile(`(?i)reveal\s+(prompt|instructions|system|rules|secrets)`),
	regexp.MustCompile(`(?i)execute\s+(code|command|script|function)`),
	regexp.MustCompile(`(?i)override\s+(security|safety|instructions)`),
	regexp.MustCompile(`(?i)(pretend\s+to\s+be|you\s+are)\s+`),
	regexp.MustCompile(`(?i)new\s+(instructions|rules|role)`),
	regexp.MustCompile(`(?i)forget\s+(everything|instructions|rules)`),
	regexp.MustCompile(`(?i)jailbreak`),
}

// Text replaces every injection pattern match with a marker. The second
// return value reports whether anything was replaced.
func Text(s string) (string, bool) {
	changed := false
	for _, re := range injectionPatterns {
		if re.MatchString(s) {
			s = re.ReplaceAllString(s, filtered)
			changed = true
		}
	}
	return s, changed
}

// Field sanitizes s and logs a warning naming the field when it was altered.
func Field(field, messageID, s string) string {
	out, changed := Text(s)
	if changed {
		slog.Warn("potential prompt injection filtered", "field", field, "message_id", messageID)
	}
	return out
}
