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

package decompose

import (
	"fmt"
	"strings"
)

const promptTemplate = `<ROLE_AND_GOAL>
You are a query analysis engine for a customer support knowledge base. Turn the
customer's email and any attached files into short, keyword-dense search queries,
one per distinct question or need.
</ROLE_AND_GOAL>
<STRATEGY>
1. Semantic bridging: map the customer's wording to the terms a policy or product
   document would use (e.g. "send it back" -> "return process").
2. Cross-reference: for policy questions also query the related process, for
   product questions also query availability and service.
3. Language: keep product and technical terms in the language the documents use;
   keep policy terms in the customer's language as well.
4. Context expansion: add a few related keywords (address, contact, refund,
   adapter, cable) where they sharpen the match.
Queries must be independent of each other and must not restate the whole email.
Return at most eight queries, most important first.
</STRATEGY>
<EXAMPLE>
EMAIL: "How do I return my order and how much does it cost?"
{"queries": ["return process steps online orders", "return shipping costs courier pickup", "refund timeline card bank transfer"]}
</EXAMPLE>
<CURRENT_TASK>
EMAIL SUBJECT: %q
EMAIL BODY: %q
ATTACHMENTS: %s
</CURRENT_TASK>
Respond with JSON of the form {"queries": [...]}.`

const strictTemplate = `Extract search queries from the customer email below.
Output ONLY a JSON object exactly of the form {"queries": ["...", "..."]}.
No markdown, no commentary. Each query is at most ten words. If the email
contains no question, output {"queries": []}.

SUBJECT: %q
BODY: %q
ATTACHMENTS: %s`

func attachmentNotice(in Input) string {
	if len(in.Parts) == 0 {
		return "none"
	}
	return fmt.Sprintf("%d attached file(s) follow; analyse their content as part of the request.", len(in.Parts))
}

func buildPrompt(in Input) string {
	return fmt.Sprintf(promptTemplate, in.Subject, strings.TrimSpace(in.Body), attachmentNotice(in))
}

func buildStrictPrompt(in Input) string {
	return fmt.Sprintf(strictTemplate, in.Subject, strings.TrimSpace(in.Body), attachmentNotice(in))
}
