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

// Package models defines the data structures shared across the reply pipeline.
package models

import "time"

// AttachmentKind classifies an attachment by what the model can do with it.
type AttachmentKind string

const (
	KindAudio    AttachmentKind = "audio"
	KindDocument AttachmentKind = "document"
	KindImage    AttachmentKind = "image"
)

// Attachment is a file carried by an inbound message. Content holds the raw
// bytes until the normalizer offloads it; URI is set once the bytes live in
// blob storage and should be referenced rather than inlined.
type Attachment struct {
	Kind         AttachmentKind `json:"kind"`
	FileName     string         `json:"file_name"`
	ContentType  string         `json:"content_type"`
	DeclaredSize int64          `json:"declared_size"`
	Content      []byte         `json:"-"`
	URI          string         `json:"uri,omitempty"`
}

// InboundMessage is a customer email as supplied by the mail collaborator.
// It is treated as immutable once fetched.
type InboundMessage struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"thread_id,omitempty"`
	From        string       `json:"from"`
	To          []string     `json:"to,omitempty"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments"`

	// Threading headers of the original message, used to build the reply.
	InternetMessageID string    `json:"internet_message_id,omitempty"`
	References        string    `json:"references,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
}

// Query is one atomic search query derived from the customer's intent.
type Query string

// EvidencePassage is a knowledge-base span returned for a query.
type EvidencePassage struct {
	SourceID    string   `json:"source_id"`
	Text        string   `json:"text"`
	Score       float64  `json:"score"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

// ConsolidatedContext is the bounded, deduplicated evidence handed to synthesis.
type ConsolidatedContext struct {
	Passages []EvidencePassage `json:"passages"`
	Chars    int               `json:"chars"`
}

// Sources returns the distinct source identifiers in passage order.
func (c ConsolidatedContext) Sources() []string {
	seen := make(map[string]bool, len(c.Passages))
	var out []string
	for _, p := range c.Passages {
		if p.SourceID == "" || seen[p.SourceID] {
			continue
		}
		seen[p.SourceID] = true
		out = append(out, p.SourceID)
	}
	return out
}

// SynthesizedAnswer is the grounded reply produced for one message.
type SynthesizedAnswer struct {
	Body       string   `json:"body"`
	Citations  []string `json:"citations"`
	Disclaimer bool     `json:"disclaimer"`
}
