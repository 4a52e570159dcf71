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

package mail

import (
	"bytes"
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	gomail "github.com/wneessen/go-mail"

	"github.com/bcem/replydesk/internal/models"
)

// Reply is a rendered reply ready for any transport.
type Reply struct {
	From       string
	To         string
	Subject    string
	InReplyTo  string
	References string
	HTML       string
	Text       string
}

// BuildReply threads an answer to msg. The subject gains a "Re:" prefix
// unless it already has one, and the References chain is extended with the
// original Message-ID.
func BuildReply(from string, msg *models.InboundMessage, answer *models.SynthesizedAnswer) (*Reply, error) {
	if msg.From == "" {
		return nil, fmt.Errorf("build reply: message %s has no sender", msg.ID)
	}

	subject := strings.TrimSpace(msg.Subject)
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	refs := strings.TrimSpace(msg.References)
	if msg.InternetMessageID != "" {
		refs = strings.TrimSpace(refs + " " + msg.InternetMessageID)
	}

	text, err := htmltomarkdown.ConvertString(answer.Body)
	if err != nil {
		return nil, fmt.Errorf("convert reply to text: %w", err)
	}

	return &Reply{
		From:       from,
		To:         msg.From,
		Subject:    subject,
		InReplyTo:  msg.InternetMessageID,
		References: refs,
		HTML:       answer.Body,
		Text:       text,
	}, nil
}

// Msg renders the reply as a multipart/alternative MIME message.
func (r *Reply) Msg() (*gomail.Msg, error) {
	m := gomail.NewMsg()
	if err := m.From(r.From); err != nil {
		return nil, fmt.Errorf("set from: %w", err)
	}
	if err := m.To(r.To); err != nil {
		return nil, fmt.Errorf("set to: %w", err)
	}
	m.Subject(r.Subject)
	if r.InReplyTo != "" {
		m.SetGenHeader(gomail.HeaderInReplyTo, r.InReplyTo)
	}
	if r.References != "" {
		m.SetGenHeader(gomail.HeaderReferences, r.References)
	}
	m.SetMessageID()
	m.SetDate()
	m.SetBodyString(gomail.TypeTextPlain, r.Text)
	m.AddAlternativeString(gomail.TypeTextHTML, r.HTML)
	return m, nil
}

// Bytes renders the reply as raw RFC 5322 bytes.
func (r *Reply) Bytes() ([]byte, error) {
	m, err := r.Msg()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("render reply: %w", err)
	}
	return buf.Bytes(), nil
}
