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
	"log/slog"
	netmail "net/mail"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/jhillyerd/enmime"

	"github.com/bcem/replydesk/internal/attachment"
	"github.com/bcem/replydesk/internal/models"
)

// ParseMIME converts a raw RFC 5322 message into an InboundMessage. Parts
// without a filename are treated as body content, not attachments.
func ParseMIME(id string, raw []byte) (*models.InboundMessage, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse MIME message: %w", err)
	}

	msg := &models.InboundMessage{
		ID:                id,
		From:              firstAddress(env, "From"),
		Subject:           env.GetHeader("Subject"),
		Body:              strings.TrimSpace(env.Text),
		InternetMessageID: strings.TrimSpace(env.GetHeader("Message-ID")),
		References:        strings.TrimSpace(env.GetHeader("References")),
	}

	if to, err := env.AddressList("To"); err == nil {
		for _, a := range to {
			msg.To = append(msg.To, a.Address)
		}
	}

	if msg.Body == "" && env.HTML != "" {
		md, err := htmltomarkdown.ConvertString(env.HTML)
		if err != nil {
			slog.Warn("html body conversion failed", "message_id", id, "error", err)
		} else {
			msg.Body = strings.TrimSpace(md)
		}
	}

	if d, err := netmail.ParseDate(env.GetHeader("Date")); err == nil {
		msg.ReceivedAt = d.UTC()
	} else {
		msg.ReceivedAt = time.Now().UTC()
	}

	parts := append(append([]*enmime.Part{}, env.Attachments...), env.Inlines...)
	for _, p := range parts {
		if p.FileName == "" {
			continue
		}
		kind, _ := attachment.KindOf(p.ContentType)
		msg.Attachments = append(msg.Attachments, models.Attachment{
			Kind:         kind,
			FileName:     p.FileName,
			ContentType:  p.ContentType,
			DeclaredSize: int64(len(p.Content)),
			Content:      p.Content,
		})
	}

	for _, perr := range env.Errors {
		slog.Debug("MIME parse warning", "message_id", id, "error", perr.Error())
	}

	return msg, nil
}

func firstAddress(env *enmime.Envelope, header string) string {
	list, err := env.AddressList(header)
	if err == nil && len(list) > 0 {
		return strings.ToLower(list[0].Address)
	}
	if a, err := netmail.ParseAddress(env.GetHeader(header)); err == nil {
		return strings.ToLower(a.Address)
	}
	return strings.TrimSpace(env.GetHeader(header))
}
