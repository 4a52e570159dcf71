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

// Package mail adapts mailboxes (Gmail API, IMAP) and reply transports
// (Gmail API, SMTP, Mailgun) to the pipeline's mail collaborator contract.
package mail

import (
	"context"
	"errors"
	"time"

	"github.com/bcem/replydesk/internal/models"
)

// ErrNotFound is returned by Fetch when the message no longer exists.
var ErrNotFound = errors.New("message not found")

// Mailbox supplies inbound messages and records that they were handled.
type Mailbox interface {
	Fetch(ctx context.Context, id string) (*models.InboundMessage, error)
	MarkProcessed(ctx context.Context, id string) error
	ListUnread(ctx context.Context, since time.Time) ([]string, error)
}

// Sender delivers a reply threaded to the original message.
type Sender interface {
	Reply(ctx context.Context, msg *models.InboundMessage, answer *models.SynthesizedAnswer) error
}
