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
	"context"
	"fmt"
	"log/slog"

	mg "github.com/mailgun/mailgun-go/v5"
	gomail "github.com/wneessen/go-mail"

	"github.com/bcem/replydesk/internal/models"
)

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Security string // tls, starttls or none
}

// SMTPSender delivers replies through an SMTP relay.
type SMTPSender struct {
	from string
	cfg  SMTPConfig
}

// NewSMTPSender creates an SMTP reply transport.
func NewSMTPSender(from string, cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{from: from, cfg: cfg}
}

// Reply sends the answer to the original sender.
func (s *SMTPSender) Reply(ctx context.Context, msg *models.InboundMessage, answer *models.SynthesizedAnswer) error {
	r, err := BuildReply(s.from, msg, answer)
	if err != nil {
		return err
	}
	m, err := r.Msg()
	if err != nil {
		return err
	}

	opts := []gomail.Option{gomail.WithPort(s.cfg.Port)}
	if s.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.cfg.Username),
			gomail.WithPassword(s.cfg.Password),
		)
	}
	switch s.cfg.Security {
	case "tls":
		opts = append(opts, gomail.WithSSLPort(false), gomail.WithTLSPolicy(gomail.TLSMandatory))
	case "none":
		opts = append(opts, gomail.WithTLSPolicy(gomail.NoTLS))
	default:
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	}

	client, err := gomail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	slog.Info("reply sent", "transport", "smtp", "message_id", msg.ID, "to", r.To)
	return nil
}

// MailgunConfig configures MailgunSender.
type MailgunConfig struct {
	Domain string
	APIKey string
	Region string // us or eu
}

// MailgunSender delivers replies through the Mailgun HTTP API.
type MailgunSender struct {
	from   string
	domain string
	client *mg.Client
}

// NewMailgunSender creates a Mailgun reply transport.
func NewMailgunSender(from string, cfg MailgunConfig) *MailgunSender {
	client := mg.NewMailgun(cfg.APIKey)
	if cfg.Region == "eu" {
		client.SetAPIBase(mg.APIBaseEU)
	}
	return &MailgunSender{from: from, domain: cfg.Domain, client: client}
}

// Reply sends the answer with threading headers set explicitly.
func (s *MailgunSender) Reply(ctx context.Context, msg *models.InboundMessage, answer *models.SynthesizedAnswer) error {
	r, err := BuildReply(s.from, msg, answer)
	if err != nil {
		return err
	}

	m := mg.NewMessage(s.domain, r.From, r.Subject, r.Text, r.To)
	m.SetHTML(r.HTML)
	if r.InReplyTo != "" {
		m.AddHeader("In-Reply-To", r.InReplyTo)
	}
	if r.References != "" {
		m.AddHeader("References", r.References)
	}

	resp, err := s.client.Send(ctx, m)
	if err != nil {
		return fmt.Errorf("mailgun send: %w", err)
	}

	slog.Info("reply sent", "transport", "mailgun", "message_id", msg.ID, "to", r.To, "mailgun_id", resp.ID)
	return nil
}
