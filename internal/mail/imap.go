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
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/bcem/replydesk/internal/models"
)

// IMAPConfig configures an IMAP mailbox.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Security string // tls, starttls or none
}

// IMAP is a Mailbox over an IMAP INBOX. Message ids are UIDs. Each call
// opens its own session so concurrent workers never share a connection.
type IMAP struct {
	cfg IMAPConfig
}

// NewIMAP creates an IMAP mailbox.
func NewIMAP(cfg IMAPConfig) *IMAP {
	return &IMAP{cfg: cfg}
}

func (m *IMAP) dial() (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	opts := &imapclient.Options{TLSConfig: &tls.Config{ServerName: m.cfg.Host}}

	var client *imapclient.Client
	var err error
	switch m.cfg.Security {
	case "starttls":
		client, err = imapclient.DialStartTLS(addr, opts)
	case "none":
		client, err = imapclient.DialInsecure(addr, opts)
	default:
		client, err = imapclient.DialTLS(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap (%s): %w", m.cfg.Security, err)
	}
	if err := client.Login(m.cfg.Username, m.cfg.Password).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("imap login: %w", err)
	}
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("select inbox: %w", err)
	}
	return client, nil
}

func parseUID(id string) (imap.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid imap uid %q", id)
	}
	return imap.UID(n), nil
}

// Fetch reads the full message without setting \Seen.
func (m *IMAP) Fetch(ctx context.Context, id string) (*models.InboundMessage, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}
	client, err := m.dial()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	fetchCmd := client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	})
	defer fetchCmd.Close()

	msgData := fetchCmd.Next()
	if msgData == nil {
		return nil, ErrNotFound
	}
	buf, err := msgData.Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch uid %d: %w", uid, err)
	}
	if len(buf.BodySection) == 0 {
		return nil, fmt.Errorf("fetch uid %d: empty body", uid)
	}

	return ParseMIME(id, buf.BodySection[0].Bytes)
}

// MarkProcessed sets \Seen on the message.
func (m *IMAP) MarkProcessed(ctx context.Context, id string) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}
	client, err := m.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	store := client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := store.Close(); err != nil {
		return fmt.Errorf("mark uid %d seen: %w", uid, err)
	}
	return nil
}

// ListUnread returns UIDs of unseen messages received since the given day.
func (m *IMAP) ListUnread(ctx context.Context, since time.Time) ([]string, error) {
	client, err := m.dial()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	if !since.IsZero() {
		criteria.Since = since
	}

	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}

	uids := data.AllUIDs()
	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	slog.Debug("imap unread listed", "count", len(ids))
	return ids, nil
}
