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
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/bcem/replydesk/internal/models"
)

const (
	gmailBaseURL   = "https://gmail.googleapis.com/gmail/v1/users"
	googleTokenURL = "https://oauth2.googleapis.com/token"
	gmailScope     = "https://www.googleapis.com/auth/gmail.modify"
)

// ErrHistoryExpired is returned when a history cursor is too old for the
// Gmail API to serve; the caller must start from a fresh cursor.
var ErrHistoryExpired = errors.New("gmail history cursor expired")

// GmailConfig holds the OAuth credentials of the bot mailbox.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	User         string

	// Timeout bounds every API request, token refresh included. Zero uses
	// defaultGmailTimeout.
	Timeout time.Duration
}

const defaultGmailTimeout = 30 * time.Second

// Gmail is both Mailbox and Sender over the Gmail REST API.
type Gmail struct {
	httpClient *http.Client
	baseURL    string
	user       string
	from       string
}

// NewGmailHTTPClient returns an HTTP client that refreshes access tokens
// from the stored refresh token.
func NewGmailHTTPClient(ctx context.Context, cfg GmailConfig) *http.Client {
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL},
		Scopes:       []string{gmailScope},
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultGmailTimeout
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: timeout})

	client := conf.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	client.Timeout = timeout
	return client
}

// NewGmail creates a Gmail mailbox. baseURL may be empty for the public API.
func NewGmail(httpClient *http.Client, baseURL, user, from string) *Gmail {
	if baseURL == "" {
		baseURL = gmailBaseURL
	}
	if user == "" {
		user = "me"
	}
	return &Gmail{httpClient: httpClient, baseURL: baseURL, user: user, from: from}
}

type gmailMessage struct {
	ID           string   `json:"id"`
	ThreadID     string   `json:"threadId"`
	LabelIDs     []string `json:"labelIds"`
	Raw          string   `json:"raw"`
	InternalDate string   `json:"internalDate"`
}

// Fetch retrieves the raw message and parses it.
func (g *Gmail) Fetch(ctx context.Context, id string) (*models.InboundMessage, error) {
	var gm gmailMessage
	status, err := g.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(id)+"?format=raw", nil, &gm)
	if status == http.StatusNotFound {
		slog.Warn("message not found (may have been deleted)", "message_id", id)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch message %s: %w", id, err)
	}

	raw, err := base64.URLEncoding.DecodeString(padBase64(gm.Raw))
	if err != nil {
		return nil, fmt.Errorf("decode raw message %s: %w", id, err)
	}

	msg, err := ParseMIME(gm.ID, raw)
	if err != nil {
		return nil, err
	}
	msg.ThreadID = gm.ThreadID
	if ms, err := strconv.ParseInt(gm.InternalDate, 10, 64); err == nil {
		msg.ReceivedAt = time.UnixMilli(ms).UTC()
	}
	return msg, nil
}

// MarkProcessed removes the UNREAD label.
func (g *Gmail) MarkProcessed(ctx context.Context, id string) error {
	body := map[string][]string{"removeLabelIds": {"UNREAD"}}
	if _, err := g.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(id)+"/modify", body, nil); err != nil {
		return fmt.Errorf("mark message %s read: %w", id, err)
	}
	return nil
}

// ListUnread returns unread inbox message ids received after since.
func (g *Gmail) ListUnread(ctx context.Context, since time.Time) ([]string, error) {
	q := "is:unread in:inbox"
	if !since.IsZero() {
		q += fmt.Sprintf(" after:%d", since.Unix())
	}

	var ids []string
	pageToken := ""
	for {
		params := url.Values{"q": {q}, "maxResults": {"100"}}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var page struct {
			Messages []struct {
				ID string `json:"id"`
			} `json:"messages"`
			NextPageToken string `json:"nextPageToken"`
		}
		if _, err := g.do(ctx, http.MethodGet, "/messages?"+params.Encode(), nil, &page); err != nil {
			return nil, fmt.Errorf("list unread: %w", err)
		}
		for _, m := range page.Messages {
			ids = append(ids, m.ID)
		}
		if page.NextPageToken == "" {
			return ids, nil
		}
		pageToken = page.NextPageToken
	}
}

// HistorySince lists inbox messages added after startHistoryID and returns
// the mailbox's latest history id.
func (g *Gmail) HistorySince(ctx context.Context, startHistoryID uint64) ([]string, uint64, error) {
	var ids []string
	seen := make(map[string]bool)
	latest := startHistoryID
	pageToken := ""

	for {
		params := url.Values{
			"startHistoryId": {strconv.FormatUint(startHistoryID, 10)},
			"historyTypes":   {"messageAdded"},
			"labelId":        {"INBOX"},
		}
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var page struct {
			History []struct {
				MessagesAdded []struct {
					Message gmailMessage `json:"message"`
				} `json:"messagesAdded"`
			} `json:"history"`
			HistoryID     string `json:"historyId"`
			NextPageToken string `json:"nextPageToken"`
		}
		status, err := g.do(ctx, http.MethodGet, "/history?"+params.Encode(), nil, &page)
		if status == http.StatusNotFound {
			return nil, 0, ErrHistoryExpired
		}
		if err != nil {
			return nil, 0, fmt.Errorf("list history: %w", err)
		}

		for _, h := range page.History {
			for _, added := range h.MessagesAdded {
				id := added.Message.ID
				if id == "" || seen[id] {
					continue
				}
				seen[id] = true
				ids = append(ids, id)
			}
		}
		if hid, err := strconv.ParseUint(page.HistoryID, 10, 64); err == nil && hid > latest {
			latest = hid
		}

		if page.NextPageToken == "" {
			return ids, latest, nil
		}
		pageToken = page.NextPageToken
	}
}

// Reply sends the answer in the original thread.
func (g *Gmail) Reply(ctx context.Context, msg *models.InboundMessage, answer *models.SynthesizedAnswer) error {
	r, err := BuildReply(g.from, msg, answer)
	if err != nil {
		return err
	}
	raw, err := r.Bytes()
	if err != nil {
		return err
	}

	body := map[string]string{"raw": base64.URLEncoding.EncodeToString(raw)}
	if msg.ThreadID != "" {
		body["threadId"] = msg.ThreadID
	}
	if _, err := g.do(ctx, http.MethodPost, "/messages/send", body, nil); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	slog.Info("reply sent", "transport", "gmail", "message_id", msg.ID, "thread_id", msg.ThreadID, "to", r.To)
	return nil
}

// do issues one API call. It returns the HTTP status alongside any error so
// callers can branch on 404.
func (g *Gmail) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+"/"+url.PathEscape(g.user)+path, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("gmail API returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func padBase64(s string) string {
	if m := len(s) % 4; m != 0 {
		s += "===="[:4-m]
	}
	return s
}
