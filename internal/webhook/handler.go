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

// Package webhook exposes the service's HTTP surface: Gmail Pub/Sub push
// notifications, a manual per-message trigger and a health probe.
//
// Pub/Sub push flow:
//   - Pub/Sub POSTs an envelope whose data is base64 JSON
//     {"emailAddress": ..., "historyId": ...}
//   - We respond 204 immediately so Pub/Sub does not redeliver
//   - The history walk runs in the background
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bcem/replydesk/internal/mail"
	"github.com/bcem/replydesk/internal/pipeline"
)

// Notifier consumes a mailbox history id. Implemented by history.Syncer.
type Notifier interface {
	Notify(ctx context.Context, historyID uint64) (int, error)
}

// Processor runs one message through the pipeline.
type Processor interface {
	Process(ctx context.Context, messageID string) (*pipeline.Result, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// PushEnvelope is the body Pub/Sub POSTs to a push endpoint.
type PushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// MailboxNotification is the decoded data of a Gmail push message.
type MailboxNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// Handler serves the HTTP endpoints.
type Handler struct {
	notifier  Notifier
	processor Processor
	token     string
	checks    map[string]HealthCheck

	wg sync.WaitGroup
}

// NewHandler creates a handler. token, when non-empty, must be presented
// as ?token= on push requests. notifier may be nil when the mailbox has no
// push channel.
func NewHandler(notifier Notifier, processor Processor, token string, checks map[string]HealthCheck) *Handler {
	return &Handler{
		notifier:  notifier,
		processor: processor,
		token:     token,
		checks:    checks,
	}
}

// ServePush handles Pub/Sub push deliveries.
func (h *Handler) ServePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.token != "" && subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("token")), []byte(h.token)) != 1 {
		slog.Warn("push rejected: bad token", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if h.notifier == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	n, err := DecodePush(r)
	if err != nil {
		// Pub/Sub retries non-2xx forever; a malformed message never heals.
		slog.Warn("dropping malformed push", "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.WriteHeader(http.StatusNoContent)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.notify(context.Background(), n)
	}()
}

func (h *Handler) notify(ctx context.Context, n *MailboxNotification) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	count, err := h.notifier.Notify(ctx, n.HistoryID)
	if err != nil {
		slog.Error("push notification sync failed",
			"email", n.EmailAddress,
			"history_id", n.HistoryID,
			"error", err,
		)
		return
	}
	slog.Info("push notification handled",
		"email", n.EmailAddress,
		"history_id", n.HistoryID,
		"enqueued", count,
	)
}

// DecodePush parses a Pub/Sub push request into a mailbox notification.
func DecodePush(r *http.Request) (*MailboxNotification, error) {
	var env PushEnvelope
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode push envelope: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		data, err = base64.URLEncoding.DecodeString(env.Message.Data)
		if err != nil {
			return nil, fmt.Errorf("decode push data: %w", err)
		}
	}

	var n MailboxNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decode mailbox notification: %w", err)
	}
	if n.HistoryID == 0 {
		return nil, errors.New("mailbox notification has no historyId")
	}
	return &n, nil
}

// ServeProcess runs the pipeline synchronously for /process/{message_id}
// and writes the run result as JSON.
func (h *Handler) ServeProcess(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("message_id"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message_id is required"})
		return
	}

	res, err := h.processor.Process(r.Context(), id)
	switch {
	case errors.Is(err, mail.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case err != nil:
		slog.Error("manual trigger failed", "message_id", id, "error", err)
		writeJSON(w, http.StatusBadGateway, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// ServeHealth pings every registered dependency.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	report := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			report[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		report[name] = "ok"
	}
	writeJSON(w, status, report)
}

// Wait blocks until background notification work has finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Routes returns the handler's mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /push", h.ServePush)
	mux.HandleFunc("POST /process/{message_id}", h.ServeProcess)
	mux.HandleFunc("GET /health", h.ServeHealth)
	return mux
}

// Serve starts the HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind http port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("http server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	return ready, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
