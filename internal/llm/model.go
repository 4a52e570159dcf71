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

// Package llm wraps the Gemini models used by the pipeline. Each pipeline
// stage gets its own Model bound to an invocation profile (model name,
// sampling temperature, output budget, per-call timeout).
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

// Part is non-text model input: either inline bytes or a reference to a file
// already held by the model provider.
type Part struct {
	MIMEType string
	Data     []byte
	URI      string
}

// Request is one generation call.
type Request struct {
	System string
	Prompt string
	Parts  []Part

	// Schema requests structured JSON output when set.
	Schema *genai.Schema
}

// Generator produces text for a request. Implemented by Model; faked in tests.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Profile describes how a stage invokes the model.
type Profile struct {
	Name            string
	Model           string
	Temperature     float32
	TopP            float32
	MaxOutputTokens int32
	Timeout         time.Duration
}

// ClientConfig selects the Gemini API (API key) or Vertex AI (project) backend.
type ClientConfig struct {
	APIKey   string
	Project  string
	Location string
}

// NewClient creates a genai client for the configured backend.
func NewClient(ctx context.Context, cfg ClientConfig) (*genai.Client, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.APIKey == "" {
		cc = &genai.ClientConfig{
			Project:  cfg.Project,
			Location: cfg.Location,
			Backend:  genai.BackendVertexAI,
		}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return client, nil
}

// Model is a Generator backed by a genai model and a fixed profile.
type Model struct {
	client  *genai.Client
	profile Profile
}

// NewModel binds a profile to a client.
func NewModel(client *genai.Client, profile Profile) *Model {
	return &Model{client: client, profile: profile}
}

// Generate runs one bounded generation call. Transport failures that are
// worth retrying are returned as *TransientError.
func (m *Model) Generate(ctx context.Context, req Request) (string, error) {
	if m.profile.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.profile.Timeout)
		defer cancel()
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(m.profile.Temperature),
		MaxOutputTokens: m.profile.MaxOutputTokens,
	}
	if m.profile.TopP > 0 {
		cfg.TopP = genai.Ptr(m.profile.TopP)
	}
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = req.Schema
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	for _, p := range req.Parts {
		if p.URI != "" {
			parts = append(parts, genai.NewPartFromURI(p.URI, p.MIMEType))
		} else {
			parts = append(parts, genai.NewPartFromBytes(p.Data, p.MIMEType))
		}
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	start := time.Now()
	resp, err := m.client.Models.GenerateContent(ctx, m.profile.Model, contents, cfg)
	if err != nil {
		return "", classify(fmt.Errorf("%s generate: %w", m.profile.Name, err))
	}

	text := strings.TrimSpace(resp.Text())
	slog.Debug("model call complete",
		"profile", m.profile.Name,
		"model", m.profile.Model,
		"parts", len(req.Parts),
		"output_len", len(text),
		"elapsed", time.Since(start),
	)

	if text == "" {
		return "", fmt.Errorf("%s generate: empty model response", m.profile.Name)
	}
	return text, nil
}

// TransientError marks a failure that may succeed on retry (rate limit,
// server error, timeout).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// classify wraps retryable provider errors as *TransientError.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}

	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
		return &TransientError{Err: err}
	}
	return err
}
