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

// Package blob stores oversized binary attachments out of band so model
// calls can reference them by location instead of inlining the bytes.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"
)

// Store persists a blob and returns a URI a model call can reference.
type Store interface {
	Put(ctx context.Context, name, mimeType string, data []byte) (string, error)
}

// GenAIFileStore keeps blobs in the Gemini Files API.
type GenAIFileStore struct {
	client       *genai.Client
	pollInterval time.Duration
	maxWait      time.Duration
}

// NewGenAIFileStore creates a file store backed by the given client.
func NewGenAIFileStore(client *genai.Client) *GenAIFileStore {
	return &GenAIFileStore{
		client:       client,
		pollInterval: time.Second,
		maxWait:      60 * time.Second,
	}
}

// Put uploads data and waits until the provider reports it ready for use.
func (s *GenAIFileStore) Put(ctx context.Context, name, mimeType string, data []byte) (string, error) {
	file, err := s.client.Files.Upload(ctx, bytes.NewReader(data), &genai.UploadFileConfig{
		MIMEType:    mimeType,
		DisplayName: name,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}

	deadline := time.Now().Add(s.maxWait)
	for file.State == genai.FileStateProcessing {
		if time.Now().After(deadline) {
			return "", fmt.Errorf("upload %s: still processing after %s", name, s.maxWait)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.pollInterval):
		}
		file, err = s.client.Files.Get(ctx, file.Name, nil)
		if err != nil {
			return "", fmt.Errorf("poll upload %s: %w", name, err)
		}
	}

	if file.State == genai.FileStateFailed {
		return "", fmt.Errorf("upload %s: provider rejected file", name)
	}

	slog.Info("blob stored",
		"name", name,
		"mime_type", mimeType,
		"size", len(data),
		"uri", file.URI,
	)

	return file.URI, nil
}
