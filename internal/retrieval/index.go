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

// Package retrieval fetches knowledge passages for each decomposed query and
// reranks them. Retrieval failures degrade a query's evidence to empty;
// reranking failures degrade to retrieval order.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/qdrant/go-client/qdrant"

	"github.com/bcem/replydesk/internal/llm"
	"github.com/bcem/replydesk/internal/models"
)

// Index is the semantic-index collaborator: a text query in, ranked passages out.
type Index interface {
	Search(ctx context.Context, q models.Query, limit int) ([]models.EvidencePassage, error)
}

// QdrantConfig locates the knowledge-base collection.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

// QdrantIndex embeds queries and searches a Qdrant collection whose points
// carry "text" and "source" (or "source_uri") payload fields.
type QdrantIndex struct {
	client     *qdrant.Client
	embedder   llm.Embedder
	collection string
}

// NewQdrantIndex connects to Qdrant over gRPC.
func NewQdrantIndex(cfg QdrantConfig, embedder llm.Embedder) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	slog.Info("semantic index connected", "host", cfg.Host, "collection", cfg.Collection)
	return &QdrantIndex{client: client, embedder: embedder, collection: cfg.Collection}, nil
}

// Search embeds q and returns up to limit passages ordered by similarity.
func (x *QdrantIndex) Search(ctx context.Context, q models.Query, limit int) ([]models.EvidencePassage, error) {
	vec, err := x.embedder.Embed(ctx, string(q))
	if err != nil {
		return nil, err
	}

	points, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	passages := make([]models.EvidencePassage, 0, len(points))
	for _, p := range points {
		text := payloadString(p.GetPayload(), "text")
		if text == "" {
			continue
		}
		passages = append(passages, models.EvidencePassage{
			SourceID: sourceID(p.GetPayload()),
			Text:     text,
			Score:    float64(p.GetScore()),
		})
	}
	return passages, nil
}

// Ping checks that Qdrant is reachable.
func (x *QdrantIndex) Ping(ctx context.Context) error {
	_, err := x.client.HealthCheck(ctx)
	return err
}

// Close releases the gRPC connection.
func (x *QdrantIndex) Close() error {
	return x.client.Close()
}

func sourceID(payload map[string]*qdrant.Value) string {
	if s := payloadString(payload, "source"); s != "" {
		return s
	}
	if uri := payloadString(payload, "source_uri"); uri != "" {
		return path.Base(uri)
	}
	return "unknown"
}

func payloadString(payload map[string]*qdrant.Value, key string) string {
	if v, ok := payload[key]; ok && v != nil {
		return v.GetStringValue()
	}
	return ""
}
