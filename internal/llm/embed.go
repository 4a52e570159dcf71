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

package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// Embedder turns text into a dense vector for semantic search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GenAIEmbedder generates query embeddings using a Gemini embedding model.
type GenAIEmbedder struct {
	client   *genai.Client
	model    string
	taskType string
}

// NewEmbedder creates an embedder for search queries.
func NewEmbedder(client *genai.Client, model string) *GenAIEmbedder {
	if model == "" {
		model = "gemini-embedding-001"
	}
	return &GenAIEmbedder{
		client:   client,
		model:    model,
		taskType: "RETRIEVAL_QUERY",
	}
}

// Embed generates an embedding for a single text.
func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}

	result, err := e.client.Models.EmbedContent(ctx,
		e.model,
		contents,
		&genai.EmbedContentConfig{
			TaskType: e.taskType,
		},
	)
	if err != nil {
		return nil, classify(fmt.Errorf("embed query: %w", err))
	}

	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("embed query: no embeddings returned")
	}

	return result.Embeddings[0].Values, nil
}
