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

// Package app builds the service's object graph from configuration. Both
// the long-running server and the operator CLI start from Build.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"cloud.google.com/go/datastore"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/replydesk/internal/attachment"
	"github.com/bcem/replydesk/internal/blob"
	"github.com/bcem/replydesk/internal/config"
	"github.com/bcem/replydesk/internal/consolidate"
	"github.com/bcem/replydesk/internal/decompose"
	"github.com/bcem/replydesk/internal/dedup"
	"github.com/bcem/replydesk/internal/llm"
	"github.com/bcem/replydesk/internal/lock"
	"github.com/bcem/replydesk/internal/mail"
	"github.com/bcem/replydesk/internal/pipeline"
	"github.com/bcem/replydesk/internal/queue"
	"github.com/bcem/replydesk/internal/retrieval"
	"github.com/bcem/replydesk/internal/synthesis"
	"github.com/bcem/replydesk/internal/webhook"
)

// App holds the wired components.
type App struct {
	Config    *config.Config
	Pipeline  *pipeline.Pipeline
	Guard     *lock.Guard
	Mailbox   mail.Mailbox
	Gmail     *mail.Gmail // nil unless the mailbox provider is gmail
	Redis     *redis.Client
	Publisher *queue.Publisher
	Dedup     *dedup.Filter
	Index     *retrieval.QdrantIndex

	// Stages shared by the pipeline and the offline evaluation. Reranker is
	// built even when the pipeline runs without it.
	Retriever   *retrieval.Retriever
	Reranker    *retrieval.LLMReranker
	Synthesizer *synthesis.Synthesizer
	Judge       *llm.Model

	closers []func()
}

// Build connects to every backing service and assembles the pipeline.
// On error, anything already opened is closed.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	// --- Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	a.Redis = redis.NewClient(opt)
	a.closers = append(a.closers, func() { _ = a.Redis.Close() })

	a.Publisher = queue.NewPublisher(a.Redis, cfg.MessageQueue)
	if err := a.Publisher.Ping(ctx); err != nil {
		return fmt.Errorf("connect to Redis: %w", err)
	}
	slog.Info("connected to Redis")
	a.Dedup = dedup.NewFilter(a.Redis, cfg.DedupTTL)

	// --- Lock store ---
	store, err := a.lockStore(ctx)
	if err != nil {
		return err
	}
	a.Guard = lock.NewGuard(store, cfg.LockStaleAfter)

	// --- Mailbox and sender ---
	a.mailTransport(ctx)
	sender, err := a.sender()
	if err != nil {
		return err
	}

	// --- Models ---
	client, err := llm.NewClient(ctx, llm.ClientConfig{
		APIKey:   cfg.GenAIAPIKey,
		Project:  cfg.GenAIProject,
		Location: cfg.GenAILocation,
	})
	if err != nil {
		return err
	}
	decomposer := llm.NewModel(client, profile("decomposition", cfg.Decomposition, cfg))
	synthesizer := llm.NewModel(client, profile("synthesis", cfg.Synthesis, cfg))

	// --- Semantic index ---
	a.Index, err = retrieval.NewQdrantIndex(retrieval.QdrantConfig{
		Host:       cfg.QdrantHost,
		Port:       cfg.QdrantPort,
		APIKey:     cfg.QdrantAPIKey,
		UseTLS:     cfg.QdrantTLS,
		Collection: cfg.QdrantCollection,
	}, llm.NewEmbedder(client, cfg.EmbeddingModel))
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = a.Index.Close() })

	a.Retriever = retrieval.NewRetriever(a.Index, retrieval.RetrieverConfig{
		TopK:     cfg.RetrievalTopK,
		Attempts: cfg.RetrievalAttempts,
		Timeout:  cfg.CallTimeout,
	})
	a.Reranker = retrieval.NewLLMReranker(llm.NewModel(client, profile("rerank", cfg.Rerank, cfg)), cfg.RerankKeep)
	a.Synthesizer = synthesis.New(synthesizer)
	a.Judge = llm.NewModel(client, profile("judge", cfg.Judge, cfg))

	var reranker retrieval.Reranker
	if cfg.RerankEnabled {
		reranker = a.Reranker
	}

	a.Pipeline = pipeline.New(pipeline.Config{
		Mailbox:    a.Mailbox,
		Sender:     sender,
		Guard:      a.Guard,
		Normalizer: attachment.NewNormalizer(blob.NewGenAIFileStore(client)),
		Decomposer:  decompose.New(decomposer, cfg.MaxQueries),
		Retriever:   a.Retriever,
		Synthesizer: a.Synthesizer,
		Reranker:    reranker,
		BotAddress:  cfg.BotAddress,
		Limits: consolidate.Limits{
			CharLimit:   cfg.ContextCharLimit,
			PerQueryMax: cfg.RerankKeep,
		},
		Concurrency: cfg.RetrievalConcurrency,
		CallTimeout: cfg.CallTimeout,
	})

	slog.Info("pipeline assembled",
		"mailbox", cfg.MailboxProvider,
		"delivery", cfg.DeliveryProvider,
		"lock_backend", cfg.LockBackend,
		"rerank", cfg.RerankEnabled,
	)
	return nil
}

func (a *App) lockStore(ctx context.Context) (lock.Store, error) {
	cfg := a.Config
	switch cfg.LockBackend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("create Postgres pool: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
		}
		slog.Info("connected to PostgreSQL")
		return lock.NewPostgresStore(ctx, pool)
	case "datastore":
		client, err := datastore.NewClient(ctx, cfg.DatastoreProject)
		if err != nil {
			return nil, fmt.Errorf("create Datastore client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return lock.NewDatastoreStore(client), nil
	default:
		slog.Warn("using in-memory lock store; claims do not survive restarts")
		return lock.NewMemoryStore(), nil
	}
}

func (a *App) mailTransport(ctx context.Context) {
	cfg := a.Config
	var gmailHTTP *http.Client
	if cfg.Gmail != nil {
		gmailHTTP = mail.NewGmailHTTPClient(ctx, mail.GmailConfig{
			ClientID:     cfg.Gmail.ClientID,
			ClientSecret: cfg.Gmail.ClientSecret,
			RefreshToken: cfg.Gmail.RefreshToken,
			User:         cfg.Gmail.User,
			Timeout:      cfg.CallTimeout,
		})
		a.Gmail = mail.NewGmail(gmailHTTP, "", cfg.Gmail.User, cfg.BotAddress)
	}

	switch cfg.MailboxProvider {
	case "imap":
		a.Mailbox = mail.NewIMAP(mail.IMAPConfig{
			Host:     cfg.IMAP.Host,
			Port:     cfg.IMAP.Port,
			Username: cfg.IMAP.Username,
			Password: cfg.IMAP.Password,
			Security: cfg.IMAP.Security,
		})
	default:
		a.Mailbox = a.Gmail
	}
}

func (a *App) sender() (mail.Sender, error) {
	cfg := a.Config
	switch cfg.DeliveryProvider {
	case "smtp":
		return mail.NewSMTPSender(cfg.BotAddress, mail.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			Security: cfg.SMTP.Security,
		}), nil
	case "mailgun":
		return mail.NewMailgunSender(cfg.BotAddress, mail.MailgunConfig{
			Domain: cfg.Mailgun.Domain,
			APIKey: cfg.Mailgun.APIKey,
			Region: cfg.Mailgun.Region,
		}), nil
	default:
		if a.Gmail == nil {
			return nil, fmt.Errorf("delivery provider gmail requires gmail credentials")
		}
		return a.Gmail, nil
	}
}

func profile(name string, p config.ProfileConfig, cfg *config.Config) llm.Profile {
	return llm.Profile{
		Name:            name,
		Model:           p.Model,
		Temperature:     p.Temperature,
		TopP:            p.TopP,
		MaxOutputTokens: p.MaxOutputTokens,
		Timeout:         cfg.CallTimeout,
	}
}

// HealthChecks returns the dependency probes served on /health.
func (a *App) HealthChecks() map[string]webhook.HealthCheck {
	return map[string]webhook.HealthCheck{
		"redis": a.Publisher.Ping,
		"locks": a.Guard.Ping,
		"index": a.Index.Ping,
	}
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
