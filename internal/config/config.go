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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// GmailConfig holds OAuth credentials for the Gmail API mailbox and sender.
type GmailConfig struct {
	ClientID     string `yaml:"client_id" validate:"required"`
	ClientSecret string `yaml:"client_secret" validate:"required"`
	RefreshToken string `yaml:"refresh_token" validate:"required"`
	User         string `yaml:"user"`
}

// IMAPConfig holds connection settings for an IMAP mailbox.
type IMAPConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"gt=0"`
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password" validate:"required"`
	Security string `yaml:"security" validate:"omitempty,oneof=tls starttls none"`
}

// SMTPConfig holds connection settings for SMTP delivery.
type SMTPConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"gt=0"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Security string `yaml:"security" validate:"omitempty,oneof=tls starttls none"`
}

// MailgunConfig holds Mailgun API delivery settings.
type MailgunConfig struct {
	Domain string `yaml:"domain" validate:"required"`
	APIKey string `yaml:"api_key" validate:"required"`
	Region string `yaml:"region" validate:"omitempty,oneof=us eu"`
}

// ProfileConfig is one model-invocation profile.
type ProfileConfig struct {
	Model           string  `yaml:"model" validate:"required"`
	Temperature     float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	TopP            float32 `yaml:"top_p" validate:"gte=0,lte=1"`
	MaxOutputTokens int32   `yaml:"max_output_tokens" validate:"gt=0"`
}

// Config holds all configuration for the reply service.
type Config struct {
	BotAddress string `validate:"required,email"`

	// Mailbox and delivery
	MailboxProvider  string `validate:"oneof=gmail imap"`
	DeliveryProvider string `validate:"oneof=gmail smtp mailgun"`
	Gmail            *GmailConfig
	IMAP             *IMAPConfig
	SMTP             *SMTPConfig
	Mailgun          *MailgunConfig

	// Models
	GenAIAPIKey    string
	GenAIProject   string
	GenAILocation  string
	Decomposition  ProfileConfig
	Synthesis      ProfileConfig
	Rerank         ProfileConfig
	Judge          ProfileConfig
	EmbeddingModel string `validate:"required"`

	// Semantic index
	QdrantHost       string `validate:"required"`
	QdrantPort       int    `validate:"gt=0"`
	QdrantAPIKey     string
	QdrantTLS        bool
	QdrantCollection string `validate:"required"`

	// Lock store
	LockBackend      string `validate:"oneof=postgres datastore memory"`
	DatabaseURL      string
	DatastoreProject string
	LockStaleAfter   time.Duration `validate:"gt=0"`

	// Pipeline tuning
	MaxQueries           int  `validate:"gt=0"`
	RetrievalTopK        int  `validate:"gt=0"`
	RerankEnabled        bool
	RerankKeep           int           `validate:"gt=0"`
	ContextCharLimit     int           `validate:"gt=0"`
	RetrievalAttempts    int           `validate:"gt=0"`
	RetrievalConcurrency int           `validate:"gt=0"`
	CallTimeout          time.Duration `validate:"gt=0"`

	// Redis
	RedisURL     string `validate:"required"`
	MessageQueue string `validate:"required"`
	HistoryKey   string `validate:"required"`
	DedupTTL     time.Duration

	// Background loops
	WorkerConcurrency   int `validate:"gt=0"`
	TaskMaxAttempts     int `validate:"gt=0"`
	PollInterval        time.Duration
	PollLookback        time.Duration
	HistorySyncInterval time.Duration
	SweepSchedule       string

	// PushToken, when set, must accompany Pub/Sub push requests as ?token=.
	PushToken string

	// Server
	Port int `validate:"gt=0"`
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	BotAddress string `yaml:"bot_address"`
	Mailbox    struct {
		Provider string       `yaml:"provider"`
		Gmail    *GmailConfig `yaml:"gmail"`
		IMAP     *IMAPConfig  `yaml:"imap"`
	} `yaml:"mailbox"`
	Delivery struct {
		Provider string         `yaml:"provider"`
		SMTP     *SMTPConfig    `yaml:"smtp"`
		Mailgun  *MailgunConfig `yaml:"mailgun"`
	} `yaml:"delivery"`
	Models struct {
		APIKey         string         `yaml:"api_key"`
		Project        string         `yaml:"project"`
		Location       string         `yaml:"location"`
		Decomposition  *ProfileConfig `yaml:"decomposition"`
		Synthesis      *ProfileConfig `yaml:"synthesis"`
		Rerank         *ProfileConfig `yaml:"rerank"`
		Judge          *ProfileConfig `yaml:"judge"`
		EmbeddingModel string         `yaml:"embedding_model"`
	} `yaml:"models"`
	Index struct {
		Host       string `yaml:"host"`
		Port       int    `yaml:"port"`
		APIKey     string `yaml:"api_key"`
		TLS        bool   `yaml:"tls"`
		Collection string `yaml:"collection"`
	} `yaml:"index"`
	Lock struct {
		Backend          string `yaml:"backend"`
		DatabaseURL      string `yaml:"database_url"`
		DatastoreProject string `yaml:"datastore_project"`
	} `yaml:"lock"`
	Pipeline struct {
		RerankEnabled *bool `yaml:"rerank_enabled"`
	} `yaml:"pipeline"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Messages string `yaml:"messages"`
		} `yaml:"queues"`
	} `yaml:"redis"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse builds a Config from YAML bytes, applying env overrides and defaults,
// and validates the result.
func Parse(data []byte) (*Config, error) {
	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		BotAddress:       firstNonEmpty(raw.BotAddress, os.Getenv("BOT_EMAIL")),
		MailboxProvider:  firstNonEmpty(raw.Mailbox.Provider, "gmail"),
		DeliveryProvider: firstNonEmpty(raw.Delivery.Provider, "gmail"),
		Gmail:            raw.Mailbox.Gmail,
		IMAP:             raw.Mailbox.IMAP,
		SMTP:             raw.Delivery.SMTP,
		Mailgun:          raw.Delivery.Mailgun,

		GenAIAPIKey:    firstNonEmpty(raw.Models.APIKey, os.Getenv("GEMINI_API_KEY")),
		GenAIProject:   firstNonEmpty(raw.Models.Project, os.Getenv("GCP_PROJECT")),
		GenAILocation:  firstNonEmpty(raw.Models.Location, envOrDefault("GCP_LOCATION", "us-central1")),
		Decomposition:  profileOrDefault(raw.Models.Decomposition, ProfileConfig{Model: "gemini-2.5-flash", Temperature: 0.5, TopP: 0.9, MaxOutputTokens: 1024}),
		Synthesis:      profileOrDefault(raw.Models.Synthesis, ProfileConfig{Model: "gemini-2.5-pro", Temperature: 0.2, MaxOutputTokens: 4096}),
		Rerank:         profileOrDefault(raw.Models.Rerank, ProfileConfig{Model: "gemini-2.5-flash-lite", Temperature: 0, MaxOutputTokens: 512}),
		Judge:          profileOrDefault(raw.Models.Judge, ProfileConfig{Model: "gemini-2.5-flash", Temperature: 0, MaxOutputTokens: 1024}),
		EmbeddingModel: firstNonEmpty(raw.Models.EmbeddingModel, "gemini-embedding-001"),

		QdrantHost:       firstNonEmpty(raw.Index.Host, envOrDefault("QDRANT_HOST", "localhost")),
		QdrantPort:       firstPositive(raw.Index.Port, envOrDefaultInt("QDRANT_PORT", 6334)),
		QdrantAPIKey:     firstNonEmpty(raw.Index.APIKey, os.Getenv("QDRANT_API_KEY")),
		QdrantTLS:        raw.Index.TLS,
		QdrantCollection: firstNonEmpty(raw.Index.Collection, envOrDefault("QDRANT_COLLECTION", "knowledge_base")),

		LockBackend:      firstNonEmpty(raw.Lock.Backend, envOrDefault("LOCK_BACKEND", "postgres")),
		DatabaseURL:      firstNonEmpty(raw.Lock.DatabaseURL, os.Getenv("DATABASE_URL")),
		DatastoreProject: firstNonEmpty(raw.Lock.DatastoreProject, os.Getenv("GCP_PROJECT")),
		LockStaleAfter:   envOrDefaultDuration("LOCK_STALE_AFTER", 5*time.Minute),

		MaxQueries:           envOrDefaultInt("MAX_QUERIES", 8),
		RetrievalTopK:        envOrDefaultInt("RETRIEVAL_TOP_K", 10),
		RerankEnabled:        envOrDefaultBool("RERANK_ENABLED", true),
		RerankKeep:           envOrDefaultInt("RERANK_KEEP", 3),
		ContextCharLimit:     envOrDefaultInt("CONTEXT_CHAR_LIMIT", 2000),
		RetrievalAttempts:    envOrDefaultInt("RETRIEVAL_ATTEMPTS", 3),
		RetrievalConcurrency: envOrDefaultInt("RETRIEVAL_CONCURRENCY", 4),
		CallTimeout:          envOrDefaultDuration("CALL_TIMEOUT", 60*time.Second),

		RedisURL:     firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		MessageQueue: firstNonEmpty(raw.Redis.Queues.Messages, envOrDefault("MESSAGE_QUEUE", "replydesk:messages")),
		HistoryKey:   envOrDefault("HISTORY_KEY", "replydesk:history"),
		DedupTTL:     envOrDefaultDuration("DEDUP_TTL", 24*time.Hour),

		WorkerConcurrency:   envOrDefaultInt("WORKER_CONCURRENCY", 2),
		TaskMaxAttempts:     envOrDefaultInt("TASK_MAX_ATTEMPTS", 5),
		PollInterval:        envOrDefaultDuration("POLL_INTERVAL", 60*time.Second),
		PollLookback:        envOrDefaultDuration("POLL_LOOKBACK", 24*time.Hour),
		HistorySyncInterval: envOrDefaultDuration("HISTORY_SYNC_INTERVAL", 10*time.Minute),
		SweepSchedule:       envOrDefault("SWEEP_SCHEDULE", "@every 1m"),
		PushToken:           os.Getenv("PUSH_TOKEN"),

		Port: envOrDefaultInt("PORT", 8080),
	}

	if raw.Pipeline.RerankEnabled != nil {
		cfg.RerankEnabled = *raw.Pipeline.RerankEnabled
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks struct tags and the cross-field requirements tags cannot express.
func (c *Config) validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch {
	case c.MailboxProvider == "gmail" && c.Gmail == nil:
		return fmt.Errorf("mailbox provider gmail requires mailbox.gmail settings")
	case c.MailboxProvider == "imap" && c.IMAP == nil:
		return fmt.Errorf("mailbox provider imap requires mailbox.imap settings")
	case c.DeliveryProvider == "gmail" && c.Gmail == nil:
		return fmt.Errorf("delivery provider gmail requires mailbox.gmail settings")
	case c.DeliveryProvider == "smtp" && c.SMTP == nil:
		return fmt.Errorf("delivery provider smtp requires delivery.smtp settings")
	case c.DeliveryProvider == "mailgun" && c.Mailgun == nil:
		return fmt.Errorf("delivery provider mailgun requires delivery.mailgun settings")
	case c.LockBackend == "postgres" && c.DatabaseURL == "":
		return fmt.Errorf("lock backend postgres requires DATABASE_URL")
	case c.LockBackend == "datastore" && c.DatastoreProject == "":
		return fmt.Errorf("lock backend datastore requires a project")
	case c.GenAIAPIKey == "" && c.GenAIProject == "":
		return fmt.Errorf("models need either an API key or a Vertex AI project")
	}

	return nil
}

func profileOrDefault(p *ProfileConfig, fallback ProfileConfig) ProfileConfig {
	if p == nil {
		return fallback
	}
	out := *p
	if out.Model == "" {
		out.Model = fallback.Model
	}
	if out.MaxOutputTokens == 0 {
		out.MaxOutputTokens = fallback.MaxOutputTokens
	}
	if out.TopP == 0 {
		out.TopP = fallback.TopP
	}
	return out
}

// LogLevel reads LOG_LEVEL (debug, info, warn, error), defaulting to info.
func LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(envOrDefault("LOG_LEVEL", "info"))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
