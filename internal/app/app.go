// Package app wires configuration into the ingestion and chat services.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/kalambet/docrag/internal/chat"
	"github.com/kalambet/docrag/internal/chunker"
	"github.com/kalambet/docrag/internal/composer"
	"github.com/kalambet/docrag/internal/config"
	"github.com/kalambet/docrag/internal/extract"
	"github.com/kalambet/docrag/internal/ingest"
	"github.com/kalambet/docrag/internal/llm"
	"github.com/kalambet/docrag/internal/ollama"
	"github.com/kalambet/docrag/internal/retrieval"
	"github.com/kalambet/docrag/internal/storage"
	"github.com/kalambet/docrag/internal/vision"
)

// App is the context object shared by every entry point. It is built once
// and holds no global state.
type App struct {
	Config       config.Config
	Store        *storage.Store
	Vectors      *retrieval.SQLiteStore
	Ollama       *ollama.Client
	Embedder     *retrieval.Embedder
	Retriever    *retrieval.Retriever
	Generator    llm.Generator
	Ingestor     *ingest.Ingestor
	Orchestrator *chat.Orchestrator
	Sessions     *chat.Sessions

	embedBackend retrieval.EmbedBackend
}

// Option customizes New.
type Option func(*App)

// WithGenerator replaces the Anthropic client.
func WithGenerator(g llm.Generator) Option {
	return func(a *App) { a.Generator = g }
}

// WithEmbedBackend replaces the Ollama embedding backend.
func WithEmbedBackend(b retrieval.EmbedBackend) Option {
	return func(a *App) { a.embedBackend = b }
}

// New opens storage and builds all services. Without an API key (and no
// WithGenerator option) the Ingestor and Orchestrator are nil; read-only
// commands still work.
func New(cfg config.Config, opts ...Option) (*App, error) {
	a := &App{Config: cfg}
	for _, o := range opts {
		o(a)
	}

	splitter, err := chunker.New(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("configuring chunker: %w", err)
	}
	splitter.KeepWords = cfg.Ingest.KeepWords

	mode, err := vision.ParseMode(cfg.Ingest.ImageMode)
	if err != nil {
		return nil, err
	}

	if a.Generator == nil && cfg.Generation.APIKey != "" {
		client, err := llm.NewAnthropic(llm.AnthropicConfig{
			APIKey:            cfg.Generation.APIKey,
			BaseURL:           cfg.Generation.BaseURL,
			Model:             cfg.Generation.Model,
			MaxTokens:         cfg.Generation.MaxTokens,
			Timeout:           cfg.GenerationTimeout(),
			RequestsPerSecond: cfg.Generation.RequestsPerSecond,
			Burst:             cfg.Generation.Burst,
		})
		if err != nil {
			return nil, fmt.Errorf("creating generation client: %w", err)
		}
		a.Generator = client
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.Store = store

	a.Ollama = ollama.New(cfg.Ollama.BaseURL)
	if a.embedBackend == nil {
		a.embedBackend = a.Ollama
	}
	a.Vectors = retrieval.NewSQLiteStore(store.DB())
	a.Embedder = retrieval.NewEmbedder(a.embedBackend, cfg.Ollama.EmbedModel, cfg.EmbedTimeout())
	a.Retriever = retrieval.NewRetriever(a.Embedder, a.Vectors, cfg.Retrieval.TopK)
	a.Sessions = chat.NewSessions(chat.Limits{
		MaxTurns:  cfg.Conversation.MaxTurns,
		MaxTokens: cfg.Conversation.MaxTokens,
	}, chat.Expiry{
		IdleTTL:     cfg.SessionTTL(),
		MaxSessions: cfg.Conversation.MaxSessions,
	})

	if a.Generator != nil {
		describer := vision.NewDescriber(a.Generator, mode, cfg.Generation.MaxTokens)
		a.Ingestor = ingest.New(extract.NewPDFExtractor(), splitter, describer, a.Embedder, a.Vectors, cfg.Ingest.Workers)
		a.Ingestor.SetRecorder(store)

		comp := composer.New(cfg.Generation.Model, cfg.Generation.MaxTokens)
		a.Orchestrator = chat.New(a.Retriever, a.Generator, comp, cfg.Retrieval.TopK)
	}

	slog.Debug("app initialized",
		"data_dir", cfg.Storage.DataDir,
		"embed_model", cfg.Ollama.EmbedModel,
		"generation", a.Generator != nil)
	return a, nil
}

// CanGenerate reports whether ingestion and chat are available.
func (a *App) CanGenerate() error {
	if a.Generator == nil {
		return a.Config.RequireAPIKey()
	}
	return nil
}

// EnsureReady checks the embedding service, pulling the model when
// missing. It is a no-op when a custom embed backend was supplied.
func (a *App) EnsureReady(ctx context.Context, w io.Writer) error {
	if a.embedBackend != retrieval.EmbedBackend(a.Ollama) {
		return nil
	}
	dim, err := ollama.EnsureReady(ctx, a.Ollama, a.Config.Ollama.EmbedModel, w)
	if err != nil {
		return err
	}
	slog.Debug("embedding model ready", "model", a.Config.Ollama.EmbedModel, "dimension", dim)
	return nil
}

// Close releases storage.
func (a *App) Close() error {
	return a.Store.Close()
}
