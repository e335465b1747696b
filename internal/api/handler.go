// Package api exposes ingestion, search and chat over HTTP and MCP.
package api

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/docrag/internal/chat"
	"github.com/kalambet/docrag/internal/ingest"
	"github.com/kalambet/docrag/internal/retrieval"
	"github.com/kalambet/docrag/internal/storage"
)

// Searcher runs a similarity search. *retrieval.Retriever implements it.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]retrieval.ScoredChunk, error)
}

// SourceLister lists stored documents. *retrieval.SQLiteStore implements it.
type SourceLister interface {
	Sources(ctx context.Context) ([]retrieval.SourceInfo, error)
}

// RunLog reads the ingestion log. *storage.Store implements it.
type RunLog interface {
	RecentIngestions(ctx context.Context, limit int) ([]storage.Ingestion, error)
}

// DocumentIngestor ingests one document. *ingest.Ingestor implements it.
type DocumentIngestor interface {
	Ingest(ctx context.Context, name string, r io.Reader) (ingest.Result, error)
}

// Chatter answers within a session. *chat.Orchestrator implements it.
type Chatter interface {
	Chat(ctx context.Context, s *chat.Session, query string) (chat.Reply, error)
}

// Deps holds the services behind the HTTP and MCP surfaces. Ingestor and
// Chat may be nil when no generation backend is configured; their endpoints
// then answer 503.
type Deps struct {
	Token    string
	Searcher Searcher
	Sources  SourceLister
	Runs     RunLog
	Ingestor DocumentIngestor
	Chat     Chatter
	Sessions *chat.Sessions
	TopK     int
}

// NewHandler builds the HTTP router. Everything except /health sits behind
// BearerAuth.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/documents", handleIngest(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/search", handleSearch(deps))

		r.Post("/sessions", handleCreateSession(deps))
		r.Get("/sessions/{id}", handleGetSession(deps))
		r.Delete("/sessions/{id}", handleDeleteSession(deps))
		r.Post("/sessions/{id}/chat", handleChat(deps))
	})

	return r
}
