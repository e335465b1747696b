// Package chat answers questions over the document store, keeping per-session
// conversation history.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/docrag/internal/composer"
	"github.com/kalambet/docrag/internal/llm"
)

// GenerationError reports a failed answer generation.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return "generating answer: " + e.Err.Error() }
func (e *GenerationError) Unwrap() error { return e.Err }

// ContextRetriever returns the texts of the top-k chunks for a query and
// their citation labels, index-aligned.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, k int) (texts, labels []string, err error)
}

// Reply is an answer with the citation labels of the context it was grounded
// on, in retrieval order.
type Reply struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`
}

// Orchestrator runs the retrieve, compose, generate cycle. It never retries.
type Orchestrator struct {
	retriever ContextRetriever
	gen       llm.Generator
	composer  *composer.Composer
	topK      int
	logger    *slog.Logger
}

// New creates an Orchestrator. topK <= 0 lets the retriever pick its default.
func New(r ContextRetriever, gen llm.Generator, comp *composer.Composer, topK int) *Orchestrator {
	return &Orchestrator{
		retriever: r,
		gen:       gen,
		composer:  comp,
		topK:      topK,
		logger:    slog.Default(),
	}
}

// Answer produces a reply to query given prior history, which is read as
// alternating user/assistant contents. It has no side effects.
func (o *Orchestrator) Answer(ctx context.Context, history []string, query string) (Reply, error) {
	texts, labels, err := o.retriever.Retrieve(ctx, query, o.topK)
	if err != nil {
		return Reply{}, fmt.Errorf("retrieving context: %w", err)
	}

	req := o.composer.Compose(history, texts, query)

	start := time.Now()
	answer, err := o.gen.Generate(ctx, req)
	if err != nil {
		return Reply{}, &GenerationError{Err: err}
	}
	o.logger.Debug("answer generated",
		"context_chunks", len(texts),
		"history_turns", len(history),
		"duration", time.Since(start))

	if labels == nil {
		labels = []string{}
	}
	return Reply{Answer: answer, Sources: labels}, nil
}

// Chat answers query within session s. On success the exchange is appended
// to the session history; on failure history is left unchanged. A session
// accepts one call at a time.
func (o *Orchestrator) Chat(ctx context.Context, s *Session, query string) (Reply, error) {
	history, err := s.begin()
	if err != nil {
		return Reply{}, err
	}

	reply, err := o.Answer(ctx, history, query)
	if err != nil {
		s.abort()
		o.logger.Warn("chat failed", "session", s.ID, "error", err)
		return Reply{}, err
	}
	s.commit(query, reply.Answer)
	return reply, nil
}
