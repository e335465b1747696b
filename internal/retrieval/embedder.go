package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrEmbedTimeout marks an embedding call that ran past its deadline.
var ErrEmbedTimeout = errors.New("embedding timed out")

// EmbeddingError reports a failed or inconsistent embedding.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string { return "embedding text: " + e.Err.Error() }
func (e *EmbeddingError) Unwrap() error { return e.Err }

// EmbedBackend produces a vector for a text with a named model.
// *ollama.Client implements it.
type EmbedBackend interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// Embedder wraps an EmbedBackend for a single model. Every vector it returns
// has the dimension of the first one it produced.
type Embedder struct {
	backend     EmbedBackend
	model       string
	timeout     time.Duration
	concurrency int

	mu  sync.Mutex
	dim int
}

// NewEmbedder creates an Embedder using the given backend and model name.
// A zero timeout disables the per-call deadline.
func NewEmbedder(b EmbedBackend, model string, timeout time.Duration) *Embedder {
	return &Embedder{backend: b, model: model, timeout: timeout, concurrency: 4}
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Dimension returns the vector dimension, or 0 before the first embedding.
func (e *Embedder) Dimension() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dim
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	vec, err := e.backend.Embed(callCtx, e.model, text)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &EmbeddingError{Err: fmt.Errorf("%w after %s", ErrEmbedTimeout, e.timeout)}
		}
		return nil, &EmbeddingError{Err: err}
	}
	if len(vec) == 0 {
		return nil, &EmbeddingError{Err: errors.New("empty vector")}
	}
	if err := e.checkDim(len(vec)); err != nil {
		return nil, &EmbeddingError{Err: err}
	}
	return vec, nil
}

func (e *Embedder) checkDim(n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dim == 0 {
		e.dim = n
		return nil
	}
	if n != e.dim {
		return fmt.Errorf("%w: model %s returned %d, expected %d", ErrDimensionMismatch, e.model, n, e.dim)
	}
	return nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently, in
// input order. Returns nil (not error) for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
