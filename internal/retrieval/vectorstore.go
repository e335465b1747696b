package retrieval

import (
	"context"
	"errors"
	"fmt"
)

// ChunkType distinguishes chunks cut from page text from chunks holding an
// image description.
type ChunkType string

const (
	TypeText          ChunkType = "text"
	TypeImageAnalysis ChunkType = "image_analysis"
)

// Metadata locates a chunk in its source document. Index is the chunk index
// for text chunks and the image index on the page for image chunks.
type Metadata struct {
	Source string    `json:"source"`
	Page   int       `json:"page"`
	Type   ChunkType `json:"type"`
	Index  int       `json:"index"`
}

// Label renders the citation label for a chunk.
func (m Metadata) Label() string {
	return fmt.Sprintf("%s (Page %d)", m.Source, m.Page)
}

// Chunk is a retrievable unit of document content. Chunks are immutable once
// stored.
type Chunk struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
	Metadata  Metadata  `json:"metadata"`
}

// ScoredChunk is a Chunk with its cosine similarity to a query vector.
type ScoredChunk struct {
	Chunk
	Score float32 `json:"score"`
}

// SourceInfo summarizes the chunks stored for one document.
type SourceInfo struct {
	Source string `json:"source"`
	Chunks int    `json:"chunks"`
	Pages  int    `json:"pages"`
}

var (
	// ErrDuplicateID is returned by Add when a chunk id is already stored.
	ErrDuplicateID = errors.New("duplicate chunk id")
	// ErrDimensionMismatch is returned by Add when an embedding length differs
	// from the dimension of the vectors already stored.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// StoreError wraps a storage failure with the operation that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "vector store " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

// VectorStore persists embedded chunks and answers nearest-neighbour queries.
// Implementations must be safe for concurrent use.
type VectorStore interface {
	// Add stores chunks atomically. No chunk is stored if any id collides
	// with a stored chunk or with another chunk in the same call.
	Add(ctx context.Context, chunks ...Chunk) error

	// Query returns up to k chunks ranked by cosine similarity, highest
	// first. Equal scores keep insertion order. An empty store or k <= 0
	// yields an empty result.
	Query(ctx context.Context, vector []float32, k int) ([]ScoredChunk, error)

	// Count returns the number of stored chunks.
	Count(ctx context.Context) (int, error)

	// Sources lists stored documents in first-ingested order.
	Sources(ctx context.Context) ([]SourceInfo, error)
}
