package retrieval

import (
	"context"
	"fmt"
)

// DefaultTopK is the number of chunks retrieved when the caller passes k <= 0.
const DefaultTopK = 5

// Retriever combines embedding and vector search to find relevant chunks.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
	topK     int
}

// NewRetriever creates a Retriever backed by the given Embedder and
// VectorStore. topK <= 0 selects DefaultTopK.
func NewRetriever(embedder *Embedder, store VectorStore, topK int) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{embedder: embedder, store: store, topK: topK}
}

// Search embeds the query and returns the top-k scored chunks.
func (r *Retriever) Search(ctx context.Context, query string, k int) ([]ScoredChunk, error) {
	if k <= 0 {
		k = r.topK
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	res, err := r.store.Query(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}
	return res, nil
}

// Retrieve returns the texts of the top-k chunks and their citation labels,
// index-aligned. Labels are not deduplicated.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) (texts, labels []string, err error) {
	res, err := r.Search(ctx, query, k)
	if err != nil {
		return nil, nil, err
	}
	texts = make([]string, len(res))
	labels = make([]string, len(res))
	for i, c := range res {
		texts[i] = c.Text
		labels[i] = c.Metadata.Label()
	}
	return texts, labels, nil
}
