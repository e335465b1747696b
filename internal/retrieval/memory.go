package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

var _ VectorStore = (*MemoryStore)(nil)

// MemoryStore is a process-local VectorStore. Contents are lost on exit.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks []Chunk
	ids    map[string]struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{})}
}

func (m *MemoryStore) Add(_ context.Context, chunks ...Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	dim, err := checkBatch(chunks)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.chunks) > 0 && len(m.chunks[0].Embedding) != dim {
		return fmt.Errorf("%w: store has %d, got %d", ErrDimensionMismatch, len(m.chunks[0].Embedding), dim)
	}
	for _, c := range chunks {
		if _, ok := m.ids[c.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, c.ID)
		}
	}
	for _, c := range chunks {
		c.Embedding = append([]float32(nil), c.Embedding...)
		m.chunks = append(m.chunks, c)
		m.ids[c.ID] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) Query(_ context.Context, vector []float32, k int) ([]ScoredChunk, error) {
	if k <= 0 {
		return []ScoredChunk{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	qn := norm(vector)
	scored := make([]ScoredChunk, len(m.chunks))
	for i, c := range m.chunks {
		scored[i] = ScoredChunk{Chunk: c, Score: cosine(vector, c.Embedding, qn)}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (m *MemoryStore) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks), nil
}

func (m *MemoryStore) Sources(context.Context) ([]SourceInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []SourceInfo
	index := make(map[string]int)
	pages := make(map[string]map[int]struct{})
	for _, c := range m.chunks {
		src := c.Metadata.Source
		i, ok := index[src]
		if !ok {
			i = len(out)
			index[src] = i
			out = append(out, SourceInfo{Source: src})
			pages[src] = make(map[int]struct{})
		}
		out[i].Chunks++
		pages[src][c.Metadata.Page] = struct{}{}
	}
	for i := range out {
		out[i].Pages = len(pages[out[i].Source])
	}
	return out, nil
}
