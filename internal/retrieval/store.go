package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore provides chunk storage and brute-force cosine similarity search
// backed by SQLite. The chunks table must already exist (created via
// migrations). Writes are serialized; queries see a consistent snapshot.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Add inserts chunks in a single transaction.
func (s *SQLiteStore) Add(ctx context.Context, chunks ...Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	dim, err := checkBatch(chunks)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "add", Err: fmt.Errorf("beginning transaction: %w", err)}
	}
	defer tx.Rollback()

	var stored sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT length(embedding) FROM chunks ORDER BY seq LIMIT 1`).Scan(&stored); err != nil && err != sql.ErrNoRows {
		return &StoreError{Op: "add", Err: fmt.Errorf("reading stored dimension: %w", err)}
	}
	if stored.Valid && int(stored.Int64/4) != dim {
		return fmt.Errorf("%w: store has %d, got %d", ErrDimensionMismatch, stored.Int64/4, dim)
	}

	ids := make([]any, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM chunks WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`) LIMIT 1`, ids...).Scan(&existing)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrDuplicateID, existing)
	case err != sql.ErrNoRows:
		return &StoreError{Op: "add", Err: fmt.Errorf("checking ids: %w", err)}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, source, page, type, idx, text, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return &StoreError{Op: "add", Err: fmt.Errorf("preparing insert statement: %w", err)}
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, c := range chunks {
		m := c.Metadata
		if _, err := stmt.ExecContext(ctx, c.ID, m.Source, m.Page, string(m.Type), m.Index, c.Text, encodeFloat32s(c.Embedding), now); err != nil {
			return &StoreError{Op: "add", Err: fmt.Errorf("inserting chunk %s: %w", c.ID, err)}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "add", Err: fmt.Errorf("committing: %w", err)}
	}
	return nil
}

// checkBatch validates a batch on its own: unique ids, non-empty and equal
// embedding lengths. It returns the batch dimension.
func checkBatch(chunks []Chunk) (int, error) {
	seen := make(map[string]struct{}, len(chunks))
	dim := len(chunks[0].Embedding)
	for _, c := range chunks {
		if _, ok := seen[c.ID]; ok {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateID, c.ID)
		}
		seen[c.ID] = struct{}{}
		if len(c.Embedding) == 0 {
			return 0, fmt.Errorf("%w: chunk %s has no embedding", ErrDimensionMismatch, c.ID)
		}
		if len(c.Embedding) != dim {
			return 0, fmt.Errorf("%w: chunk %s has %d, batch has %d", ErrDimensionMismatch, c.ID, len(c.Embedding), dim)
		}
	}
	return dim, nil
}

// seqScore holds only the row sequence and score during the scan phase of
// Query. Full chunks are fetched only for the top-k winners.
type seqScore struct {
	Seq   int64
	Score float32
}

// Query performs brute-force cosine similarity search over all stored chunks.
func (s *SQLiteStore) Query(ctx context.Context, vector []float32, k int) ([]ScoredChunk, error) {
	if k <= 0 {
		return []ScoredChunk{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Phase 1: scan only seq + embedding to find top-k candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT seq, embedding FROM chunks ORDER BY seq`)
	if err != nil {
		return nil, &StoreError{Op: "query", Err: fmt.Errorf("scanning vectors: %w", err)}
	}
	defer rows.Close()

	queryNorm := norm(vector)
	h := &seqScoreHeap{}
	var buf []float32

	for rows.Next() {
		var seq int64
		var blob []byte
		if err := rows.Scan(&seq, &blob); err != nil {
			return nil, &StoreError{Op: "query", Err: fmt.Errorf("scanning row: %w", err)}
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, &StoreError{Op: "query", Err: fmt.Errorf("decoding embedding at %d: %w", seq, err)}
		}

		score := cosine(vector, buf, queryNorm)
		// Rows arrive in insertion order, so an equal score never displaces
		// an earlier row.
		if h.Len() < k {
			heap.Push(h, seqScore{Seq: seq, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = seqScore{Seq: seq, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "query", Err: fmt.Errorf("iterating rows: %w", err)}
	}
	rows.Close()

	if h.Len() == 0 {
		return []ScoredChunk{}, nil
	}

	// Phase 2: fetch full chunks only for the winners.
	top := make(map[int64]float32, h.Len())
	args := make([]any, 0, h.Len())
	for _, c := range *h {
		top[c.Seq] = c.Score
		args = append(args, c.Seq)
	}

	fullRows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, source, page, type, idx, text, embedding
		FROM chunks WHERE seq IN (?`+strings.Repeat(",?", len(args)-1)+`)`, args...)
	if err != nil {
		return nil, &StoreError{Op: "query", Err: fmt.Errorf("fetching top-k chunks: %w", err)}
	}
	defer fullRows.Close()

	type ranked struct {
		seq int64
		sc  ScoredChunk
	}
	results := make([]ranked, 0, len(args))
	for fullRows.Next() {
		var (
			seq  int64
			c    Chunk
			typ  string
			blob []byte
		)
		if err := fullRows.Scan(&seq, &c.ID, &c.Metadata.Source, &c.Metadata.Page, &typ, &c.Metadata.Index, &c.Text, &blob); err != nil {
			return nil, &StoreError{Op: "query", Err: fmt.Errorf("scanning chunk: %w", err)}
		}
		c.Metadata.Type = ChunkType(typ)
		if c.Embedding, err = decodeFloat32s(blob); err != nil {
			return nil, &StoreError{Op: "query", Err: fmt.Errorf("decoding embedding for %s: %w", c.ID, err)}
		}
		results = append(results, ranked{seq: seq, sc: ScoredChunk{Chunk: c, Score: top[seq]}})
	}
	if err := fullRows.Err(); err != nil {
		return nil, &StoreError{Op: "query", Err: fmt.Errorf("iterating chunks: %w", err)}
	}

	// IN does not preserve order.
	sort.Slice(results, func(i, j int) bool {
		if results[i].sc.Score != results[j].sc.Score {
			return results[i].sc.Score > results[j].sc.Score
		}
		return results[i].seq < results[j].seq
	})

	out := make([]ScoredChunk, len(results))
	for i, r := range results {
		out[i] = r.sc
	}
	return out, nil
}

// Count returns the number of stored chunks.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&count); err != nil {
		return 0, &StoreError{Op: "count", Err: err}
	}
	return count, nil
}

// Sources lists stored documents with their chunk and page counts.
func (s *SQLiteStore) Sources(ctx context.Context) ([]SourceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT source, COUNT(*), COUNT(DISTINCT page)
		FROM chunks GROUP BY source ORDER BY MIN(seq)`)
	if err != nil {
		return nil, &StoreError{Op: "sources", Err: err}
	}
	defer rows.Close()

	var out []SourceInfo
	for rows.Next() {
		var si SourceInfo
		if err := rows.Scan(&si.Source, &si.Chunks, &si.Pages); err != nil {
			return nil, &StoreError{Op: "sources", Err: err}
		}
		out = append(out, si)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "sources", Err: err}
	}
	return out, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto decodes little-endian bytes into buf, reusing it to avoid
// per-row allocations during scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed norm of
// a. Zero vectors and length mismatches score 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * math.Sqrt(bNormSq)))
}

// seqScoreHeap is a min-heap of seqScore with the weakest candidate at the
// root: lowest score, and among equal scores the latest row.
type seqScoreHeap []seqScore

func (h seqScoreHeap) Len() int { return len(h) }
func (h seqScoreHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return h[i].Seq > h[j].Seq
}
func (h seqScoreHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *seqScoreHeap) Push(x any)   { *h = append(*h, x.(seqScore)) }
func (h *seqScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
