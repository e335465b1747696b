package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/kalambet/docrag/internal/ingest"
	"github.com/kalambet/docrag/internal/retrieval"
	"github.com/kalambet/docrag/internal/storage"
)

const (
	maxUploadSize    = 64 << 20 // 64MB
	maxMultipartMem  = 8 << 20
	defaultSearchK   = 5
	maxSearchK       = 50
	recentRunsListed = 20
)

// documentResult is one entry of the POST /documents response.
type documentResult struct {
	RunID       string `json:"run_id,omitempty"`
	Source      string `json:"source"`
	Pages       int    `json:"pages"`
	TextChunks  int    `json:"text_chunks"`
	ImageChunks int    `json:"image_chunks"`
	DurationMS  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
	ErrorType   string `json:"error_type,omitempty"`
}

func toDocumentResult(res ingest.Result) documentResult {
	out := documentResult{
		RunID:       res.RunID,
		Source:      res.Source,
		Pages:       res.Pages,
		TextChunks:  res.TextChunks,
		ImageChunks: res.ImageChunks,
		DurationMS:  res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		_, out.ErrorType = classify(res.Err)
		out.Error = res.Err.Error()
	}
	return out
}

// handleIngest accepts either a multipart form with one or more "file" parts
// or a raw PDF body named by ?name=. Documents are processed in order and a
// failure does not stop the rest.
func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ingestor == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "ingestion requires a generation backend")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()

		var results []ingest.Result
		if mr, err := r.MultipartReader(); err == nil {
			results, err = ingestParts(deps, r, mr)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
				return
			}
		} else {
			name := r.URL.Query().Get("name")
			if name == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required for raw uploads")
				return
			}
			res, _ := deps.Ingestor.Ingest(r.Context(), name, r.Body)
			results = append(results, res)
		}

		if len(results) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no file parts in upload")
			return
		}

		code := http.StatusOK
		if len(results) == 1 && results[0].Err != nil {
			code, _ = classify(results[0].Err)
		}
		out := make([]documentResult, len(results))
		for i, res := range results {
			out[i] = toDocumentResult(res)
		}
		writeJSON(w, code, map[string]any{"documents": out})
	}
}

func ingestParts(deps Deps, r *http.Request, mr *multipart.Reader) ([]ingest.Result, error) {
	var results []ingest.Result
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return results, nil
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}
		res, _ := deps.Ingestor.Ingest(r.Context(), part.FileName(), part)
		part.Close()
		results = append(results, res)
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources, err := deps.Sources.Sources(r.Context())
		if err != nil {
			writeServiceError(w, fmt.Errorf("listing documents: %w", err))
			return
		}
		if sources == nil {
			sources = []retrieval.SourceInfo{}
		}

		runs := []storage.Ingestion{}
		if deps.Runs != nil {
			recent, err := deps.Runs.RecentIngestions(r.Context(), recentRunsListed)
			if err != nil {
				writeServiceError(w, fmt.Errorf("listing ingestions: %w", err))
				return
			}
			if recent != nil {
				runs = recent
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"documents":  sources,
			"ingestions": runs,
		})
	}
}

type searchHit struct {
	Label string             `json:"label"`
	Text  string             `json:"text"`
	Score float32            `json:"score"`
	Meta  retrieval.Metadata `json:"metadata"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		k := parseIntParam(r, "k", defaultK(deps), maxSearchK)

		start := time.Now()
		hits, err := deps.Searcher.Search(r.Context(), q, k)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		out := make([]searchHit, len(hits))
		for i, h := range hits {
			out[i] = searchHit{Label: h.Metadata.Label(), Text: h.Text, Score: h.Score, Meta: h.Metadata}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"query":      q,
			"results":    out,
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
	}
}

func defaultK(deps Deps) int {
	if deps.TopK > 0 {
		return deps.TopK
	}
	return defaultSearchK
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
