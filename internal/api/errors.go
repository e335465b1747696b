package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/docrag/internal/chat"
	"github.com/kalambet/docrag/internal/extract"
	"github.com/kalambet/docrag/internal/llm"
	"github.com/kalambet/docrag/internal/retrieval"
	"github.com/kalambet/docrag/internal/vision"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// classify maps a service error to an HTTP status and error type.
func classify(err error) (int, string) {
	var (
		extractErr *extract.ExtractionError
		imageErr   *vision.ImageAnalysisError
		embedErr   *retrieval.EmbeddingError
		storeErr   *retrieval.StoreError
		genErr     *chat.GenerationError
	)
	switch {
	case errors.Is(err, chat.ErrSessionBusy):
		return http.StatusConflict, "session_busy"
	case errors.Is(err, chat.ErrSessionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, retrieval.ErrEmbedTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.As(err, &extractErr):
		return http.StatusUnprocessableEntity, "extraction_error"
	case errors.As(err, &imageErr):
		return http.StatusBadGateway, "image_analysis_error"
	case errors.As(err, &embedErr):
		return http.StatusBadGateway, "embedding_error"
	case errors.As(err, &genErr):
		return http.StatusBadGateway, "generation_error"
	case errors.As(err, &storeErr), errors.Is(err, retrieval.ErrDimensionMismatch), errors.Is(err, retrieval.ErrDuplicateID):
		return http.StatusInternalServerError, "store_error"
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	}
	return http.StatusInternalServerError, "api_error"
}

func writeServiceError(w http.ResponseWriter, err error) {
	code, typ := classify(err)
	httpError(w, code, typ, "%v", err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
