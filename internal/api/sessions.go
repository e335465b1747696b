package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docrag/internal/chat"
)

const maxChatBodySize = 1 << 20 // 1MB

type chatRequest struct {
	Query string `json:"query"`
}

type sessionView struct {
	ID        string      `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	State     string      `json:"state"`
	History   []chat.Turn `json:"history"`
}

func viewSession(s *chat.Session) sessionView {
	return sessionView{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		State:     s.State().String(),
		History:   s.History(),
	}
}

func handleCreateSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s := deps.Sessions.Create()
		writeJSON(w, http.StatusCreated, map[string]string{"id": s.ID})
	}
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Sessions.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewSession(s))
	}
}

func handleDeleteSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.Sessions.Delete(chi.URLParam(r, "id")) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Chat == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "chat requires a generation backend")
			return
		}
		s, err := deps.Sessions.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxChatBodySize)
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}

		reply, err := deps.Chat.Chat(r.Context(), s, req.Query)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	}
}
