package handler

import (
	"encoding/json"
	"net/http"

	"github.com/sdan/sandboxd/internal/apierr"
	"github.com/sdan/sandboxd/internal/session"
)

type sessionCreateRequest struct {
	ID         string            `json:"id"`
	InitialCwd string            `json:"cwd"`
	Env        map[string]string `json:"env"`
}

func (h *Handler) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.CodeParseError, "decoding request body", err))
		return
	}
	if req.ID == "" {
		writeError(w, apierr.New(apierr.CodeValidationFailed, "id is required"))
		return
	}
	s, err := h.sessions.CreateSession(r.Context(), req.ID, session.Options{
		InitialCwd: req.InitialCwd,
		InitialEnv: req.Env,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"id": s.ID})
}

type sessionDeleteRequest struct {
	ID string `json:"id"`
}

func (h *Handler) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	var req sessionDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.CodeParseError, "decoding request body", err))
		return
	}
	if req.ID != "" && req.ID == h.defaultSessionID {
		writeError(w, apierr.New(apierr.CodeValidationFailed, "the default session cannot be deleted"))
		return
	}
	if err := h.sessions.DeleteSession(req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"deleted": true})
}
