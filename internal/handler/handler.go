// Package handler is the HTTP facade (spec §6): thin translation from
// the JSON route table to the session/process/pty services, grounded on
// the teacher's server/server.go route-and-dispatch style.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sdan/sandboxd/internal/apierr"
	"github.com/sdan/sandboxd/internal/controlauth"
	"github.com/sdan/sandboxd/internal/logx"
	"github.com/sdan/sandboxd/internal/process"
	"github.com/sdan/sandboxd/internal/ptyctl"
	"github.com/sdan/sandboxd/internal/session"
)

// Version is the build-reported version string (spec §6 GET /api/version).
const Version = "0.1.0"

// Handler wires the three services into the HTTP surface of spec.md §6.
type Handler struct {
	sessions             *session.Manager
	procs                *process.Service
	ptys                 *ptyctl.Manager
	auth                 *controlauth.Manager
	defaultSessionID     string
	ptyDisconnectTimeout time.Duration

	log *logx.Logger
}

func New(sessions *session.Manager, procs *process.Service, ptys *ptyctl.Manager, auth *controlauth.Manager, defaultSessionID string, ptyDisconnectTimeout time.Duration) *Handler {
	return &Handler{
		sessions:             sessions,
		procs:                procs,
		ptys:                 ptys,
		auth:                 auth,
		defaultSessionID:     defaultSessionID,
		ptyDisconnectTimeout: ptyDisconnectTimeout,
		log:                  logx.New("HANDLER"),
	}
}

// Mux builds the net/http.ServeMux for the full route table, with every
// route but /api/ping and /api/auth/token guarded by the bearer-token
// middleware (spec §6; auth added per SPEC_FULL.md ambient stack).
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/ping", h.handlePing)
	mux.HandleFunc("POST /api/auth/token", h.handleAuthToken)

	guard := func(fn http.HandlerFunc) http.Handler {
		if h.auth == nil {
			return fn
		}
		return h.auth.Middleware(fn)
	}

	mux.Handle("GET /api/version", guard(h.handleVersion))

	mux.Handle("POST /api/session/create", guard(h.handleSessionCreate))
	mux.Handle("POST /api/session/delete", guard(h.handleSessionDelete))

	mux.Handle("POST /api/execute", guard(h.handleExecute))
	mux.Handle("POST /api/execute/stream", guard(h.handleExecuteStream))

	mux.Handle("POST /api/process/start", guard(h.handleProcessStart))
	mux.Handle("GET /api/process/list", guard(h.handleProcessList))
	mux.Handle("GET /api/process/{id}", guard(h.handleProcessGet))
	mux.Handle("GET /api/process/{id}/logs", guard(h.handleProcessLogs))
	mux.Handle("GET /api/process/{id}/stream", guard(h.handleProcessStream))
	mux.Handle("DELETE /api/process/{id}", guard(h.handleProcessKill))
	mux.Handle("DELETE /api/process/kill-all", guard(h.handleProcessKillAll))

	mux.Handle("POST /api/pty", guard(h.handlePtyCreate))
	mux.Handle("GET /api/pty", guard(h.handlePtyList))
	mux.Handle("GET /api/pty/{id}", guard(h.handlePtyGet))
	mux.Handle("DELETE /api/pty/{id}", guard(h.handlePtyDelete))
	mux.Handle("POST /api/pty/attach/{sessionId}", guard(h.handlePtyAttach))
	mux.Handle("POST /api/pty/{id}/input", guard(h.handlePtyInput))
	mux.Handle("POST /api/pty/{id}/resize", guard(h.handlePtyResize))
	mux.Handle("GET /api/pty/{id}/stream", guard(h.handlePtyStream))

	mux.Handle("POST /api/port-watch", guard(h.handlePortWatch))

	return mux
}

func (h *Handler) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"version": Version})
}

type authTokenRequest struct {
	AdminToken string `json:"adminToken"`
}

func (h *Handler) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		writeError(w, apierr.New(apierr.CodeInternalError, "auth is not configured"))
		return
	}
	var req authTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.CodeParseError, "decoding request body", err))
		return
	}
	token, err := h.auth.Exchange(req.AdminToken)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError translates an apierr.Error (or any error) to the fixed
// code->status mapping of spec §7.
func writeError(w http.ResponseWriter, err error) {
	status := apierr.StatusFor(err)
	code := apierr.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"code":    code,
		"message": err.Error(),
	})
}

func parseTimeout(r *http.Request) time.Duration {
	raw := r.URL.Query().Get("timeoutMs")
	if raw == "" {
		return 0
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
