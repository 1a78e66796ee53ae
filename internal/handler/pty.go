package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sdan/sandboxd/internal/apierr"
	"github.com/sdan/sandboxd/internal/ptyctl"
)

type ptyCreateRequest struct {
	ID                  string            `json:"id"`
	SessionID           string            `json:"sessionId"`
	Cols                int               `json:"cols"`
	Rows                int               `json:"rows"`
	Argv                []string          `json:"argv"`
	Cwd                 string            `json:"cwd"`
	Env                 map[string]string `json:"env"`
	DisconnectTimeoutMS int               `json:"disconnectTimeoutMs"`
}

// disconnectTimeoutOf resolves the per-request override, falling back to
// the configured default.
func (h *Handler) disconnectTimeoutOf(ms int) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return h.ptyDisconnectTimeout
}

func ptyJSON(s *ptyctl.Session) map[string]any {
	return map[string]any{
		"id":        s.ID,
		"sessionId": s.SessionID,
		"cols":      s.Cols,
		"rows":      s.Rows,
		"state":     s.State(),
		"createdAt": s.CreatedAt,
	}
}

func (h *Handler) handlePtyCreate(w http.ResponseWriter, r *http.Request) {
	var req ptyCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.CodeParseError, "decoding request body", err))
		return
	}
	s, err := h.ptys.Create(ptyctl.CreateOpts{
		ID:                req.ID,
		SessionID:         req.SessionID,
		Cols:              req.Cols,
		Rows:              req.Rows,
		Argv:              req.Argv,
		Cwd:               req.Cwd,
		Env:               req.Env,
		DisconnectTimeout: h.disconnectTimeoutOf(req.DisconnectTimeoutMS),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, ptyJSON(s))
}

func (h *Handler) handlePtyList(w http.ResponseWriter, r *http.Request) {
	list := h.ptys.List()
	out := make([]map[string]any, 0, len(list))
	for _, s := range list {
		out = append(out, ptyJSON(s))
	}
	writeJSON(w, out)
}

func (h *Handler) handlePtyGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, err := h.ptys.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, ptyJSON(s))
}

func (h *Handler) handlePtyDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.ptys.Kill(id, "SIGKILL"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"killed": true})
}

// handlePtyAttach implements POST /api/pty/attach/{sessionId}: attach a
// PTY to a session, rejecting if another is already running there (spec
// §6, enforced by ptyctl.Manager.Create's exclusivity check).
func (h *Handler) handlePtyAttach(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	var req ptyCreateRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // body is optional
	s, err := h.ptys.Create(ptyctl.CreateOpts{
		SessionID:         sessionID,
		Cols:              req.Cols,
		Rows:              req.Rows,
		Argv:              req.Argv,
		Cwd:               req.Cwd,
		Env:               req.Env,
		DisconnectTimeout: h.disconnectTimeoutOf(req.DisconnectTimeoutMS),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, ptyJSON(s))
}

type ptyInputRequest struct {
	Data string `json:"data"`
}

func (h *Handler) handlePtyInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ptyInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.CodeParseError, "decoding request body", err))
		return
	}
	if err := h.ptys.Write(id, []byte(req.Data)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

type ptyResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (h *Handler) handlePtyResize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ptyResizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.CodeParseError, "decoding request body", err))
		return
	}
	if err := h.ptys.Resize(id, req.Cols, req.Rows); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

// handlePtyStream implements GET /api/pty/{id}/stream, the HTTP-fallback
// output channel for clients that aren't using the WebSocket adapter.
func (h *Handler) handlePtyStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sseWriter, ok := newSSEWriter(w)
	if !ok {
		writeError(w, apierr.New(apierr.CodeInternalError, "streaming unsupported by response writer"))
		return
	}
	dataCh, unsubData, err := h.ptys.OnData(id)
	if err != nil {
		sseWriter.writeEvent("error", map[string]string{"code": string(apierr.CodeOf(err)), "message": err.Error()})
		return
	}
	defer unsubData()
	exitCh, unsubExit, err := h.ptys.OnExit(id)
	if err != nil {
		sseWriter.writeEvent("error", map[string]string{"code": string(apierr.CodeOf(err)), "message": err.Error()})
		return
	}
	defer unsubExit()

	ctx := r.Context()
	for {
		select {
		case data, ok := <-dataCh:
			if !ok {
				return
			}
			sseWriter.writeEvent("data", map[string]string{"data": data})
		case code, ok := <-exitCh:
			if !ok {
				return
			}
			sseWriter.writeEvent("exit", map[string]int{"exitCode": code})
			return
		case <-ctx.Done():
			return
		}
	}
}
