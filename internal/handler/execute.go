package handler

import (
	"encoding/json"
	"net/http"

	"github.com/sdan/sandboxd/internal/apierr"
	"github.com/sdan/sandboxd/internal/process"
	"github.com/sdan/sandboxd/internal/session"
)

type executeRequest struct {
	SessionID string            `json:"sessionId"`
	Command   string            `json:"command"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env"`
}

func (h *Handler) sessionIDOf(req string) string {
	if req == "" {
		return h.defaultSessionID
	}
	return req
}

// handleExecute implements POST /api/execute (spec §6): run one
// foreground command, return {exitCode, stdout, stderr, duration, timestamp}.
func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.CodeParseError, "decoding request body", err))
		return
	}
	if req.Command == "" {
		writeError(w, apierr.New(apierr.CodeValidationFailed, "command is required"))
		return
	}
	res, err := h.sessions.ExecuteInSession(r.Context(), h.sessionIDOf(req.SessionID), req.Command, session.ExecOpts{
		Cwd: req.Cwd,
		Env: req.Env,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"exitCode":  res.ExitCode,
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"duration":  res.Duration.Milliseconds(),
		"timestamp": res.Timestamp,
	})
}

// handleExecuteStream implements POST /api/execute/stream (spec §6): the
// response body is SSE of start/stdout/stderr/complete/error events.
func (h *Handler) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.CodeParseError, "decoding request body", err))
		return
	}
	if req.Command == "" {
		writeError(w, apierr.New(apierr.CodeValidationFailed, "command is required"))
		return
	}

	sseWriter, ok := newSSEWriter(w)
	if !ok {
		writeError(w, apierr.New(apierr.CodeInternalError, "streaming unsupported by response writer"))
		return
	}

	handle, err := h.sessions.ExecuteStreamInSession(r.Context(), h.sessionIDOf(req.SessionID), req.Command, session.StreamOpts{
		Cwd:        req.Cwd,
		Env:        req.Env,
		Background: false,
	})
	if err != nil {
		sseWriter.writeEvent("error", map[string]string{"code": string(apierr.CodeOf(err)), "message": err.Error()})
		return
	}

	for ev := range handle.Events {
		writeSessionEvent(sseWriter, ev)
	}
}

func writeSessionEvent(w *sseWriter, ev session.Event) {
	switch ev.Kind {
	case session.EventStart:
		w.writeEvent("start", map[string]any{"pid": ev.Pid})
	case session.EventStdout:
		w.writeEvent("stdout", map[string]any{"data": string(ev.Data)})
	case session.EventStderr:
		w.writeEvent("stderr", map[string]any{"data": string(ev.Data)})
	case session.EventComplete:
		w.writeEvent("complete", map[string]any{"exitCode": ev.ExitCode})
	case session.EventError:
		w.writeEvent("error", map[string]any{"message": ev.Message})
	}
}

// processLogChunkEvent translates one process.LogChunk into an SSE event
// for /api/process/{id}/stream.
func processLogChunkEvent(w *sseWriter, chunk process.LogChunk) {
	w.writeEvent(chunk.Stream, map[string]any{"data": string(chunk.Data)})
}
