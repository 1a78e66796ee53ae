package handler

import (
	"encoding/json"
	"net/http"

	"github.com/sdan/sandboxd/internal/apierr"
	"github.com/sdan/sandboxd/internal/process"
)

type processStartRequest struct {
	SessionID string            `json:"sessionId"`
	ID        string            `json:"id"`
	Command   string            `json:"command"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env"`
}

func recordJSON(rec *process.Record) map[string]any {
	status, pid, exitCode, hasExit, start, end, stdout, stderr := rec.Snapshot()
	out := map[string]any{
		"id":        rec.ID,
		"command":   rec.Command,
		"sessionId": rec.SessionID,
		"status":    status,
		"pid":       pid,
		"startTime": start,
		"stdout":    string(stdout),
		"stderr":    string(stderr),
	}
	if hasExit {
		out["exitCode"] = exitCode
		out["endTime"] = end
	}
	return out
}

func (h *Handler) handleProcessStart(w http.ResponseWriter, r *http.Request) {
	var req processStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.CodeParseError, "decoding request body", err))
		return
	}
	if req.Command == "" {
		writeError(w, apierr.New(apierr.CodeValidationFailed, "command is required"))
		return
	}
	rec, err := h.procs.StartProcess(r.Context(), req.Command, process.StartOpts{
		ID:        req.ID,
		SessionID: h.sessionIDOf(req.SessionID),
		Cwd:       req.Cwd,
		Env:       req.Env,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, recordJSON(rec))
}

func (h *Handler) handleProcessList(w http.ResponseWriter, r *http.Request) {
	var filter process.ListFilter
	if s := r.URL.Query().Get("status"); s != "" {
		filter.Status = process.Status(s)
	}
	recs := h.procs.ListProcesses(filter)
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordJSON(rec))
	}
	writeJSON(w, out)
}

func (h *Handler) handleProcessGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.procs.GetProcess(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, recordJSON(rec))
}

func (h *Handler) handleProcessLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.procs.GetProcess(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	_, _, _, _, _, _, stdout, stderr := rec.Snapshot()
	writeJSON(w, map[string]string{"stdout": string(stdout), "stderr": string(stderr)})
}

// handleProcessStream implements GET /api/process/{id}/stream: catch-up
// then follow, preserving the stdout/stderr tag on each chunk (spec §4.3
// "Log streaming").
func (h *Handler) handleProcessStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sseWriter, ok := newSSEWriter(w)
	if !ok {
		writeError(w, apierr.New(apierr.CodeInternalError, "streaming unsupported by response writer"))
		return
	}
	_, stdout, stderr, ch, unsub, err := h.procs.SubscribeOutput(id)
	if err != nil {
		sseWriter.writeEvent("error", map[string]string{"code": string(apierr.CodeOf(err)), "message": err.Error()})
		return
	}
	defer unsub()

	if len(stdout) > 0 {
		sseWriter.writeEvent("stdout", map[string]string{"data": string(stdout)})
	}
	if len(stderr) > 0 {
		sseWriter.writeEvent("stderr", map[string]string{"data": string(stderr)})
	}

	ctx := r.Context()
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				sseWriter.writeEvent("complete", map[string]bool{"done": true})
				return
			}
			processLogChunkEvent(sseWriter, chunk)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) handleProcessKill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	killed, err := h.procs.KillProcess(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"killed": killed})
}

func (h *Handler) handleProcessKillAll(w http.ResponseWriter, r *http.Request) {
	n := h.procs.KillAllProcesses()
	writeJSON(w, map[string]int{"killed": n})
}
