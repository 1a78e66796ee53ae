package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sdan/sandboxd/internal/apierr"
	"github.com/sdan/sandboxd/internal/portwatch"
)

type portWatchRequest struct {
	ProcessID string `json:"processId"`
	Port      int    `json:"port"`
	Mode      string `json:"mode"` // "tcp" | "http"
	Path      string `json:"path"`
	Status    int    `json:"status"`
	TimeoutMS int    `json:"timeoutMs"`
}

// handlePortWatch implements POST /api/port-watch (spec §6): emits
// watching|ready|process_exited|error events over SSE.
func (h *Handler) handlePortWatch(w http.ResponseWriter, r *http.Request) {
	var req portWatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.CodeParseError, "decoding request body", err))
		return
	}
	if req.Port <= 0 {
		writeError(w, apierr.New(apierr.CodeValidationFailed, "port is required"))
		return
	}

	sseWriter, ok := newSSEWriter(w)
	if !ok {
		writeError(w, apierr.New(apierr.CodeInternalError, "streaming unsupported by response writer"))
		return
	}

	mode := portwatch.ModeTCP
	if req.Mode == "http" {
		mode = portwatch.ModeHTTP
	}
	timeout := 30 * time.Second
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	var exited portwatch.ProcessExited
	if req.ProcessID != "" {
		exited = func() (bool, int) {
			rec, err := h.procs.GetProcess(r.Context(), req.ProcessID)
			if err != nil {
				return true, -1
			}
			status, _, exitCode, hasExit, _, _, _, _ := rec.Snapshot()
			_ = status
			return hasExit, exitCode
		}
	}

	events := portwatch.Watch(r.Context(), portwatch.Options{
		Port:     req.Port,
		Mode:     mode,
		Path:     req.Path,
		Status:   req.Status,
		Timeout:  timeout,
	}, exited)

	for ev := range events {
		sseWriter.writeEvent(string(ev.Kind), map[string]string{"message": ev.Message})
	}
}
