package wsadapter

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
)

// wsResponseWriter adapts an http.ResponseWriter onto a WebSocket
// connection: a non-SSE response is buffered and emitted as one
// `response{done:true}` frame; an SSE response (Content-Type:
// text/event-stream) is parsed incrementally into `stream` frames as it
// is written, exactly mirroring spec §4.5 "Routing".
type wsResponseWriter struct {
	id   string
	conn *connection

	header      http.Header
	statusCode  int
	wroteHeader bool
	isSSE       bool

	sseBuf  []byte
	bodyBuf bytes.Buffer
}

func newWSResponseWriter(id string, conn *connection) *wsResponseWriter {
	return &wsResponseWriter{id: id, conn: conn, header: make(http.Header), statusCode: http.StatusOK}
}

func (w *wsResponseWriter) Header() http.Header { return w.header }

func (w *wsResponseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.statusCode = code
	w.isSSE = strings.HasPrefix(w.header.Get("Content-Type"), "text/event-stream")
	w.wroteHeader = true
}

func (w *wsResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.isSSE {
		w.sseBuf = append(w.sseBuf, p...)
		w.drainSSE()
	} else {
		w.bodyBuf.Write(p)
	}
	return len(p), nil
}

// Flush satisfies http.Flusher so SSE-writing handlers that type-assert
// for it (internal/handler.newSSEWriter) work unmodified over the WS
// transport; the draining already happens synchronously in Write.
func (w *wsResponseWriter) Flush() {}

func (w *wsResponseWriter) drainSSE() {
	for {
		idx := bytes.Index(w.sseBuf, []byte("\n\n"))
		if idx < 0 {
			return
		}
		block := w.sseBuf[:idx]
		w.sseBuf = w.sseBuf[idx+2:]
		event, data, ok := parseSSEBlock(block)
		if !ok {
			continue
		}
		var payload any
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			payload = data
		}
		w.conn.sendStream(w.id, event, payload)
	}
}

// parseSSEBlock recognizes `event:` and `data:` fields and ignores
// `id:`, `retry:`, and comment lines (spec §4.5 "Routing").
func parseSSEBlock(block []byte) (event, data string, ok bool) {
	var dataLines []string
	for _, line := range bytes.Split(block, []byte("\n")) {
		s := string(line)
		switch {
		case strings.HasPrefix(s, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(s, "event:"))
		case strings.HasPrefix(s, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(s, "data:")))
		case strings.HasPrefix(s, "id:"), strings.HasPrefix(s, "retry:"), strings.HasPrefix(s, ":"):
			// ignored per spec
		}
	}
	if len(dataLines) == 0 {
		return "", "", false
	}
	return event, strings.Join(dataLines, "\n"), true
}

// finish emits the terminal frame(s) for this request once the handler
// has returned.
func (w *wsResponseWriter) finish() {
	if w.isSSE {
		w.conn.sendResponse(w.id, w.statusCode, nil, true)
		return
	}
	var body any
	if w.bodyBuf.Len() > 0 {
		if err := json.Unmarshal(w.bodyBuf.Bytes(), &body); err != nil {
			body = w.bodyBuf.String()
		}
	}
	w.conn.sendResponse(w.id, w.statusCode, body, true)
}
