package wsadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sdan/sandboxd/internal/apierr"
)

// requestTimeout is the default per-request bound (spec §5 "WebSocket
// request timeout: 120 s default").
const requestTimeout = 120 * time.Second

// connection is the per-socket state: one multiplexed WebSocket carrying
// many logical request/response exchanges and PTY fan-out subscriptions
// (spec §4.5 "Per-connection cleanup tracks every registration and
// unwinds it on close").
type connection struct {
	conn *websocket.Conn
	a    *Adapter

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]context.CancelFunc
	ptySubs  map[string]func()
}

func newConnection(conn *websocket.Conn, a *Adapter) *connection {
	return &connection{
		conn:    conn,
		a:       a,
		pending: make(map[string]context.CancelFunc),
		ptySubs: make(map[string]func()),
	}
}

func (c *connection) run() {
	defer c.closeAll()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f inFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.sendError("", apierr.CodeParseError, err.Error(), http.StatusBadRequest)
			continue
		}
		c.dispatch(f)
	}
}

func (c *connection) dispatch(f inFrame) {
	switch f.Type {
	case "request":
		go c.handleRequest(f)
	case "pty_input":
		c.handlePtyInput(f)
	case "pty_resize":
		c.handlePtyResize(f)
	default:
		c.sendError(f.ID, apierr.CodeInvalidRequest, "unknown message type: "+f.Type, http.StatusBadRequest)
	}
}

// handleRequest converts a `request` frame into an HTTP request against
// the same router the HTTP surface uses (spec §4.5 "Routing"), bounded
// by the 120 s default request timeout.
func (c *connection) handleRequest(f inFrame) {
	if f.Method == "" || f.Path == "" {
		c.sendError(f.ID, apierr.CodeInvalidRequest, "request frame missing method/path", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	c.registerPending(f.ID, cancel)
	defer func() {
		c.unregisterPending(f.ID)
		cancel()
	}()

	req, err := http.NewRequestWithContext(ctx, f.Method, f.Path, bytes.NewReader(f.Body))
	if err != nil {
		c.sendError(f.ID, apierr.CodeInvalidRequest, err.Error(), http.StatusBadRequest)
		return
	}
	for k, v := range f.Headers {
		req.Header.Set(k, v)
	}
	if len(f.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	rw := newWSResponseWriter(f.ID, c)
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.sendError(f.ID, apierr.CodeInternalError, fmt.Sprintf("%v", r), http.StatusInternalServerError)
			}
		}()
		c.a.router.ServeHTTP(rw, req)
	}()
	rw.finish()
}

func (c *connection) registerPending(id string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.pending[id] = cancel
	c.mu.Unlock()
}

func (c *connection) unregisterPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// handlePtyInput forwards input bytes to the PTY and lazily attaches a
// fan-out listener for its data/exit streams the first time this
// connection touches that PTY (spec §4.5 "PTY bridging").
func (c *connection) handlePtyInput(f inFrame) {
	c.ensurePtyListener(f.PtyID)
	if err := c.a.ptys.Write(f.PtyID, []byte(f.Data)); err != nil {
		c.sendError(f.ID, apierr.CodeOf(err), err.Error(), apierr.StatusFor(err))
	}
}

func (c *connection) handlePtyResize(f inFrame) {
	c.ensurePtyListener(f.PtyID)
	if err := c.a.ptys.Resize(f.PtyID, f.Cols, f.Rows); err != nil {
		c.sendError(f.ID, apierr.CodeOf(err), err.Error(), apierr.StatusFor(err))
	}
}

// ensurePtyListener registers registerPtyListener(ws, ptyId) at most once
// per connection per PTY (spec §4.5 "PTY bridging").
func (c *connection) ensurePtyListener(ptyID string) {
	if ptyID == "" {
		return
	}
	c.mu.Lock()
	_, exists := c.ptySubs[ptyID]
	c.mu.Unlock()
	if exists {
		return
	}
	c.registerPtyListener(ptyID)
}

// registerPtyListener subscribes to ptyID's data and exit fan-outs and
// forwards each event as a `stream` frame tagged with the PTY id; if a
// send ever fails the listener auto-unsubscribes (spec §4.5). Attaching
// cancels any disconnect timer armed by a previous connection's closeAll.
func (c *connection) registerPtyListener(ptyID string) {
	c.a.ptys.CancelDisconnectTimer(ptyID)

	dataCh, unsubData, err := c.a.ptys.OnData(ptyID)
	if err != nil {
		return
	}
	exitCh, unsubExit, err := c.a.ptys.OnExit(ptyID)
	if err != nil {
		unsubData()
		return
	}

	cleanup := func() {
		unsubData()
		unsubExit()
	}
	c.mu.Lock()
	c.ptySubs[ptyID] = cleanup
	c.mu.Unlock()

	go func() {
		for {
			select {
			case data, ok := <-dataCh:
				if !ok {
					return
				}
				if err := c.sendStream(ptyID, "data", map[string]string{"data": data}); err != nil {
					c.unregisterPtyListener(ptyID)
					return
				}
			case code, ok := <-exitCh:
				if !ok {
					return
				}
				c.sendStream(ptyID, "exit", map[string]int{"exitCode": code})
				c.unregisterPtyListener(ptyID)
				return
			}
		}
	}()
}

func (c *connection) unregisterPtyListener(ptyID string) {
	c.mu.Lock()
	cleanup, ok := c.ptySubs[ptyID]
	delete(c.ptySubs, ptyID)
	c.mu.Unlock()
	if ok {
		cleanup()
	}
}

// closeAll tears down every pending request and PTY subscription when
// the connection closes, arming each subscribed PTY's disconnect timer so
// it is killed if nothing reattaches before the timeout (spec §5
// "Connection close").
func (c *connection) closeAll() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.pending))
	for _, cancel := range c.pending {
		cancels = append(cancels, cancel)
	}
	c.pending = make(map[string]context.CancelFunc)
	ptyIDs := make([]string, 0, len(c.ptySubs))
	cleanups := make([]func(), 0, len(c.ptySubs))
	for ptyID, cleanup := range c.ptySubs {
		ptyIDs = append(ptyIDs, ptyID)
		cleanups = append(cleanups, cleanup)
	}
	c.ptySubs = make(map[string]func())
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, cleanup := range cleanups {
		cleanup()
	}
	for _, ptyID := range ptyIDs {
		c.a.ptys.StartDisconnectTimer(ptyID)
	}
	c.conn.Close()
}

func (c *connection) sendResponse(id string, status int, body any, done bool) {
	c.writeJSON(responseFrame{Type: "response", ID: id, Status: status, Body: body, Done: done})
}

func (c *connection) sendStream(id, event string, data any) error {
	return c.writeJSON(streamFrame{Type: "stream", ID: id, Event: event, Data: data})
}

func (c *connection) sendError(id string, code apierr.Code, message string, status int) {
	c.writeJSON(errorFrame{Type: "error", ID: id, Code: string(code), Message: message, Status: status})
}

// writeJSON serializes and sends one frame. A send failure is an
// internal error from the transport's point of view, so the connection
// is closed with 1011 (spec §6 "Closes on peer close or internal send
// failure (close code 1011 on internal errors)").
func (c *connection) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := c.conn.WriteJSON(v)
	if err != nil {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "send failure"), deadline)
		c.conn.Close()
	}
	return err
}
