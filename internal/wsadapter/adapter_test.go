package wsadapter

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sdan/sandboxd/internal/ptyctl"
)

func dialTestAdapter(t *testing.T, router http.Handler) (*websocket.Conn, func()) {
	t.Helper()
	adapter := New(router, ptyctl.NewManager(0), nil)
	srv := httptest.NewServer(http.HandlerFunc(adapter.ServeHTTP))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

func TestRequestFrameRoutesThroughSharedMux(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	conn, closeAll := dialTestAdapter(t, mux)
	defer closeAll()

	err := conn.WriteJSON(map[string]any{
		"type":   "request",
		"id":     "r1",
		"method": "GET",
		"path":   "/api/ping",
	})
	if err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	msg := readFrame(t, conn, 5*time.Second)
	if msg["type"] != "response" || msg["id"] != "r1" {
		t.Fatalf("unexpected frame: %+v", msg)
	}
	body, _ := msg["body"].(map[string]any)
	if body == nil || body["status"] != "ok" {
		t.Errorf("body = %+v, want status=ok", body)
	}
	if msg["done"] != true {
		t.Error("expected done=true on the final response frame")
	}
}

func TestRequestFrameMissingMethodOrPathErrors(t *testing.T) {
	mux := http.NewServeMux()
	conn, closeAll := dialTestAdapter(t, mux)
	defer closeAll()

	conn.WriteJSON(map[string]any{"type": "request", "id": "bad1", "path": "/api/ping"})
	msg := readFrame(t, conn, 5*time.Second)
	if msg["type"] != "error" || msg["id"] != "bad1" {
		t.Fatalf("unexpected frame: %+v", msg)
	}
}

func TestUnknownFrameTypeProducesError(t *testing.T) {
	mux := http.NewServeMux()
	conn, closeAll := dialTestAdapter(t, mux)
	defer closeAll()

	conn.WriteJSON(map[string]any{"type": "nonsense", "id": "u1"})
	msg := readFrame(t, conn, 5*time.Second)
	if msg["type"] != "error" || msg["id"] != "u1" {
		t.Fatalf("unexpected frame: %+v", msg)
	}
}

func TestMalformedJSONProducesParseError(t *testing.T) {
	mux := http.NewServeMux()
	conn, closeAll := dialTestAdapter(t, mux)
	defer closeAll()

	conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	msg := readFrame(t, conn, 5*time.Second)
	if msg["type"] != "error" {
		t.Fatalf("unexpected frame: %+v", msg)
	}
	if msg["code"] != "PARSE_ERROR" {
		t.Errorf("code = %v, want PARSE_ERROR", msg["code"])
	}
}

func TestSSEResponseIsBridgedToStreamFrames(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/execute/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "event: start\ndata: {\"pid\":123}\n\n")
		flusher.Flush()
		fmt.Fprintf(w, "event: complete\ndata: {\"exitCode\":0}\n\n")
		flusher.Flush()
	})

	conn, closeAll := dialTestAdapter(t, mux)
	defer closeAll()

	conn.WriteJSON(map[string]any{
		"type":   "request",
		"id":     "s1",
		"method": "GET",
		"path":   "/api/execute/stream",
	})

	first := readFrame(t, conn, 5*time.Second)
	if first["type"] != "stream" || first["event"] != "start" {
		t.Fatalf("unexpected first frame: %+v", first)
	}
	second := readFrame(t, conn, 5*time.Second)
	if second["type"] != "stream" || second["event"] != "complete" {
		t.Fatalf("unexpected second frame: %+v", second)
	}
	final := readFrame(t, conn, 5*time.Second)
	if final["type"] != "response" || final["id"] != "s1" || final["done"] != true {
		t.Fatalf("unexpected final frame: %+v", final)
	}
}

func TestConnectionCloseArmsThePtyDisconnectTimer(t *testing.T) {
	ptys := ptyctl.NewManager(50 * time.Millisecond)
	s, err := ptys.Create(ptyctl.CreateOpts{Argv: []string{"/bin/bash", "--noprofile", "--norc"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ptys.Kill(s.ID, "SIGKILL")

	adapter := New(http.NewServeMux(), ptys, nil)
	srv := httptest.NewServer(http.HandlerFunc(adapter.ServeHTTP))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"type": "pty_input", "ptyId": s.ID, "data": ""}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let the server attach the listener
	conn.Close()                      // triggers closeAll, which arms the disconnect timer

	deadline := time.After(3 * time.Second)
	for s.State() != ptyctl.StateExited {
		select {
		case <-deadline:
			t.Fatal("pty was not killed by its disconnect timer after the connection closed")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestReattachCancelsThePtyDisconnectTimer(t *testing.T) {
	ptys := ptyctl.NewManager(200 * time.Millisecond)
	s, err := ptys.Create(ptyctl.CreateOpts{Argv: []string{"/bin/bash", "--noprofile", "--norc"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ptys.Kill(s.ID, "SIGKILL")

	adapter := New(http.NewServeMux(), ptys, nil)
	srv := httptest.NewServer(http.HandlerFunc(adapter.ServeHTTP))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn1, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn1.WriteJSON(map[string]any{"type": "pty_input", "ptyId": s.ID, "data": ""})
	time.Sleep(50 * time.Millisecond)
	conn1.Close() // arms the 200ms disconnect timer

	conn2, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn2.Close()
	conn2.WriteJSON(map[string]any{"type": "pty_input", "ptyId": s.ID, "data": ""})
	time.Sleep(50 * time.Millisecond) // reattaches well before the 200ms timeout, cancelling it

	time.Sleep(250 * time.Millisecond) // past the original deadline
	if s.State() != ptyctl.StateRunning {
		t.Error("expected reattaching to cancel the disconnect timer, but the pty was killed")
	}
}

func TestAdapterAcceptsUpgradeWithoutTokenWhenAuthNotConfigured(t *testing.T) {
	mux := http.NewServeMux()
	adapter := New(mux, ptyctl.NewManager(0), nil)
	_ = adapter

	// With a nil auth manager ServeHTTP skips token validation, so a dial
	// that carries no `token` query parameter still upgrades.
	srv := httptest.NewServer(http.HandlerFunc(adapter.ServeHTTP))
	defer srv.Close()

	u, _ := url.Parse("ws" + strings.TrimPrefix(srv.URL, "http"))
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("expected the unauthenticated adapter to accept the upgrade: %v", err)
	}
	conn.Close()
}
