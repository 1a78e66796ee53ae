package wsadapter

import "testing"

func TestParseSSEBlockSingleDataLine(t *testing.T) {
	event, data, ok := parseSSEBlock([]byte("event: stdout\ndata: hello world"))
	if !ok {
		t.Fatal("expected ok=true")
	}
	if event != "stdout" {
		t.Errorf("event = %q, want %q", event, "stdout")
	}
	if data != "hello world" {
		t.Errorf("data = %q, want %q", data, "hello world")
	}
}

func TestParseSSEBlockMultipleDataLinesJoinedByNewline(t *testing.T) {
	_, data, ok := parseSSEBlock([]byte("data: line1\ndata: line2"))
	if !ok {
		t.Fatal("expected ok=true")
	}
	if data != "line1\nline2" {
		t.Errorf("data = %q, want %q", data, "line1\nline2")
	}
}

func TestParseSSEBlockIgnoresIDRetryAndComments(t *testing.T) {
	event, data, ok := parseSSEBlock([]byte(": comment\nid: 42\nretry: 1000\nevent: ready\ndata: payload"))
	if !ok {
		t.Fatal("expected ok=true")
	}
	if event != "ready" || data != "payload" {
		t.Errorf("event=%q data=%q, want ready/payload", event, data)
	}
}

func TestParseSSEBlockNoDataIsNotOK(t *testing.T) {
	_, _, ok := parseSSEBlock([]byte("event: ping\nid: 1"))
	if ok {
		t.Error("expected ok=false when there is no data: line")
	}
}

func TestParseSSEBlockNoEventIsStillOK(t *testing.T) {
	event, data, ok := parseSSEBlock([]byte("data: just-data"))
	if !ok {
		t.Fatal("expected ok=true even without an event: line")
	}
	if event != "" {
		t.Errorf("event = %q, want empty", event)
	}
	if data != "just-data" {
		t.Errorf("data = %q, want %q", data, "just-data")
	}
}
