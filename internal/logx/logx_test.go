package logx

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func captured(l *Logger) *bytes.Buffer {
	var buf bytes.Buffer
	l.std = log.New(&buf, "", 0)
	return &buf
}

func TestPrintfPrefixesTag(t *testing.T) {
	l := New("SESSION")
	buf := captured(l)
	l.Printf("started %s", "s1")
	if !strings.Contains(buf.String(), "[SESSION] started s1") {
		t.Errorf("got %q", buf.String())
	}
}

func TestPrintlnPrefixesTag(t *testing.T) {
	l := New("PTY")
	buf := captured(l)
	l.Println("killed", 9)
	got := buf.String()
	if !strings.Contains(got, "[PTY]") || !strings.Contains(got, "killed") {
		t.Errorf("got %q", got)
	}
}

func TestWithNestsSubtag(t *testing.T) {
	l := New("SESSION").With("s1")
	buf := captured(l)
	l.Printf("exec")
	if !strings.Contains(buf.String(), "[SESSION][s1] exec") {
		t.Errorf("got %q", buf.String())
	}
}
