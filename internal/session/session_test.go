package session

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := New(t.Name(), Options{ScratchRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Destroy() })
	return s
}

func TestExecReturnsStdoutAndExitCode(t *testing.T) {
	s := newTestSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.Exec(ctx, "echo hello", "", nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hello")
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestExecCapturesNonZeroExit(t *testing.T) {
	s := newTestSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.Exec(ctx, "(exit 7)", "", nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", res.ExitCode)
	}
}

func TestExecSeparatesStdoutAndStderr(t *testing.T) {
	s := newTestSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.Exec(ctx, "echo out-line; echo err-line 1>&2", "", nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !strings.Contains(res.Stdout, "out-line") || strings.Contains(res.Stdout, "err-line") {
		t.Errorf("Stdout = %q, want only out-line", res.Stdout)
	}
	if !strings.Contains(res.Stderr, "err-line") || strings.Contains(res.Stderr, "out-line") {
		t.Errorf("Stderr = %q, want only err-line", res.Stderr)
	}
}

func TestExecPersistsStateAcrossCalls(t *testing.T) {
	s := newTestSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.Exec(ctx, "export MY_VAR=persisted", "", nil); err != nil {
		t.Fatalf("Exec (set): %v", err)
	}
	res, err := s.Exec(ctx, "echo $MY_VAR", "", nil)
	if err != nil {
		t.Fatalf("Exec (read): %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "persisted" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "persisted")
	}
}

func TestExecRejectsInvalidEnvName(t *testing.T) {
	s := newTestSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.Exec(ctx, "true", "", map[string]string{"1BAD": "x"}); err == nil {
		t.Error("expected an error for an invalid env var name")
	}
}

func TestExecPerCallEnvDoesNotLeak(t *testing.T) {
	s := newTestSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.Exec(ctx, "true", "", map[string]string{"TEMP_ONLY": "1"}); err != nil {
		t.Fatalf("Exec (set): %v", err)
	}
	res, err := s.Exec(ctx, "echo [$TEMP_ONLY]", "", nil)
	if err != nil {
		t.Fatalf("Exec (read): %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "[]" {
		t.Errorf("Stdout = %q, want %q (override should not leak)", res.Stdout, "[]")
	}
}

func TestAliveBecomesFalseAfterDestroy(t *testing.T) {
	s := newTestSession(t)
	if !s.Alive() {
		t.Fatal("expected a freshly created session to be alive")
	}
	s.Destroy()
	if s.Alive() {
		t.Error("expected Destroy to leave the session not alive")
	}
}

func TestKillCommandUnknownReturnsFalse(t *testing.T) {
	s := newTestSession(t)
	if s.KillCommand("does-not-exist") {
		t.Error("KillCommand on an unknown id should return false")
	}
}
