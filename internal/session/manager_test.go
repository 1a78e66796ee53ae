package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), 5*time.Second, 5*time.Second)
}

func TestCreateSessionThenGet(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, "s1", Options{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer m.DeleteSession("s1")

	got, err := m.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != s {
		t.Error("GetSession returned a different session instance")
	}
}

func TestCreateSessionAlreadyExists(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateSession(ctx, "dup", Options{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer m.DeleteSession("dup")

	if _, err := m.CreateSession(ctx, "dup", Options{}); err == nil {
		t.Error("expected a second CreateSession for the same id to fail")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.GetSession("nope"); err == nil {
		t.Error("expected GetSession on an unknown id to fail")
	}
}

func TestConcurrentCreateSessionCoordinatesOnOneWinner(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	results := make([]*Session, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.CreateSession(ctx, "racey", Options{})
		}(i)
	}
	wg.Wait()
	defer m.DeleteSession("racey")

	var successes int
	var winner *Session
	for i := 0; i < n; i++ {
		if errs[i] == nil {
			successes++
			if winner == nil {
				winner = results[i]
			} else if winner != results[i] {
				t.Error("concurrent creators did not converge on the same session instance")
			}
		}
	}
	if successes == 0 {
		t.Fatal("expected at least one concurrent CreateSession to succeed")
	}
}

func TestDeleteSessionRemovesRegistryEntry(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateSession(ctx, "todelete", Options{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := m.DeleteSession("todelete"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := m.GetSession("todelete"); err == nil {
		t.Error("expected GetSession to fail after DeleteSession")
	}
}

func TestDestroyAllRemovesEverySession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateSession(ctx, "a", Options{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := m.CreateSession(ctx, "b", Options{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	n := m.DestroyAll()
	if n != 2 {
		t.Errorf("DestroyAll returned %d, want 2", n)
	}
	if _, err := m.GetSession("a"); err == nil {
		t.Error("expected session a to be gone after DestroyAll")
	}
	if _, err := m.GetSession("b"); err == nil {
		t.Error("expected session b to be gone after DestroyAll")
	}
	if n := m.DestroyAll(); n != 0 {
		t.Errorf("DestroyAll on an empty manager returned %d, want 0", n)
	}
}

func TestExecuteInSessionAutoCreates(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	res, err := m.ExecuteInSession(ctx, "auto1", "echo hi", ExecOpts{})
	if err != nil {
		t.Fatalf("ExecuteInSession: %v", err)
	}
	defer m.DeleteSession("auto1")

	if strings.TrimSpace(res.Stdout) != "hi" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hi")
	}
}

func TestSetEnvVarsRejectsInvalidName(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	err := m.SetEnvVars(ctx, "envsess", map[string]string{"1BAD": "x"})
	defer m.DeleteSession("envsess")
	if err == nil {
		t.Error("expected SetEnvVars to reject an invalid name")
	}
}

func TestSetEnvVarsAppliesAcrossCalls(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.SetEnvVars(ctx, "envsess2", map[string]string{"GREETING": "howdy"}); err != nil {
		t.Fatalf("SetEnvVars: %v", err)
	}
	defer m.DeleteSession("envsess2")

	res, err := m.ExecuteInSession(ctx, "envsess2", "echo $GREETING", ExecOpts{})
	if err != nil {
		t.Fatalf("ExecuteInSession: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "howdy" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "howdy")
	}
}

func TestKillCommandOnUnknownSessionReturnsFalse(t *testing.T) {
	m := newTestManager(t)
	if m.KillCommand("no-such-session", "no-such-command") {
		t.Error("KillCommand on an unknown session should return false")
	}
}

func TestExecuteStreamInSessionForegroundEmitsEvents(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	handle, err := m.ExecuteStreamInSession(ctx, "stream1", "echo streamed", StreamOpts{})
	if err != nil {
		t.Fatalf("ExecuteStreamInSession: %v", err)
	}
	defer m.DeleteSession("stream1")

	var sawStart, sawComplete bool
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-handle.Events:
			if !ok {
				if !sawComplete {
					t.Error("channel closed before a complete event")
				}
				return
			}
			switch ev.Kind {
			case EventStart:
				sawStart = true
			case EventComplete:
				sawComplete = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for stream events")
		}
	}
	_ = sawStart
}
