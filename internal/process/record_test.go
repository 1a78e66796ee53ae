package process

import "testing"

func TestNewRecordStartsInStarting(t *testing.T) {
	rec := newRecord("p1", "echo hi", "sess1")
	if rec.Status() != StatusStarting {
		t.Errorf("Status() = %s, want %s", rec.Status(), StatusStarting)
	}
}

func TestSetRunningTransitionsFromStarting(t *testing.T) {
	rec := newRecord("p1", "sleep 1", "sess1")
	rec.setRunning(4321)
	if rec.Status() != StatusRunning {
		t.Errorf("Status() = %s, want %s", rec.Status(), StatusRunning)
	}
	_, pid, _, _, _, _, _, _ := rec.Snapshot()
	if pid != 4321 {
		t.Errorf("pid = %d, want 4321", pid)
	}
}

func TestFinishIsMonotonic(t *testing.T) {
	rec := newRecord("p1", "true", "sess1")
	rec.finish(StatusCompleted, 0)
	rec.finish(StatusFailed, 1) // should be a no-op: terminal already reached

	status, _, exitCode, hasExit, _, _, _, _ := rec.Snapshot()
	if status != StatusCompleted {
		t.Errorf("Status = %s, want %s (first finish should win)", status, StatusCompleted)
	}
	if exitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", exitCode)
	}
	if !hasExit {
		t.Error("hasExit should be true after finish")
	}
}

func TestAppendOutputBuffersAndMarksRunning(t *testing.T) {
	rec := newRecord("p1", "echo hi", "sess1")
	rec.appendOutput("stdout", []byte("hello\n"))
	rec.appendOutput("stderr", []byte("oops\n"))

	status, _, _, _, _, _, stdout, stderr := rec.Snapshot()
	if status != StatusRunning {
		t.Errorf("Status = %s, want %s", status, StatusRunning)
	}
	if string(stdout) != "hello\n" {
		t.Errorf("stdout = %q, want %q", stdout, "hello\n")
	}
	if string(stderr) != "oops\n" {
		t.Errorf("stderr = %q, want %q", stderr, "oops\n")
	}
}

func TestSubscribeOutputReceivesLiveChunks(t *testing.T) {
	rec := newRecord("p1", "echo hi", "sess1")
	ch, unsub := rec.subscribeOutput()
	defer unsub()

	rec.appendOutput("stdout", []byte("chunk1"))
	chunk := <-ch
	if chunk.Stream != "stdout" || string(chunk.Data) != "chunk1" {
		t.Errorf("got chunk %+v", chunk)
	}
}

func TestSubscribeOutputOnTerminalRecordClosesImmediately(t *testing.T) {
	rec := newRecord("p1", "true", "sess1")
	rec.finish(StatusCompleted, 0)

	ch, _ := rec.subscribeOutput()
	if _, ok := <-ch; ok {
		t.Error("expected a closed channel for a subscriber joining after terminal status")
	}
}

func TestSubscribeStatusFiresImmediatelyIfAlreadyTerminal(t *testing.T) {
	rec := newRecord("p1", "true", "sess1")
	rec.finish(StatusFailed, 1)

	ch, _ := rec.subscribeStatus()
	status, ok := <-ch
	if !ok {
		t.Fatal("expected a buffered terminal status before close")
	}
	if status != StatusFailed {
		t.Errorf("status = %s, want %s", status, StatusFailed)
	}
	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after the terminal status")
	}
}

func TestFinishClosesActiveSubscribers(t *testing.T) {
	rec := newRecord("p1", "sleep 1", "sess1")
	outCh, _ := rec.subscribeOutput()
	statusCh, _ := rec.subscribeStatus()

	rec.finish(StatusKilled, 137)

	if _, ok := <-outCh; ok {
		t.Error("expected out channel to be closed on finish")
	}
	status, ok := <-statusCh
	if !ok || status != StatusKilled {
		t.Errorf("expected StatusKilled before close, got %v ok=%v", status, ok)
	}
	if _, ok := <-statusCh; ok {
		t.Error("expected status channel to be closed after finish")
	}
}

func TestIsTerminal(t *testing.T) {
	cases := map[Status]bool{
		StatusStarting:  false,
		StatusRunning:   false,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusKilled:    true,
		StatusError:     true,
	}
	for status, want := range cases {
		if got := isTerminal(status); got != want {
			t.Errorf("isTerminal(%s) = %v, want %v", status, got, want)
		}
	}
}
