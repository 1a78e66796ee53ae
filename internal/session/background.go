package session

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sdan/sandboxd/internal/apierr"
)

// ExecStream runs command in background mode (spec §4.1 "Background
// script"): a FIFO pair + labeler loop, launched in a subshell so the
// session's shell returns to its prompt immediately. Session state does
// NOT persist for background commands — they capture their cwd/env at
// launch time, exactly as spec.md specifies.
//
// The returned channel is the lazy event sequence from spec §4.1:
// start{pid} -> stdout{data}/stderr{data}* -> complete{exitCode,aggregate}
// (or error{message}). The channel is closed after the terminal event.
func (s *Session) ExecStream(ctx context.Context, command string, cwd string, env map[string]string, commandID string) (<-chan Event, error) {
	if !s.Alive() {
		return nil, s.shellDeathError()
	}
	for k := range env {
		if !ValidEnvName(k) {
			return nil, apierr.New(apierr.CodeValidationFailed,
				fmt.Sprintf("Invalid environment variable name: %s", k)).WithContext("sessionId", s.ID)
		}
	}
	if commandID == "" {
		commandID = uuid.NewString()
	}

	h := &CommandHandle{
		CommandID:    commandID,
		LogFile:      s.scratchDir.LogPath(commandID),
		ExitCodeFile: s.scratchDir.ExitPath(commandID),
		PidFile:      s.scratchDir.PidPath(commandID),
		Background:   true,
	}
	s.registerHandle(h)

	pidPipe := s.scratchDir.PidPipePath(commandID)
	if err := syscall.Mkfifo(pidPipe, 0o600); err != nil {
		s.unregisterHandle(commandID)
		return nil, apierr.Wrap(apierr.CodeStreamStartError, "creating pid pipe", err)
	}

	script := backgroundScript(backgroundPaths{
		CommandID:        commandID,
		LogFile:          h.LogFile,
		PidFile:          h.PidFile,
		ExitFile:         h.ExitCodeFile,
		StdoutPipe:       s.scratchDir.StdoutPipePath(commandID),
		StderrPipe:       s.scratchDir.StderrPipePath(commandID),
		PidPipe:          pidPipe,
		LabelersDoneFile: s.scratchDir.LabelersDonePath(commandID),
	}, command, cwd, env)

	events := make(chan Event, 16)

	if err := s.send(script); err != nil {
		os.Remove(pidPipe)
		s.unregisterHandle(commandID)
		return nil, err
	}

	go s.streamBackground(ctx, h, pidPipe, events)

	return events, nil
}

func (s *Session) streamBackground(ctx context.Context, h *CommandHandle, pidPipe string, events chan<- Event) {
	defer close(events)
	defer func() {
		s.scratchDir.RemoveCommandFiles(h.CommandID)
		s.unregisterHandle(h.CommandID)
	}()

	pid := s.readPidFromPipe(pidPipe, 3*time.Second, h)
	h.pid = pid
	events <- Event{Kind: EventStart, Pid: pid}

	timeout := s.defaultTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 && (timeout == 0 || remaining < timeout) {
			timeout = remaining
		}
	}

	offset := int64(0)
	stopTail := make(chan struct{})
	tailDone := make(chan struct{})
	go func() {
		defer close(tailDone)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.streamLogTail(h.LogFile, &offset, events)
			case <-stopTail:
				return
			}
		}
	}()

	exitCode, err := s.awaitExitCode(ctx, h.ExitCodeFile, timeout)
	close(stopTail)
	<-tailDone
	if err != nil {
		events <- Event{Kind: EventError, Message: err.Error()}
		return
	}

	// Wait up to labelersDoneTimeout for the labeler-drain marker so late
	// output written between the exit-code file appearing and the
	// labelers finishing is not truncated (spec §4.1 "Streaming reader").
	s.awaitLabelersDone(h)
	s.streamLogTail(h.LogFile, &offset, events)

	stdout, stderr, _ := s.readLogBuffers(h.LogFile)
	events <- Event{Kind: EventComplete, ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
}

// streamLogTail reads any new content appended to logFile since *offset,
// converts prefixed lines to stdout/stderr events, and advances *offset.
func (s *Session) streamLogTail(logFile string, offset *int64, events chan<- Event) {
	f, err := os.Open(logFile)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := f.Seek(*offset, 0); err != nil {
		return
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var consumed bytes.Buffer
	for sc.Scan() {
		line := sc.Bytes()
		consumed.Write(line)
		consumed.WriteByte('\n')
		stream, body, ok := splitPrefixed(line)
		if !ok {
			continue
		}
		data := make([]byte, len(body)+1)
		copy(data, body)
		data[len(body)] = '\n'
		if stream == StreamStdout {
			events <- Event{Kind: EventStdout, Data: data}
		} else {
			events <- Event{Kind: EventStderr, Data: data}
		}
	}
	*offset += int64(consumed.Len())
}

func (s *Session) awaitLabelersDone(h *CommandHandle) {
	path := s.scratchDir.LabelersDonePath(h.CommandID)
	deadline := time.After(s.labelersDoneTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := os.Stat(path); err == nil {
				return
			}
		case <-deadline:
			s.log.Printf("labelers.done did not appear for command %s within %s; reading partial tail", h.CommandID, s.labelersDoneTimeout)
			return
		}
	}
}

// readPidFromPipe implements spec §4.1 "PID-pipe semantics": opening a
// FIFO for reading blocks until the writer side opens it. A timeout races
// the read; on timeout the reader opens the pipe for writing itself to
// unblock its own blocked open (avoiding a leaked descriptor) and falls
// back to polling the pid file. If both fail, pid is reported as 0
// (unknown).
func (s *Session) readPidFromPipe(pidPipe string, timeout time.Duration, h *CommandHandle) int {
	type result struct {
		pid int
		err error
	}
	resCh := make(chan result, 1)

	go func() {
		f, err := os.OpenFile(pidPipe, os.O_RDONLY, 0)
		if err != nil {
			resCh <- result{0, err}
			return
		}
		defer f.Close()
		var buf [32]byte
		n, _ := f.Read(buf[:])
		var pid int
		fmt.Sscanf(string(buf[:n]), "%d", &pid)
		resCh <- result{pid, nil}
	}()

	select {
	case r := <-resCh:
		if r.err == nil && r.pid > 0 {
			return r.pid
		}
	case <-time.After(timeout):
		// Unblock our own pending open by opening the write end ourselves,
		// then discard whatever (if anything) arrives.
		if wf, err := os.OpenFile(pidPipe, os.O_WRONLY|syscall.O_NONBLOCK, 0); err == nil {
			wf.Close()
		}
		select {
		case <-resCh:
		case <-time.After(100 * time.Millisecond):
		}
	}

	if pid, err := readPidFileWithRetry(h.PidFile, 500*time.Millisecond); err == nil {
		return pid
	}
	return 0
}

func readPidFileWithRetry(path string, budget time.Duration) (int, error) {
	deadline := time.Now().Add(budget)
	var lastErr error
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil {
			var pid int
			if _, scanErr := fmt.Sscanf(string(data), "%d", &pid); scanErr == nil && pid > 0 {
				return pid, nil
			}
		}
		lastErr = err
		time.Sleep(25 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("pid file empty")
	}
	return 0, lastErr
}
