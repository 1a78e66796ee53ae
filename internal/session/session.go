// Package session implements the persistent Shell Session (spec §4.1) and
// the Session Manager registry (spec §4.2) on top of it.
package session

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/sdan/sandboxd/internal/apierr"
	"github.com/sdan/sandboxd/internal/logx"
	"github.com/sdan/sandboxd/internal/scratch"
)

// Options configures a new Session.
type Options struct {
	InitialCwd          string
	InitialEnv          map[string]string
	CommandTimeout      time.Duration
	ScratchRoot         string
	LabelersDoneTimeout time.Duration
}

// Result is the outcome of a foreground Exec call (spec §4.1 exec contract).
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Timestamp time.Time
}

// Session is one persistent interactive shell plus its scratch state
// (spec §3.1). Exactly one shell process backs a Session for its entire
// lifetime; once that process dies the Session is permanently unusable.
type Session struct {
	ID string

	scratchDir          *scratch.Dir
	labelersDoneTimeout time.Duration
	defaultTimeout      time.Duration

	cmd   *exec.Cmd
	stdin io.WriteCloser

	handlesMu sync.Mutex
	handles   map[string]*CommandHandle

	shellDone chan struct{}
	shellErr  error

	destroying atomic.Bool

	log *logx.Logger
}

// New starts a fresh persistent shell process for id and returns the
// owning Session.
func New(id string, opts Options) (*Session, error) {
	dir, err := scratch.New(opts.ScratchRoot, id)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternalError, "creating scratch dir", err)
	}

	cmd := exec.Command("/bin/bash", "--noprofile", "--norc")
	cmd.Dir = opts.InitialCwd
	cmd.Env = buildEnv(opts.InitialEnv)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		dir.Remove()
		return nil, apierr.Wrap(apierr.CodeInternalError, "opening shell stdin", err)
	}
	// The shell's own stdout/stderr (prompt text, job-control chatter) is
	// not part of any command's output — every command's real output is
	// captured via redirection in the fragments we feed it — so it is
	// discarded here.
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		dir.Remove()
		return nil, apierr.Wrap(apierr.CodeInternalError, "starting shell", err)
	}

	labelersDoneTimeout := opts.LabelersDoneTimeout
	if labelersDoneTimeout == 0 {
		labelersDoneTimeout = 5 * time.Second
	}

	s := &Session{
		ID:                  id,
		scratchDir:          dir,
		labelersDoneTimeout: labelersDoneTimeout,
		defaultTimeout:      opts.CommandTimeout,
		cmd:                 cmd,
		stdin:               stdin,
		handles:             make(map[string]*CommandHandle),
		shellDone:           make(chan struct{}),
		log:                 logx.New("SESSION").With(id),
	}

	go s.watchShell()

	return s, nil
}

func buildEnv(overrides map[string]string) []string {
	env := make([]string, 0, len(os.Environ())+len(overrides)+1)
	seen := make(map[string]bool, len(overrides))
	for k := range overrides {
		seen[k] = true
	}
	for _, e := range os.Environ() {
		key, _, ok := cutEnv(e)
		if ok && seen[key] {
			continue
		}
		env = append(env, e)
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func cutEnv(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

// watchShell is the shell-death channel (spec §9 "distinguished failure
// channel raced with every in-flight operation"). Its firing invalidates
// the session permanently.
func (s *Session) watchShell() {
	err := s.cmd.Wait()
	s.shellErr = err
	close(s.shellDone)
	if !s.destroying.Load() {
		s.log.Printf("shell terminated unexpectedly: %v", err)
	}
}

// Alive reports whether the underlying shell process is still running.
func (s *Session) Alive() bool {
	select {
	case <-s.shellDone:
		return false
	default:
		return true
	}
}

func (s *Session) shellDeathError() error {
	code := 1
	if exitErr, ok := s.shellErr.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	}
	return apierr.New(apierr.CodeCommandExecutionError,
		fmt.Sprintf("Shell terminated unexpectedly (exit code %d)", code)).
		WithContext("sessionId", s.ID)
}

func (s *Session) registerHandle(h *CommandHandle) {
	s.handlesMu.Lock()
	s.handles[h.CommandID] = h
	s.handlesMu.Unlock()
}

func (s *Session) unregisterHandle(commandID string) {
	s.handlesMu.Lock()
	delete(s.handles, commandID)
	s.handlesMu.Unlock()
}

func (s *Session) handle(commandID string) (*CommandHandle, bool) {
	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()
	h, ok := s.handles[commandID]
	return h, ok
}

// send writes a shell fragment to the session's stdin, terminated by a
// newline so the shell executes it.
func (s *Session) send(script string) error {
	if _, err := io.WriteString(s.stdin, script+"\n"); err != nil {
		return apierr.Wrap(apierr.CodeCommandExecutionError, "writing to shell stdin", err)
	}
	return nil
}

// Exec runs command to completion in the foreground and returns its
// result (spec §4.1 exec). Session state (cwd, env, functions) persists
// across calls unless a per-call cwd/env override is given.
func (s *Session) Exec(ctx context.Context, command string, cwd string, env map[string]string) (*Result, error) {
	if !s.Alive() {
		return nil, s.shellDeathError()
	}
	for k := range env {
		if !ValidEnvName(k) {
			return nil, apierr.New(apierr.CodeValidationFailed,
				fmt.Sprintf("Invalid environment variable name: %s", k)).WithContext("sessionId", s.ID)
		}
	}

	commandID := uuid.NewString()
	h := &CommandHandle{
		CommandID:    commandID,
		LogFile:      s.scratchDir.LogPath(commandID),
		ExitCodeFile: s.scratchDir.ExitPath(commandID),
	}
	s.registerHandle(h)
	defer func() {
		s.scratchDir.RemoveCommandFiles(commandID)
		s.unregisterHandle(commandID)
	}()

	start := time.Now()
	script := foregroundScript(foregroundPaths{
		CommandID: commandID,
		LogFile:   h.LogFile,
		ExitFile:  h.ExitCodeFile,
		StdoutTmp: s.scratchDir.StdoutTempPath(commandID),
		StderrTmp: s.scratchDir.StderrTempPath(commandID),
	}, command, cwd, env)

	if err := s.send(script); err != nil {
		return nil, err
	}

	timeout := s.defaultTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 && (timeout == 0 || remaining < timeout) {
			timeout = remaining
		}
	}

	exitCode, err := s.awaitExitCode(ctx, h.ExitCodeFile, timeout)
	if err != nil {
		return nil, err
	}

	stdout, stderr, err := s.readLogBuffers(h.LogFile)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeCommandExecutionError, "reading command log", err)
	}

	return &Result{
		Stdout:    string(stdout),
		Stderr:    string(stderr),
		ExitCode:  exitCode,
		Duration:  time.Since(start),
		Timestamp: start,
	}, nil
}

// awaitExitCode races a directory watcher and a coarse poll against the
// appearance of the exit-code sentinel file, per spec §4.1 "Exit-code
// detection" — some tmpfs/overlay variants miss rename events, so both
// mechanisms run and whichever fires first wins.
func (s *Session) awaitExitCode(ctx context.Context, exitFile string, timeout time.Duration) (int, error) {
	found := make(chan struct{})
	stopWatch := make(chan struct{})
	var once sync.Once
	signal := func() { once.Do(func() { close(found) }) }

	go s.watchForFile(exitFile, stopWatch, signal)
	go s.pollForFile(exitFile, stopWatch, signal)
	defer close(stopWatch)

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-found:
		code, err := scratch.ReadExitCode(exitFile)
		if err != nil {
			return 0, apierr.Wrap(apierr.CodeCommandExecutionError, "reading exit code", err)
		}
		return code, nil
	case <-s.shellDone:
		return 0, s.shellDeathError()
	case <-timeoutCh:
		return 0, apierr.New(apierr.CodeCommandTimeout,
			fmt.Sprintf("Command timeout after %d ms", timeout.Milliseconds()))
	case <-ctx.Done():
		return 0, apierr.Wrap(apierr.CodeCommandTimeout, "context cancelled", ctx.Err())
	}
}

func (s *Session) watchForFile(path string, stop <-chan struct{}, signal func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	defer watcher.Close()
	if err := watcher.Add(s.scratchDir.Path); err != nil {
		return
	}
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Name == path && (ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0) {
				if _, err := os.Stat(path); err == nil {
					signal()
					return
				}
			}
		case <-watcher.Errors:
		case <-stop:
			return
		}
	}
}

func (s *Session) pollForFile(path string, stop <-chan struct{}, signal func()) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := os.Stat(path); err == nil {
				signal()
				return
			}
		case <-stop:
			return
		}
	}
}

func (s *Session) readLogBuffers(logFile string) (stdout, stderr []byte, err error) {
	data, err := os.ReadFile(logFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	var outBuf, errBuf bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		stream, body, ok := splitPrefixed(sc.Bytes())
		if !ok {
			continue
		}
		switch stream {
		case StreamStdout:
			outBuf.Write(body)
			outBuf.WriteByte('\n')
		case StreamStderr:
			errBuf.Write(body)
			errBuf.WriteByte('\n')
		}
	}
	return outBuf.Bytes(), errBuf.Bytes(), sc.Err()
}

// Destroy tears the session down: marks it destroying (so the shell-death
// observer stays quiet), kills every tracked command, closes stdin, sends
// terminate, force-kills on timeout, then removes the scratch directory.
func (s *Session) Destroy() error {
	s.destroying.Store(true)

	s.handlesMu.Lock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.handlesMu.Unlock()
	for _, id := range ids {
		s.KillCommand(id)
	}

	s.stdin.Close()

	if s.cmd.Process != nil {
		s.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-s.shellDone:
		case <-time.After(2 * time.Second):
			s.cmd.Process.Kill()
			<-s.shellDone
		}
	}

	return s.scratchDir.Remove()
}

// KillCommand signals the process group of a background command's pid.
// Returns false if the command is unknown, already completed, or its pid
// is not yet known (spec §4.1 killCommand contract; a kill issued after
// completion is a harmless no-op).
func (s *Session) KillCommand(commandID string) bool {
	h, ok := s.handle(commandID)
	if !ok {
		return false
	}
	pid, err := scratch.ReadPid(h.PidFile)
	if err != nil || pid <= 0 {
		return false
	}
	// Negative pid signals the whole process group, matching the
	// subshell's Setsid-less job-control group under bash.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		syscall.Kill(pid, syscall.SIGTERM)
	}
	return true
}
