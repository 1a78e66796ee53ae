// Package ptyctl implements the PTY Manager (spec §4.4): PTY lifecycle,
// input/resize/signals, fan-out listeners, disconnect timer, and the
// exclusive-control flag the Process Service consults.
package ptyctl

import (
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/sdan/sandboxd/internal/apierr"
	"github.com/sdan/sandboxd/internal/logx"
)

// State is a PtySession's lifecycle state (spec §3.3).
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
)

// ExitInfo carries the structured exit detail of spec §3.3, mapping
// exit codes above 128 to the conventional 128+signum signal name.
type ExitInfo struct {
	ExitCode   int
	Signal     string // "" if the process exited normally
	SignalName string // e.g. "SIGINT"; "" if not signal-terminated
}

var signalNames = map[int]string{
	1:  "SIGHUP",
	2:  "SIGINT",
	3:  "SIGQUIT",
	6:  "SIGABRT",
	9:  "SIGKILL",
	15: "SIGTERM",
	11: "SIGSEGV",
	13: "SIGPIPE",
	14: "SIGALRM",
	8:  "SIGFPE",
}

func exitInfoFor(code int) ExitInfo {
	if code <= 128 {
		return ExitInfo{ExitCode: code}
	}
	signum := code - 128
	name, ok := signalNames[signum]
	if !ok {
		name = "SIG" + strconv.Itoa(signum)
	}
	return ExitInfo{ExitCode: code, SignalName: name}
}

// Session is a managed PTY (spec §3.3).
type Session struct {
	ID        string
	SessionID string // optional 1:1 binding to a Shell Session id

	Cols, Rows int
	Argv       []string
	Cwd        string
	CreatedAt  time.Time

	cmd  *exec.Cmd
	ptmx *os.File

	mu                sync.Mutex
	state             State
	exitInfo          ExitInfo
	hasExit           bool
	disconnectTimeout time.Duration
	disconnectTimer   *time.Timer

	dataSubs map[chan string]struct{}
	exitSubs map[chan int]struct{}

	writeMu sync.Mutex
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Write sends data to the PTY, translating the three control bytes
// spec.md §4.4 calls out into signals delivered to the foreground process
// group, then — regardless — writing the byte itself so the shell echoes
// the visible indicator (e.g. "^C").
func (s *Session) Write(data []byte) error {
	if s.State() != StateRunning {
		return apierr.New(apierr.CodePTYError, "pty is not running").WithContext("ptyId", s.ID)
	}
	for _, b := range data {
		if sig, ok := signalForByte(b); ok {
			s.signalForegroundGroup(sig)
		}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.ptmx.Write(data)
	if err != nil {
		return apierr.Wrap(apierr.CodePTYError, "writing to pty", err)
	}
	return nil
}

// Resize validates bounds (1..1000 inclusive, spec §3.3) and applies the
// new size. Resize on a non-running PTY fails without blocking.
func (s *Session) Resize(cols, rows int) error {
	if cols < 1 || cols > 1000 || rows < 1 || rows > 1000 {
		return apierr.New(apierr.CodeValidationFailed, "cols and rows must be between 1 and 1000")
	}
	if s.State() != StateRunning {
		return apierr.New(apierr.CodePTYError, "pty is not running").WithContext("ptyId", s.ID)
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return apierr.Wrap(apierr.CodePTYError, "resizing pty", err)
	}
	s.mu.Lock()
	s.Cols, s.Rows = cols, rows
	s.mu.Unlock()
	return nil
}

func (s *Session) subscribeData() (chan string, func()) {
	ch := make(chan string, 64)
	s.mu.Lock()
	s.dataSubs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.dataSubs, ch)
		s.mu.Unlock()
	}
}

// subscribeExit registers an exit subscriber. If the PTY has already
// exited, the callback fires immediately with the stored exit code (spec
// §3.3 "A subscriber registered after exit for onExit fires immediately").
func (s *Session) subscribeExit() (chan int, func()) {
	ch := make(chan int, 1)
	s.mu.Lock()
	if s.hasExit {
		code := s.exitInfo.ExitCode
		s.mu.Unlock()
		ch <- code
		close(ch)
		return ch, func() {}
	}
	s.exitSubs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.exitSubs, ch)
		s.mu.Unlock()
	}
}

func (s *Session) broadcastData(data string) {
	s.mu.Lock()
	subs := make([]chan string, 0, len(s.dataSubs))
	for ch := range s.dataSubs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- data:
		default:
		}
	}
}

// markExited transitions the PTY to exited exactly once, notifies every
// exit subscriber (catching and logging any panic so one bad subscriber
// cannot break fan-out for the rest), then clears both subscriber sets.
func (s *Session) markExited(code int) {
	s.mu.Lock()
	if s.state == StateExited {
		s.mu.Unlock()
		return
	}
	s.state = StateExited
	s.exitInfo = exitInfoFor(code)
	s.hasExit = true
	if s.disconnectTimer != nil {
		s.disconnectTimer.Stop()
	}
	exitSubs := make([]chan int, 0, len(s.exitSubs))
	for ch := range s.exitSubs {
		exitSubs = append(exitSubs, ch)
	}
	dataSubs := s.dataSubs
	s.dataSubs = make(map[chan string]struct{})
	s.exitSubs = make(map[chan int]struct{})
	s.mu.Unlock()

	for _, ch := range exitSubs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logx.New("PTY").Printf("exit subscriber for pty %s panicked: %v", s.ID, r)
				}
			}()
			ch <- code
			close(ch)
		}()
	}
	for ch := range dataSubs {
		close(ch)
	}
}
