package ptyctl

import (
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/sdan/sandboxd/internal/apierr"
	"github.com/sdan/sandboxd/internal/logx"
)

const defaultDisconnectTimeout = 30 * time.Second

// CreateOpts configures Manager.Create.
type CreateOpts struct {
	ID        string
	SessionID string
	Cols      int
	Rows      int
	Argv      []string // defaults to {"/bin/bash"}
	Cwd       string
	Env       map[string]string

	DisconnectTimeout time.Duration // 0 means the Manager's default (the NewManager argument)
}

// Manager is the PTY Manager (spec §4.4): PTY lifecycle, at-most-one
// running PTY per Shell Session, and fan-out listeners for its data and
// exit streams.
type Manager struct {
	mu         sync.RWMutex
	ptys       map[string]*Session
	bySession  map[string]string // sessionID -> ptyID, running PTYs only

	disconnectTimeout time.Duration

	log *logx.Logger
}

// NewManager builds a PTY Manager. disconnectTimeout is the fallback used
// by Create when CreateOpts.DisconnectTimeout is unset; pass 0 to use the
// package default.
func NewManager(disconnectTimeout time.Duration) *Manager {
	if disconnectTimeout <= 0 {
		disconnectTimeout = defaultDisconnectTimeout
	}
	return &Manager{
		ptys:              make(map[string]*Session),
		bySession:         make(map[string]string),
		disconnectTimeout: disconnectTimeout,
		log:               logx.New("PTY"),
	}
}

func buildPtyEnv(overrides map[string]string) []string {
	env := make([]string, 0, len(os.Environ())+len(overrides)+1)
	skip := map[string]bool{"TERM": true}
	for k := range overrides {
		skip[k] = true
	}
	for _, e := range os.Environ() {
		name := e
		if i := strings.IndexByte(e, '='); i >= 0 {
			name = e[:i]
		}
		if skip[name] {
			continue
		}
		env = append(env, e)
	}
	env = append(env, "TERM=xterm-256color")
	for k, v := range overrides {
		if k == "TERM" {
			continue
		}
		env = append(env, k+"="+v)
	}
	return env
}

// Create spawns a new PTY-backed shell (spec §4.4 create). If opts
// binds to a SessionID that already has a running PTY, creation fails
// with PTY_EXCLUSIVE_CONTROL — at most one running PTY per session.
func (m *Manager) Create(opts CreateOpts) (*Session, error) {
	if opts.SessionID != "" {
		m.mu.RLock()
		_, busy := m.bySession[opts.SessionID]
		m.mu.RUnlock()
		if busy {
			return nil, apierr.New(apierr.CodePTYExclusiveControl,
				"a PTY is already running for this session").WithContext("sessionId", opts.SessionID)
		}
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	argv := opts.Argv
	if len(argv) == 0 {
		argv = []string{"/bin/bash"}
	}
	disconnectTimeout := opts.DisconnectTimeout
	if disconnectTimeout <= 0 {
		disconnectTimeout = m.disconnectTimeout
	}
	if opts.Cwd == "" {
		opts.Cwd = "/home/user"
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = buildPtyEnv(opts.Env)
	cmd.Dir = opts.Cwd

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, apierr.Wrap(apierr.CodePTYError, "starting pty", err)
	}

	s := &Session{
		ID:                id,
		SessionID:         opts.SessionID,
		Cols:              cols,
		Rows:              rows,
		Argv:              argv,
		Cwd:               opts.Cwd,
		CreatedAt:         time.Now(),
		cmd:               cmd,
		ptmx:              ptmx,
		state:             StateRunning,
		disconnectTimeout: disconnectTimeout,
		dataSubs:          make(map[chan string]struct{}),
		exitSubs:          make(map[chan int]struct{}),
	}

	m.mu.Lock()
	m.ptys[id] = s
	if opts.SessionID != "" {
		m.bySession[opts.SessionID] = id
	}
	m.mu.Unlock()

	go m.readLoop(s)
	go m.waitLoop(s)

	return s, nil
}

// readLoop is the persistent PTY reader (one per session, grounded on
// the teacher's terminal.Manager.GetOrCreate reader goroutine), but fans
// out to every subscriber instead of a single active connection.
func (m *Manager) readLoop(s *Session) {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.broadcastData(string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// waitLoop reaps the child, records the exit code, and deregisters the
// session's binding so the slot for its SessionID frees up.
func (m *Manager) waitLoop(s *Session) {
	err := s.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	s.ptmx.Close()

	m.mu.Lock()
	if s.SessionID != "" && m.bySession[s.SessionID] == s.ID {
		delete(m.bySession, s.SessionID)
	}
	m.mu.Unlock()

	s.markExited(code)
}

// Get returns the PTY session for id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.ptys[id]
	if !ok {
		return nil, apierr.New(apierr.CodePTYError, "pty not found").WithContext("ptyId", id)
	}
	return s, nil
}

// GetBySessionID returns the running PTY bound to sessionID, if any.
func (m *Manager) GetBySessionID(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySession[sessionID]
	if !ok {
		return nil, false
	}
	return m.ptys[id], true
}

// HasActivePty implements process.PTYChecker: it's consulted by the
// Process Service before starting a background process so the two kinds
// of exclusive session control (PTY vs. background process) never
// overlap (spec §9 "Cyclic references").
func (m *Manager) HasActivePty(sessionID string) bool {
	_, ok := m.GetBySessionID(sessionID)
	return ok
}

// List returns every PTY session, running or exited, still tracked.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.ptys))
	for _, s := range m.ptys {
		out = append(out, s)
	}
	return out
}

// Write forwards data to the PTY identified by id.
func (m *Manager) Write(id string, data []byte) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Write(data)
}

// Resize forwards a resize to the PTY identified by id.
func (m *Manager) Resize(id string, cols, rows int) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Resize(cols, rows)
}

// Kill sends signal (default SIGTERM, or SIGKILL for the literal string
// "SIGKILL") to the PTY's process group (spec §4.4 kill).
func (m *Manager) Kill(id, signal string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if s.State() != StateRunning {
		return nil
	}
	sig := killSignal(signal)
	if s.cmd.Process == nil {
		return apierr.New(apierr.CodePTYError, "pty process is not running").WithContext("ptyId", id)
	}
	if err := signalProcessGroup(s.cmd.Process.Pid, sig); err != nil {
		return apierr.Wrap(apierr.CodePTYError, "signalling pty", err)
	}
	return nil
}

// KillAll force-kills every running PTY, for use on server shutdown.
func (m *Manager) KillAll() int {
	killed := 0
	for _, s := range m.List() {
		if s.State() != StateRunning {
			continue
		}
		if err := m.Kill(s.ID, "SIGKILL"); err != nil {
			m.log.Printf("killing pty %s: %v", s.ID, err)
			continue
		}
		killed++
	}
	return killed
}

// OnData subscribes to raw PTY output; the returned func unsubscribes.
func (m *Manager) OnData(id string) (chan string, func(), error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, nil, err
	}
	ch, unsub := s.subscribeData()
	return ch, unsub, nil
}

// OnExit subscribes to the PTY's exit code; fires immediately if the PTY
// has already exited (spec §3.3).
func (m *Manager) OnExit(id string) (chan int, func(), error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, nil, err
	}
	ch, unsub := s.subscribeExit()
	return ch, unsub, nil
}

// StartDisconnectTimer arms a timer that kills the PTY if no client
// reconnects within its disconnect timeout (spec §4.4 "disconnect
// timer"), grounded on the idle-session reaper in the Proxmox terminal
// pack's session_manager.go. Re-arming an already-armed timer restarts it.
func (m *Manager) StartDisconnectTimer(id string) {
	s, err := m.Get(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.disconnectTimer != nil {
		s.disconnectTimer.Stop()
	}
	s.disconnectTimer = time.AfterFunc(s.disconnectTimeout, func() {
		m.log.Printf("pty %s disconnect timeout elapsed, killing", id)
		_ = m.Kill(id, "SIGKILL")
	})
	s.mu.Unlock()
}

// CancelDisconnectTimer disarms the timer started by StartDisconnectTimer,
// called as soon as a client (re)attaches.
func (m *Manager) CancelDisconnectTimer(id string) {
	s, err := m.Get(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.disconnectTimer != nil {
		s.disconnectTimer.Stop()
		s.disconnectTimer = nil
	}
	s.mu.Unlock()
}
