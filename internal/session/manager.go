package session

import (
	"context"
	"sync"
	"time"

	"github.com/sdan/sandboxd/internal/apierr"
	"github.com/sdan/sandboxd/internal/logx"
)

// ExecOpts carries the per-call overrides accepted by executeInSession /
// executeStreamInSession (spec §4.2).
type ExecOpts struct {
	Cwd string
	Env map[string]string
}

// creation tracks an in-flight createSession so concurrent callers await
// the same result instead of racing to create duplicates (spec §4.2
// "Coordination").
type creation struct {
	done    chan struct{}
	session *Session
	err     error
}

// Manager is the Session Manager (spec §4.2): a registry of sessions, a
// per-session mutex, create-once coordination, and kill routing that
// bypasses the mutex entirely.
type Manager struct {
	mu          sync.Mutex // guards sessions, mutexes, creating
	sessions    map[string]*Session
	mutexes     map[string]*sync.Mutex
	creating    map[string]*creation

	scratchRoot         string
	defaultTimeout      time.Duration
	labelersDoneTimeout time.Duration

	log *logx.Logger
}

func NewManager(scratchRoot string, defaultTimeout, labelersDoneTimeout time.Duration) *Manager {
	return &Manager{
		sessions:            make(map[string]*Session),
		mutexes:             make(map[string]*sync.Mutex),
		creating:            make(map[string]*creation),
		scratchRoot:         scratchRoot,
		defaultTimeout:      defaultTimeout,
		labelersDoneTimeout: labelersDoneTimeout,
		log:                 logx.New("SESSION-MANAGER"),
	}
}

func (m *Manager) mutexFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.mutexes[id]
	if !ok {
		mu = &sync.Mutex{}
		m.mutexes[id] = mu
	}
	return mu
}

// CreateSession creates session id if it doesn't already exist (or isn't
// alive), coordinating concurrent creators so only one shell process is
// ever spawned per id.
func (m *Manager) CreateSession(ctx context.Context, id string, opts Options) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok && s.Alive() {
		m.mu.Unlock()
		return nil, apierr.New(apierr.CodeSessionAlreadyExists, "session already exists").WithContext("sessionId", id)
	}
	if c, ok := m.creating[id]; ok {
		m.mu.Unlock()
		<-c.done
		if c.err != nil {
			return nil, c.err
		}
		return c.session, nil
	}
	c := &creation{done: make(chan struct{})}
	m.creating[id] = c
	m.mu.Unlock()

	opts.ScratchRoot = m.scratchRoot
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = m.defaultTimeout
	}
	if opts.LabelersDoneTimeout == 0 {
		opts.LabelersDoneTimeout = m.labelersDoneTimeout
	}

	s, err := New(id, opts)

	m.mu.Lock()
	delete(m.creating, id)
	if err != nil {
		// Creation failed: remove the mutex entry too so a retry starts
		// fresh (spec §4.2 "If creation fails the mutex entry is removed").
		delete(m.mutexes, id)
		m.mu.Unlock()
		c.err = err
		close(c.done)
		return nil, err
	}
	m.sessions[id] = s
	m.mu.Unlock()

	c.session = s
	close(c.done)
	return s, nil
}

// GetSession returns the session for id, or CodeSessionNotFound.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apierr.New(apierr.CodeSessionNotFound, "session not found").WithContext("sessionId", id)
	}
	return s, nil
}

// ListSessions returns every live session id.
func (m *Manager) ListSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// DeleteSession destroys and removes session id.
func (m *Manager) DeleteSession(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return apierr.New(apierr.CodeSessionNotFound, "session not found").WithContext("sessionId", id)
	}
	delete(m.sessions, id)
	delete(m.mutexes, id)
	m.mu.Unlock()

	return s.Destroy()
}

// DestroyAll tears down every registered session, for use on server
// shutdown. Errors from individual Destroy calls are logged, not
// returned, since shutdown must proceed regardless.
func (m *Manager) DestroyAll() int {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mutexes = make(map[string]*sync.Mutex)
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Destroy(); err != nil {
			m.log.Printf("destroying session %s: %v", s.ID, err)
		}
	}
	return len(sessions)
}

// getOrAutoCreate fetches session id, auto-creating it with default
// options if it does not yet exist. This mirrors the convenience the
// teacher's terminal.Manager.GetOrCreate offers for a "default" session.
func (m *Manager) getOrAutoCreate(ctx context.Context, id string) (*Session, error) {
	s, err := m.GetSession(id)
	if err == nil {
		return s, nil
	}
	return m.CreateSession(ctx, id, Options{})
}

// WithSession holds the session mutex for the duration of fn, giving the
// caller an atomic command sequence (spec §4.2 withSession).
func (m *Manager) WithSession(ctx context.Context, id string, fn func(*Session) error) error {
	mu := m.mutexFor(id)
	mu.Lock()
	defer mu.Unlock()

	s, err := m.getOrAutoCreate(ctx, id)
	if err != nil {
		return err
	}
	return fn(s)
}

// ExecuteInSession serializes a foreground exec under the session's mutex
// (spec §4.2 executeInSession).
func (m *Manager) ExecuteInSession(ctx context.Context, id, command string, opts ExecOpts) (*Result, error) {
	mu := m.mutexFor(id)
	mu.Lock()
	defer mu.Unlock()

	s, err := m.getOrAutoCreate(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Exec(ctx, command, opts.Cwd, opts.Env)
}

// SetEnvVars applies env var overrides atomically under the session's
// mutex (spec §4.2 setEnvVars), implemented as an `export` exec.
func (m *Manager) SetEnvVars(ctx context.Context, id string, vars map[string]string) error {
	return m.WithSession(ctx, id, func(s *Session) error {
		for k := range vars {
			if !ValidEnvName(k) {
				return apierr.New(apierr.CodeValidationFailed, "Invalid environment variable name: "+k)
			}
		}
		var cmd string
		for k, v := range vars {
			cmd += "export " + k + "=" + shq(v) + "; "
		}
		_, err := s.Exec(ctx, cmd, "", nil)
		return err
	})
}

// StreamOpts configures ExecuteStreamInSession.
type StreamOpts struct {
	Cwd        string
	Env        map[string]string
	CommandID  string
	Background bool
}

// StreamHandle is returned by ExecuteStreamInSession: Events is the lazy
// sequence, ContinueStreaming reports whether the background path has
// released the mutex and handed the remaining stream to the caller
// outside of it (spec §4.2 executeStreamInSession).
type StreamHandle struct {
	Events             <-chan Event
	ContinueStreaming  bool
}

// ExecuteStreamInSession runs command via the session's ExecStream.
// Foreground mode (Background=false) holds the session mutex for the
// entire call, so the returned channel is fully drained before the mutex
// is released (the caller should drain it promptly). Background mode
// holds the mutex only through dispatch of the `start` event, then
// releases it and lets the remainder of the stream continue without the
// lock — so session state (cwd, env) is not guaranteed stable relative to
// whatever the background command observes after it has started (spec
// §4.2 "Background-mode rationale"; see SPEC_FULL.md Open Question 1).
func (m *Manager) ExecuteStreamInSession(ctx context.Context, id, command string, opts StreamOpts) (*StreamHandle, error) {
	mu := m.mutexFor(id)
	mu.Lock()

	s, err := m.getOrAutoCreate(ctx, id)
	if err != nil {
		mu.Unlock()
		return nil, err
	}

	raw, err := s.ExecStream(ctx, command, opts.Cwd, opts.Env, opts.CommandID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}

	if !opts.Background {
		// Foreground streaming holds the mutex for the whole call; the
		// caller is expected to drain Events promptly and the mutex is
		// released once they do (via the returned unlock-on-drain proxy).
		out := make(chan Event, 16)
		go func() {
			defer mu.Unlock()
			defer close(out)
			for ev := range raw {
				out <- ev
			}
		}()
		return &StreamHandle{Events: out, ContinueStreaming: false}, nil
	}

	// Background mode: release the mutex as soon as the start event has
	// been forwarded, then continue streaming unlocked.
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		releaseOnce := false
		for ev := range raw {
			out <- ev
			if ev.Kind == EventStart && !releaseOnce {
				releaseOnce = true
				mu.Unlock()
			}
		}
		if !releaseOnce {
			mu.Unlock()
		}
	}()
	return &StreamHandle{Events: out, ContinueStreaming: true}, nil
}

// KillCommand routes to the session's KillCommand WITHOUT acquiring the
// session mutex, so a kill can reach a busy session (spec §4.2
// "must not acquire the session mutex").
func (m *Manager) KillCommand(id, commandID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return s.KillCommand(commandID)
}
