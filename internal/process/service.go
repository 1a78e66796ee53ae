package process

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/sdan/sandboxd/internal/apierr"
	"github.com/sdan/sandboxd/internal/logx"
	"github.com/sdan/sandboxd/internal/session"
)

// PTYChecker breaks the Process Service <-> PTY Manager cycle (spec §9
// "Cyclic references"): the PTY Manager is injected late, after both
// components exist, via SetPTYChecker.
type PTYChecker interface {
	HasActivePty(sessionID string) bool
}

// StartOpts configures StartProcess / ExecuteCommand.
type StartOpts struct {
	ID        string
	SessionID string
	Cwd       string
	Env       map[string]string
}

// Service is the Process Service (spec §4.3).
type Service struct {
	sessions *session.Manager
	pty      PTYChecker

	mu      sync.Mutex
	records map[string]*Record

	log *logx.Logger
}

func NewService(sessions *session.Manager) *Service {
	return &Service{
		sessions: sessions,
		records:  make(map[string]*Record),
		log:      logx.New("PROCESS"),
	}
}

// SetPTYChecker wires the PTY Manager in after construction, resolving
// the cyclic dependency between the two services.
func (s *Service) SetPTYChecker(c PTYChecker) {
	s.pty = c
}

func (s *Service) checkPTYExclusion(sessionID string) error {
	if s.pty != nil && s.pty.HasActivePty(sessionID) {
		return apierr.New(apierr.CodePTYExclusiveControl,
			"a PTY is attached to this session; exclusive control").WithContext("sessionId", sessionID)
	}
	return nil
}

// StartProcess starts command as a background process (spec §4.3
// startProcess). A Record is created and registered before the `start`
// event is observed, so concurrent lookups see it immediately (spec
// "State machine").
func (s *Service) StartProcess(ctx context.Context, command string, opts StartOpts) (*Record, error) {
	if err := s.checkPTYExclusion(opts.SessionID); err != nil {
		return nil, err
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	rec := newRecord(id, command, opts.SessionID)
	s.mu.Lock()
	s.records[id] = rec
	s.mu.Unlock()

	handle, err := s.sessions.ExecuteStreamInSession(ctx, opts.SessionID, command, session.StreamOpts{
		Cwd:        opts.Cwd,
		Env:        opts.Env,
		CommandID:  id,
		Background: true,
	})
	if err != nil {
		rec.finish(StatusError, -1)
		return nil, apierr.Wrap(apierr.CodeStreamStartError, "starting background process", err)
	}

	go s.drive(rec, handle.Events)

	return rec, nil
}

// drive consumes the session-layer event stream and drives the record's
// state machine (spec §4.3 "State machine").
func (s *Service) drive(rec *Record, events <-chan session.Event) {
	for ev := range events {
		switch ev.Kind {
		case session.EventStart:
			rec.setRunning(ev.Pid)
		case session.EventStdout:
			rec.appendOutput("stdout", ev.Data)
		case session.EventStderr:
			rec.appendOutput("stderr", ev.Data)
		case session.EventComplete:
			status := StatusCompleted
			switch {
			case ev.ExitCode == 0:
				status = StatusCompleted
			case ev.ExitCode > 128:
				status = StatusKilled
			default:
				status = StatusFailed
			}
			rec.finish(status, ev.ExitCode)
		case session.EventError:
			rec.finish(StatusError, -1)
		}
	}
}

// ExecuteCommand runs command to completion without streaming, via the
// session's foreground exec (spec §4.3 executeCommand).
func (s *Service) ExecuteCommand(ctx context.Context, command string, opts StartOpts) (exitCode int, stdout, stderr string, err error) {
	if err := s.checkPTYExclusion(opts.SessionID); err != nil {
		return 0, "", "", err
	}
	res, err := s.sessions.ExecuteInSession(ctx, opts.SessionID, command, session.ExecOpts{Cwd: opts.Cwd, Env: opts.Env})
	if err != nil {
		return 0, "", "", apierr.Wrap(apierr.CodeCommandExecutionError, "executing command", err)
	}
	return res.ExitCode, res.Stdout, res.Stderr, nil
}

// GetProcess returns the record for id. If the record is already
// terminal, the caller has already observed everything it ever will; if
// it's not yet terminal this simply returns the live record (readers use
// StreamLogs/Subscribe for "wait until more output arrives" semantics).
func (s *Service) GetProcess(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return nil, apierr.New(apierr.CodeProcessNotFound, "process not found").WithContext("processId", id)
	}
	if !isTerminal(rec.Status()) {
		return rec, nil
	}
	// Await the internal streaming-complete barrier so buffers reflect
	// every byte emitted before exit (spec §4.3 getProcess).
	select {
	case <-rec.streamDone:
	case <-ctx.Done():
	}
	return rec, nil
}

// KillProcess routes to SessionManager.KillCommand (spec §4.3 killProcess).
func (s *Service) KillProcess(id string) (bool, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return false, apierr.New(apierr.CodeProcessNotFound, "process not found").WithContext("processId", id)
	}
	if isTerminal(rec.Status()) {
		return false, nil
	}
	return s.sessions.KillCommand(rec.SessionID, rec.ID), nil
}

// ListFilter narrows ListProcesses by status.
type ListFilter struct {
	Status Status // empty = no filter
}

func (s *Service) ListProcesses(filter ListFilter) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Status != "" && rec.Status() != filter.Status {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// KillAllProcesses kills every non-terminal process, returning the number
// of kill signals actually sent.
func (s *Service) KillAllProcesses() int {
	s.mu.Lock()
	recs := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.Unlock()

	killed := 0
	for _, rec := range recs {
		if isTerminal(rec.Status()) {
			continue
		}
		if s.sessions.KillCommand(rec.SessionID, rec.ID) {
			killed++
		}
	}
	return killed
}

// StreamLogs implements spec §4.3 "Log streaming": catch-up then follow.
// It writes already-buffered output first, then attaches subscribers and
// forwards new chunks, detaching and returning when the process reaches a
// terminal status or ctx is cancelled.
func (s *Service) StreamLogs(ctx context.Context, id string, w io.Writer) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return apierr.New(apierr.CodeProcessNotFound, "process not found").WithContext("processId", id)
	}

	_, _, _, _, _, _, stdout, stderr := rec.Snapshot()
	if len(stdout) > 0 {
		if _, err := w.Write(stdout); err != nil {
			return err
		}
	}
	if len(stderr) > 0 {
		if _, err := w.Write(stderr); err != nil {
			return err
		}
	}

	outCh, unsub := rec.subscribeOutput()
	statusCh, unsubStatus := rec.subscribeStatus()
	defer unsub()
	defer unsubStatus()

	for {
		select {
		case chunk, ok := <-outCh:
			if !ok {
				return nil
			}
			if _, err := w.Write(chunk.Data); err != nil {
				return err
			}
		case _, ok := <-statusCh:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SubscribeOutput exposes the catch-up-then-follow subscription for
// consumers that want typed LogChunks instead of a raw io.Writer (used by
// waitForLog).
func (s *Service) SubscribeOutput(id string) (existing []byte, stdout, stderr []byte, ch chan LogChunk, unsub func(), err error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil, nil, nil, nil, apierr.New(apierr.CodeProcessNotFound, "process not found").WithContext("processId", id)
	}
	_, _, _, _, _, _, so, se := rec.Snapshot()
	ch, unsub = rec.subscribeOutput()
	return nil, so, se, ch, unsub, nil
}

func (s *Service) SubscribeStatus(id string) (chan Status, func(), error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil, apierr.New(apierr.CodeProcessNotFound, "process not found").WithContext("processId", id)
	}
	ch, unsub := rec.subscribeStatus()
	return ch, unsub, nil
}
