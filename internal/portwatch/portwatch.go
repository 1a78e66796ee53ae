// Package portwatch backs waitForPort (spec §4.3): a server-side watch
// stream that polls a TCP or HTTP endpoint until it becomes ready, races
// the watch against the owning process's exit, and emits
// watching|ready|process_exited|error events.
package portwatch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Mode selects how readiness is probed.
type Mode string

const (
	ModeTCP  Mode = "tcp"
	ModeHTTP Mode = "http"
)

// EventKind tags a Watch event.
type EventKind string

const (
	EventWatching      EventKind = "watching"
	EventReady         EventKind = "ready"
	EventProcessExited EventKind = "process_exited"
	EventError         EventKind = "error"
)

// Event is one element of the watch stream.
type Event struct {
	Kind    EventKind
	Message string
}

// Options configures Watch.
type Options struct {
	Port     int
	Mode     Mode
	Path     string // HTTP mode only; defaults to "/"
	Status   int    // HTTP mode only; 0 means "any 2xx/3xx is ready"
	Interval time.Duration
	Timeout  time.Duration
}

const defaultInterval = 250 * time.Millisecond

// ProcessExited, if non-nil, is consulted each poll tick so the watch can
// race against the owning background process's exit (spec §4.3
// waitForPort "process_exited").
type ProcessExited func() (exited bool, exitCode int)

// Watch polls the target port until it is ready, the process exits, the
// context is cancelled, or opts.Timeout elapses. The returned channel is
// closed once a terminal event (ready/process_exited/error, or ctx done)
// has been emitted.
func Watch(ctx context.Context, opts Options, exited ProcessExited) <-chan Event {
	events := make(chan Event, 8)
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	go func() {
		defer close(events)

		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}

		events <- Event{Kind: EventWatching, Message: fmt.Sprintf("watching port %d", opts.Port)}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if exited != nil {
					if done, code := exited(); done {
						events <- Event{Kind: EventProcessExited, Message: fmt.Sprintf("process exited with code %d", code)}
						return
					}
				}
				ready, err := probe(opts)
				if err != nil {
					events <- Event{Kind: EventError, Message: err.Error()}
					continue
				}
				if ready {
					events <- Event{Kind: EventReady, Message: fmt.Sprintf("port %d is ready", opts.Port)}
					return
				}
			case <-ctx.Done():
				events <- Event{Kind: EventError, Message: "waitForPort timed out"}
				return
			}
		}
	}()

	return events
}

func probe(opts Options) (bool, error) {
	switch opts.Mode {
	case ModeHTTP:
		return probeHTTP(opts)
	default:
		return probeTCP(opts.Port)
	}
}

func probeTCP(port int) (bool, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return false, nil // connection refused just means "not ready yet"
	}
	conn.Close()
	return true, nil
}

func probeHTTP(opts Options) (bool, error) {
	path := opts.Path
	if path == "" {
		path = "/"
	}
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d%s", opts.Port, path))
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	if opts.Status != 0 {
		return resp.StatusCode == opts.Status, nil
	}
	return resp.StatusCode < 400, nil
}
