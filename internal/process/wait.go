package process

import (
	"bytes"
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sdan/sandboxd/internal/apierr"
)

// debounceWindow amortizes full-buffer rescans on bursty output (spec
// §4.3 waitForLog "debounced (~50 ms)").
const debounceWindow = 50 * time.Millisecond

// WaitForLog scans already-buffered output first, then follows the live
// stream until a line matches pattern (a plain substring, or — if it
// parses as one — an anchored regex). Fails with PROCESS_EXITED_BEFORE_READY
// if the stream ends without a match (spec §4.3 waitForLog).
func (s *Service) WaitForLog(ctx context.Context, id string, pattern string, timeout time.Duration) error {
	matcher := newLineMatcher(pattern)

	_, stdout, stderr, ch, unsub, err := s.SubscribeOutput(id)
	if err != nil {
		return err
	}
	defer unsub()

	if matcher.matchAny(stdout) || matcher.matchAny(stderr) {
		return nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	debounce := time.NewTimer(debounceWindow)
	defer debounce.Stop()
	pending := false
	var live []byte

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				rec, gErr := s.GetProcess(ctx, id)
				exitCode := -1
				if gErr == nil {
					_, _, ec, hasExit, _, _, _, _ := rec.Snapshot()
					if hasExit {
						exitCode = ec
					}
				}
				return apierr.New(apierr.CodeProcessExitedBeforeReady,
					processExitedBeforeReadyMessage(exitCode))
			}
			if matcher.match(chunk.Data) {
				return nil
			}
			live = append(live, chunk.Data...)
			if !pending {
				pending = true
				debounce.Reset(debounceWindow)
			}
		case <-debounce.C:
			pending = false
			if matcher.matchAny(live) {
				return nil
			}
		case <-ctx.Done():
			if timeout > 0 {
				return apierr.New(apierr.CodeProcessReadyTimeout, "waitForLog timed out")
			}
			return apierr.Wrap(apierr.CodeProcessReadyTimeout, "waitForLog cancelled", ctx.Err())
		}
	}
}

func processExitedBeforeReadyMessage(exitCode int) string {
	return "exited before ready (exit code " + strconv.Itoa(exitCode) + ")"
}

type lineMatcher struct {
	substr string
	re     *regexp.Regexp
}

func newLineMatcher(pattern string) *lineMatcher {
	if re, err := regexp.Compile(pattern); err == nil && looksAnchored(pattern) {
		return &lineMatcher{re: re}
	}
	return &lineMatcher{substr: pattern}
}

func looksAnchored(pattern string) bool {
	return strings.ContainsAny(pattern, "^$()[]|*+?\\")
}

func (m *lineMatcher) match(data []byte) bool {
	if m.re != nil {
		return m.re.Match(data)
	}
	return bytes.Contains(data, []byte(m.substr))
}

func (m *lineMatcher) matchAny(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if m.match(line) {
			return true
		}
	}
	return false
}

// WaitForExit reads the record's status subscription until a terminal
// status is observed and returns the final exit code (spec §4.3
// waitForExit).
func (s *Service) WaitForExit(ctx context.Context, id string, timeout time.Duration) (int, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	if isTerminal(rec.Status()) {
		_, _, ec, _, _, _, _, _ := rec.Snapshot()
		return ec, nil
	}

	ch, unsub, err := s.SubscribeStatus(id)
	if err != nil {
		return 0, err
	}
	defer unsub()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-ch:
		_, _, ec, _, _, _, _, _ := rec.Snapshot()
		return ec, nil
	case <-ctx.Done():
		return 0, apierr.New(apierr.CodeProcessReadyTimeout, "waitForExit timed out")
	}
}

func (s *Service) lookup(id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, apierr.New(apierr.CodeProcessNotFound, "process not found").WithContext("processId", id)
	}
	return rec, nil
}
