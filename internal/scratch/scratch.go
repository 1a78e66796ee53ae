// Package scratch manages the per-session scratch directory and the
// write-then-rename sentinel files (.exit, .pid) that let the shell
// session communicate command completion to the reader without a race.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Dir is a session's private scratch directory, named
// session-<id>-<epoch-ms> under root, per spec §6 "Persisted state layout".
type Dir struct {
	Path string
}

// New creates (mkdir) a fresh scratch directory for sessionID under root.
func New(root, sessionID string) (*Dir, error) {
	name := fmt.Sprintf("session-%s-%d", sessionID, time.Now().UnixMilli())
	path := filepath.Join(root, name)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	return &Dir{Path: path}, nil
}

// Remove recursively deletes the scratch directory. Safe to call more
// than once.
func (d *Dir) Remove() error {
	return os.RemoveAll(d.Path)
}

func (d *Dir) path(commandID, suffix string) string {
	return filepath.Join(d.Path, commandID+suffix)
}

func (d *Dir) LogPath(commandID string) string         { return d.path(commandID, ".log") }
func (d *Dir) ExitPath(commandID string) string         { return d.path(commandID, ".exit") }
func (d *Dir) PidPath(commandID string) string          { return d.path(commandID, ".pid") }
func (d *Dir) StdoutPipePath(commandID string) string   { return d.path(commandID, ".stdout.pipe") }
func (d *Dir) StderrPipePath(commandID string) string   { return d.path(commandID, ".stderr.pipe") }
func (d *Dir) PidPipePath(commandID string) string      { return d.path(commandID, ".pid.pipe") }
func (d *Dir) LabelersDonePath(commandID string) string { return d.path(commandID, ".labelers.done") }
func (d *Dir) StdoutTempPath(commandID string) string   { return d.path(commandID, ".stdout.tmp") }
func (d *Dir) StderrTempPath(commandID string) string   { return d.path(commandID, ".stderr.tmp") }

// WriteAtomic writes data to path via a temp-file-then-rename, matching
// the teacher's config.Save idiom, so a concurrent reader never observes a
// partially written sentinel.
func WriteAtomic(path string, data []byte) error {
	tmp := path + ".tmp-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadExitCode parses the decimal exit code written to an exit-code
// sentinel file.
func ReadExitCode(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// ReadPid parses the decimal pid written to a pid sentinel file.
func ReadPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// RemoveCommandFiles deletes every file associated with commandID,
// ignoring not-exist errors; called after a command completes and on
// session destroy.
func (d *Dir) RemoveCommandFiles(commandID string) {
	for _, p := range []string{
		d.LogPath(commandID),
		d.ExitPath(commandID),
		d.PidPath(commandID),
		d.StdoutPipePath(commandID),
		d.StderrPipePath(commandID),
		d.PidPipePath(commandID),
		d.LabelersDonePath(commandID),
		d.StdoutTempPath(commandID),
		d.StderrTempPath(commandID),
	} {
		os.Remove(p)
	}
}
