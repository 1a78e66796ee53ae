package ptyctl

import (
	"golang.org/x/sys/unix"
)

// signalForByte maps the three control bytes spec.md §4.4 singles out to
// the Unix signal a real terminal driver would raise for them. Every
// other byte passes through untranslated.
func signalForByte(b byte) (unix.Signal, bool) {
	switch b {
	case 0x03:
		return unix.SIGINT, true
	case 0x1A:
		return unix.SIGTSTP, true
	case 0x1C:
		return unix.SIGQUIT, true
	default:
		return 0, false
	}
}

// signalForegroundGroup delivers sig to the PTY's controlling process
// group, mirroring what a real terminal does on ^C/^Z/^\. Errors are
// swallowed: a signal raised against an already-exited group is not
// actionable and the exit-detection goroutine will observe the exit
// independently.
func (s *Session) signalForegroundGroup(sig unix.Signal) {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	_ = unix.Kill(-s.cmd.Process.Pid, sig)
}

// killSignal returns the signal Kill should send. Spec §4.4 kill: only
// the literal string "SIGKILL" escalates to SIGKILL; anything else
// (including empty) sends SIGTERM.
func killSignal(name string) unix.Signal {
	if name == "SIGKILL" {
		return unix.SIGKILL
	}
	return unix.SIGTERM
}

// signalProcessGroup delivers sig to the process group led by pid.
func signalProcessGroup(pid int, sig unix.Signal) error {
	return unix.Kill(-pid, sig)
}
