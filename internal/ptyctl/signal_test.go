package ptyctl

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestSignalForByte(t *testing.T) {
	cases := []struct {
		b    byte
		want unix.Signal
		ok   bool
	}{
		{0x03, unix.SIGINT, true},
		{0x1A, unix.SIGTSTP, true},
		{0x1C, unix.SIGQUIT, true},
		{'a', 0, false},
		{0x04, 0, false},
	}
	for _, c := range cases {
		sig, ok := signalForByte(c.b)
		if ok != c.ok {
			t.Errorf("signalForByte(%#x) ok = %v, want %v", c.b, ok, c.ok)
			continue
		}
		if ok && sig != c.want {
			t.Errorf("signalForByte(%#x) = %v, want %v", c.b, sig, c.want)
		}
	}
}

func TestKillSignal(t *testing.T) {
	if got := killSignal("SIGKILL"); got != unix.SIGKILL {
		t.Errorf("killSignal(SIGKILL) = %v, want SIGKILL", got)
	}
	for _, name := range []string{"", "SIGTERM", "sigkill", "KILL"} {
		if got := killSignal(name); got != unix.SIGTERM {
			t.Errorf("killSignal(%q) = %v, want SIGTERM", name, got)
		}
	}
}
