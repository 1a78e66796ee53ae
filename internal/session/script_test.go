package session

import (
	"strings"
	"testing"
)

func TestValidEnvName(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"FOO", true},
		{"foo_bar", true},
		{"_leading", true},
		{"FOO123", true},
		{"1FOO", false},
		{"FOO-BAR", false},
		{"", false},
		{"FOO BAR", false},
	}
	for _, c := range cases {
		if got := ValidEnvName(c.name); got != c.want {
			t.Errorf("ValidEnvName(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestShqEscapesSingleQuotes(t *testing.T) {
	cases := map[string]string{
		"hello":      `'hello'`,
		"it's":       `'it'\''s'`,
		"":           `''`,
		"a'b'c":      `'a'\''b'\''c'`,
	}
	for in, want := range cases {
		if got := shq(in); got != want {
			t.Errorf("shq(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestForegroundScriptContainsCoreFragments(t *testing.T) {
	p := foregroundPaths{
		CommandID: "cmd1",
		LogFile:   "/scratch/cmd1.log",
		ExitFile:  "/scratch/cmd1.exit",
		StdoutTmp: "/scratch/cmd1.stdout.tmp",
		StderrTmp: "/scratch/cmd1.stderr.tmp",
	}
	script := foregroundScript(p, "echo hi", "", nil)

	for _, want := range []string{
		"__exit_cmd1=$?",
		"'/scratch/cmd1.log'",
		"'/scratch/cmd1.exit.tmp'",
		"echo hi",
		"rm -f",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("foregroundScript missing fragment %q\nscript:\n%s", want, script)
		}
	}
}

func TestForegroundScriptWithCwdGuardsChdirFailure(t *testing.T) {
	p := foregroundPaths{CommandID: "cmd2", LogFile: "/s/a.log", ExitFile: "/s/a.exit", StdoutTmp: "/s/a.out", StderrTmp: "/s/a.err"}
	script := foregroundScript(p, "true", "/no/such/dir", nil)
	if !contains(script, "cd '/no/such/dir' 2>/dev/null") {
		t.Error("expected a guarded cd into the requested directory")
	}
	if !contains(script, "No such file or directory") {
		t.Error("expected a stderr message on chdir failure")
	}
}

func TestForegroundScriptSavesAndRestoresEnv(t *testing.T) {
	p := foregroundPaths{CommandID: "cmd3", LogFile: "/s/a.log", ExitFile: "/s/a.exit", StdoutTmp: "/s/a.out", StderrTmp: "/s/a.err"}
	script := foregroundScript(p, "true", "", map[string]string{"FOO": "bar"})
	if !contains(script, "export FOO='bar'") {
		t.Error("expected export of overridden var")
	}
	if !contains(script, "__saved_cmd3_FOO") {
		t.Error("expected a saved-value variable for restoring FOO")
	}
}

func TestBackgroundScriptContainsFifoAndLabelers(t *testing.T) {
	p := backgroundPaths{
		CommandID:        "bg1",
		LogFile:          "/s/bg1.log",
		PidFile:          "/s/bg1.pid",
		ExitFile:         "/s/bg1.exit",
		StdoutPipe:       "/s/bg1.stdout.pipe",
		StderrPipe:       "/s/bg1.stderr.pipe",
		PidPipe:          "/s/bg1.pid.pipe",
		LabelersDoneFile: "/s/bg1.labelers.done",
	}
	script := backgroundScript(p, "sleep 1", "", nil)

	for _, want := range []string{
		"mkfifo '/s/bg1.stdout.pipe' '/s/bg1.stderr.pipe'",
		"__lbl_out_bg1=$!",
		"__lbl_err_bg1=$!",
		"__cmd_pid_bg1=$!",
		"'/s/bg1.pid.pipe'",
		"wait \"$__cmd_pid_bg1\"",
		"'/s/bg1.labelers.done'",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("backgroundScript missing fragment %q\nscript:\n%s", want, script)
		}
	}
}
