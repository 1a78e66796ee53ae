package session

import (
	"fmt"
	"regexp"
	"strings"
)

var envNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidEnvName reports whether name is a legal shell environment variable
// identifier (spec §4.1 "Invalid environment variable name").
func ValidEnvName(name string) bool {
	return envNameRE.MatchString(name)
}

// shq single-quotes s for safe embedding in a POSIX shell fragment.
func shq(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// foregroundPaths collects every scratch-file path a foreground script
// fragment needs, so script.go has no dependency on package scratch.
type foregroundPaths struct {
	CommandID string
	LogFile   string
	ExitFile  string
	StdoutTmp string
	StderrTmp string
}

// foregroundScript builds the shell fragment for spec §4.1 "Foreground
// script": redirect to temp files, capture exit code immediately, drain
// temp files into the prefixed shared log, delete temp files, write the
// exit code atomically, restore cwd/env.
func foregroundScript(p foregroundPaths, command string, cwd string, env map[string]string) string {
	var b strings.Builder
	id := p.CommandID

	fmt.Fprintf(&b, "{\n__prev_cwd_%s=$(pwd)\n", id)
	if cwd != "" {
		fmt.Fprintf(&b, "if ! cd %s 2>/dev/null; then\n", shq(cwd))
		fmt.Fprintf(&b, "  printf '\\002\\002\\002%%s\\n' %s >> %s\n",
			shq(fmt.Sprintf("cd: %s: No such file or directory", cwd)), shq(p.LogFile))
		fmt.Fprintf(&b, "  printf '1' > %s && mv %s %s\n",
			shq(p.ExitFile+".tmp"), shq(p.ExitFile+".tmp"), shq(p.ExitFile))
		fmt.Fprintf(&b, "  cd \"$__prev_cwd_%s\"\n", id)
		fmt.Fprintf(&b, "else\n")
	}

	// Per-call environment overrides: save the prior value (if set) so it
	// can be restored verbatim, or unset if it was not previously set.
	savedVars := make([]string, 0, len(env))
	for k, v := range env {
		saveVar := "__saved_" + id + "_" + k
		hadVar := "__had_" + id + "_" + k
		savedVars = append(savedVars, k)
		fmt.Fprintf(&b, "if [ -n \"${%s+x}\" ]; then %s=\"$%s\"; %s=1; else %s=0; fi\n",
			k, saveVar, k, hadVar, hadVar)
		fmt.Fprintf(&b, "export %s=%s\n", k, shq(v))
	}

	fmt.Fprintf(&b, "{ %s\n} > %s 2> %s\n", command, shq(p.StdoutTmp), shq(p.StderrTmp))
	fmt.Fprintf(&b, "__exit_%s=$?\n", id)
	fmt.Fprintf(&b, "while IFS= read -r line || [ -n \"$line\" ]; do printf '\\001\\001\\001%%s\\n' \"$line\" >> %s; done < %s\n",
		shq(p.LogFile), shq(p.StdoutTmp))
	fmt.Fprintf(&b, "while IFS= read -r line || [ -n \"$line\" ]; do printf '\\002\\002\\002%%s\\n' \"$line\" >> %s; done < %s\n",
		shq(p.LogFile), shq(p.StderrTmp))
	fmt.Fprintf(&b, "rm -f %s %s\n", shq(p.StdoutTmp), shq(p.StderrTmp))
	fmt.Fprintf(&b, "printf '%%d' \"$__exit_%s\" > %s && mv %s %s\n",
		id, shq(p.ExitFile+".tmp"), shq(p.ExitFile+".tmp"), shq(p.ExitFile))

	for _, k := range savedVars {
		saveVar := "__saved_" + id + "_" + k
		hadVar := "__had_" + id + "_" + k
		fmt.Fprintf(&b, "if [ \"$%s\" = 1 ]; then export %s=\"$%s\"; else unset %s; fi\n", hadVar, k, saveVar, k)
	}

	if cwd != "" {
		fmt.Fprintf(&b, "cd \"$__prev_cwd_%s\"\n", id)
		fmt.Fprintf(&b, "fi\n")
	}
	fmt.Fprintf(&b, "}\n")
	return b.String()
}

// backgroundPaths collects every scratch-file path a background script
// fragment needs. PidPipe is created by the reader (Go side) before this
// script is issued, per spec §4.1 "PID-pipe semantics" — the shell only
// opens it for writing.
type backgroundPaths struct {
	CommandID        string
	LogFile          string
	PidFile          string
	ExitFile         string
	StdoutPipe       string
	StderrPipe       string
	PidPipe          string
	LabelersDoneFile string
}

// backgroundScript builds the shell fragment for spec §4.1 "Background
// script": FIFOs + labelers + subshell launch + PID pipe + monitor, then
// returns control to the shell prompt immediately. The command is launched
// from its own background monitor subshell, which is therefore its parent
// and can `wait` for its exit status. Labeler-drain detection runs as a
// separate background wait, so the exit-code file can appear before the
// labelers (which may still be draining buffered stdio) have finished —
// matching the reader's race in streamBackground, where awaitLabelersDone
// is bounded by labelersDoneTimeout.
func backgroundScript(p backgroundPaths, command string, cwd string, env map[string]string) string {
	var b strings.Builder
	id := p.CommandID

	fmt.Fprintf(&b, "{\n")
	fmt.Fprintf(&b, "mkfifo %s %s\n", shq(p.StdoutPipe), shq(p.StderrPipe))

	fmt.Fprintf(&b, "( while IFS= read -r line || [ -n \"$line\" ]; do printf '\\001\\001\\001%%s\\n' \"$line\" >> %s; done < %s ) & __lbl_out_%s=$!\n",
		shq(p.LogFile), shq(p.StdoutPipe), id)
	fmt.Fprintf(&b, "( while IFS= read -r line || [ -n \"$line\" ]; do printf '\\002\\002\\002%%s\\n' \"$line\" >> %s; done < %s ) & __lbl_err_%s=$!\n",
		shq(p.LogFile), shq(p.StderrPipe), id)

	cdPrefix := ""
	if cwd != "" {
		cdPrefix = fmt.Sprintf("cd %s && ", shq(cwd))
	}
	envPrefix := ""
	for k, v := range env {
		envPrefix += fmt.Sprintf("%s=%s ", k, shq(v))
	}

	fmt.Fprintf(&b, "( ( %s%s%s ) > %s 2> %s & __cmd_pid_%s=$!\n",
		cdPrefix, envPrefix, command, shq(p.StdoutPipe), shq(p.StderrPipe), id)

	fmt.Fprintf(&b, "printf '%%d' \"$__cmd_pid_%s\" > %s && mv %s %s\n",
		id, shq(p.PidFile+".tmp"), shq(p.PidFile+".tmp"), shq(p.PidFile))
	fmt.Fprintf(&b, "printf '%%d\\n' \"$__cmd_pid_%s\" > %s &\n", id, shq(p.PidPipe))

	fmt.Fprintf(&b, "wait \"$__cmd_pid_%s\" 2>/dev/null; __ec_%s=$?; printf '%%d' \"$__ec_%s\" > %s && mv %s %s ) &\n",
		id, id, id, shq(p.ExitFile+".tmp"), shq(p.ExitFile+".tmp"), shq(p.ExitFile))

	fmt.Fprintf(&b, "( wait \"$__lbl_out_%s\" \"$__lbl_err_%s\" 2>/dev/null; rm -f %s %s; : > %s ) &\n",
		id, id, shq(p.StdoutPipe), shq(p.StderrPipe), shq(p.LabelersDoneFile))
	fmt.Fprintf(&b, "}\n")
	return b.String()
}
