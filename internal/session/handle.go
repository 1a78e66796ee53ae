package session

// CommandHandle is the scratch-file bookkeeping for one in-flight or
// recently-completed command within a session, per spec §3.1.
type CommandHandle struct {
	CommandID    string
	PidFile      string
	LogFile      string
	ExitCodeFile string
	Background   bool

	// pid becomes known once the start event of a background command
	// reports it; foreground commands leave it unset. 0 means unknown.
	pid int
}
