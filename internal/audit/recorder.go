package audit

import (
	"fmt"
	"time"
)

// Recorder reports the events of one session to an Auditor. It satisfies
// sshmux.Auditor. A nil *Recorder discards everything.
type Recorder struct {
	auditor *Auditor
	session string
}

// Recorder returns a Recorder tagging entries with session.
func (a *Auditor) Recorder(session string) *Recorder {
	return &Recorder{auditor: a, session: session}
}

func (r *Recorder) log(e Entry) {
	if r == nil || r.auditor == nil {
		return
	}
	e.Session = r.session
	r.auditor.Log(e)
}

// ConnectionEstablished records a successful connect or reconnect.
func (r *Recorder) ConnectionEstablished(alias, username, addr string) {
	r.log(Entry{Alias: alias, EventType: EventConnectionEstablished, Username: username, Address: addr})
}

// ConnectionFailed records a failed connection attempt.
func (r *Recorder) ConnectionFailed(alias, username, addr, reason string) {
	r.log(Entry{Alias: alias, EventType: EventConnectionFailed, Username: username, Address: addr, Details: reason})
}

// ConnectionTerminated records a closed connection and how long it lived.
func (r *Recorder) ConnectionTerminated(alias, username, reason string, duration time.Duration) {
	r.log(Entry{
		Alias:      alias,
		EventType:  EventConnectionTerminated,
		Username:   username,
		Details:    reason,
		DurationMs: duration.Milliseconds(),
	})
}

// CommandExecuted records a completed command.
func (r *Recorder) CommandExecuted(alias, username, command string, exitCode int, duration time.Duration) {
	r.log(Entry{
		Alias:      alias,
		EventType:  EventCommandExecution,
		Username:   username,
		Details:    fmt.Sprintf("cmd=%s exit=%d", command, exitCode),
		DurationMs: duration.Milliseconds(),
	})
}

// FileOperation records a file operation.
func (r *Recorder) FileOperation(alias, username, operation, path string) {
	r.log(Entry{Alias: alias, EventType: EventFileOperation, Username: username, Details: operation + ": " + path})
}
