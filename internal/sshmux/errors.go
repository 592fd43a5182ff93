package sshmux

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Error classes. Match with errors.Is.
var (
	// ErrInput reports a caller mistake such as a self-referencing jump host.
	ErrInput = errors.New("invalid input")
	// ErrNotConnected reports an alias with neither a live connection nor
	// cached credentials.
	ErrNotConnected = errors.New("not connected")
	// ErrConnection reports an authentication or network failure while
	// connecting. *ConnectionError wraps it.
	ErrConnection = errors.New("connection failed")
	// ErrTimeout reports a command that exceeded its deadline.
	ErrTimeout = errors.New("command timed out")
	// ErrPermission reports a path outside the confinement root.
	ErrPermission = errors.New("access denied")
)

// ConnectionError is returned when establishing (or re-establishing) the
// connection for an alias fails. Credentials stay cached so the caller can
// retry.
type ConnectionError struct {
	Alias string
	Addr  string
	Err   error
}

func (e *ConnectionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("connect %q: %v", e.Alias, e.Err)
	}
	return fmt.Sprintf("connect %q (%s): %v", e.Alias, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// TransportError wraps an unexpected failure of an operation on a live
// connection that is not a lost connection or a timeout.
type TransportError struct {
	Alias string
	Op    string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s on %q: %v", e.Op, e.Alias, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrorMessage renders err as a short single-line message suitable for
// returning to a remote caller.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var prefix string
	switch {
	case errors.Is(err, ErrPermission):
		prefix = "Permission error"
	case errors.Is(err, ErrTimeout):
		prefix = "Timeout"
	case errors.Is(err, ErrInput):
		prefix = "Invalid input"
	case errors.Is(err, ErrNotConnected):
		prefix = "Not connected"
	case errors.Is(err, ErrConnection):
		prefix = "Connection error"
	default:
		prefix = "Error"
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	return prefix + ": " + msg
}

// isConnectionLost reports whether err means the underlying SSH connection
// went away mid-operation, as opposed to the operation itself failing.
func isConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, sftp.ErrSSHFxConnectionLost) {
		return true
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unexpected packet in response to channel open: <nil>")
}
