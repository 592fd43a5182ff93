package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// maxLoggedLen bounds how much of a user-supplied string (usually a shell
// command) ends up in a single log line.
const maxLoggedLen = 200

var (
	logFile *os.File
	mu      sync.Mutex
	debug   atomic.Bool
)

// Init sets up logging to stderr and, when path is non-empty, to a log file
// as well. A file that cannot be opened only produces a warning.
func Init(path string) {
	mu.Lock()
	defer mu.Unlock()

	log.SetFlags(log.LstdFlags)
	if path == "" {
		log.SetOutput(os.Stderr)
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}

	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	log.SetOutput(io.MultiWriter(os.Stderr, logFile))
	log.Printf("Logging to file: %s", path)
}

// Close flushes and closes the log file, if any, and points log back at stderr.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	log.SetOutput(os.Stderr)
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	if err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

// SetDebug toggles transport-level debug output.
func SetDebug(enabled bool) {
	debug.Store(enabled)
}

// DebugEnabled reports whether transport-level debug output is on.
func DebugEnabled() bool {
	return debug.Load()
}

// Debugf logs only when debug output is enabled. Keepalive probes, channel
// opens and transfer chunk counts go through here.
func Debugf(format string, args ...any) {
	if !debug.Load() {
		return
	}
	log.Output(2, fmt.Sprintf("[debug] "+format, args...))
}

// Sanitize removes newlines and control characters from user-provided
// strings so they cannot forge extra log entries, and truncates long values.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")

	var result strings.Builder
	result.Grow(len(s))
	n := 0
	for _, r := range s {
		if r < 32 || r == 127 {
			continue
		}
		if n == maxLoggedLen {
			result.WriteString("...")
			break
		}
		result.WriteRune(r)
		n++
	}
	return result.String()
}
