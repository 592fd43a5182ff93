package sshmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshmux/internal/logging"
)

// maxFormattedOutput bounds Result.Format before the exit code line.
const maxFormattedOutput = 4000

// Result is the outcome of Run.
type Result struct {
	Target   string `json:"target"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Cwd      string `json:"cwd"`
}

// Format renders r for humans: STDOUT and STDERR blocks, truncated, with the
// exit code appended when it is not zero.
func (r *Result) Format() string {
	var parts []string
	if r.Stdout != "" {
		parts = append(parts, "STDOUT:\n"+strings.TrimRight(r.Stdout, " \t\r\n"))
	}
	if r.Stderr != "" {
		parts = append(parts, "STDERR:\n"+strings.TrimRight(r.Stderr, " \t\r\n"))
	}
	out := strings.Join(parts, "\n\n")
	if out == "" {
		out = "(No output)"
	}
	if len(out) > maxFormattedOutput {
		out = out[:maxFormattedOutput] + "\n... [Output truncated]"
	}
	if r.ExitCode != 0 {
		out += fmt.Sprintf("\n\n[Exit Code: %d]", r.ExitCode)
	}
	return out
}

// Run executes command on alias (the primary alias when empty) in the
// alias's tracked working directory and updates that directory from where
// the command left the shell. timeout <= 0 selects the default deadline.
// A timed out command is not retried.
func (m *Multiplexer) Run(ctx context.Context, alias, command string, timeout time.Duration) (*Result, error) {
	alias, err := m.resolveAlias(alias)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = m.opts.CommandTimeout
	}

	release := m.locks.acquire(alias)
	defer release()

	log.Printf("[sshmux] executing on %q: %s", alias, logging.Sanitize(command))
	start := time.Now()

	var result *Result
	err = m.withConnection(ctx, alias, "run", func(client *ssh.Client) error {
		cwd := m.cwd(alias)
		stdout, stderr, exitCode, err := execute(ctx, client, m.wrapCommand(command, cwd), timeout)
		if err != nil {
			return transportError(alias, "run", err)
		}
		clean, newCwd := splitSentinel(stdout, m.delimiter)
		if newCwd != "" {
			m.setCwd(alias, newCwd)
			cwd = newCwd
		}
		result = &Result{
			Target:   alias,
			Stdout:   clean,
			Stderr:   stderr,
			ExitCode: exitCode,
			Cwd:      cwd,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			log.Printf("[sshmux] command timed out on %q after %s: %s", alias, timeout, logging.Sanitize(command))
		}
		return nil, err
	}

	if m.opts.Auditor != nil {
		creds, _ := m.credentials(alias)
		m.opts.Auditor.CommandExecuted(alias, creds.Username, command, result.ExitCode, time.Since(start))
	}
	return result, nil
}

// wrapCommand builds the shell line that runs command in cwd and then
// prints the sentinel followed by the resulting working directory. The
// command's own exit status is preserved.
func (m *Multiplexer) wrapCommand(command, cwd string) string {
	var b strings.Builder
	if cwd != "" {
		b.WriteString("cd " + shellQuote(cwd) + " && ")
	}
	// A brace group, not a subshell, so a cd in command survives to pwd.
	// The newline before "}" keeps a trailing comment in command from
	// swallowing the closing brace.
	b.WriteString("{ " + command + "\n}; code=$?; echo " + m.delimiter + "; pwd; exit $code")
	return b.String()
}

// splitSentinel separates the command's stdout from the trailing
// sentinel and directory lines.
func splitSentinel(stdout, delimiter string) (clean, cwd string) {
	idx := strings.LastIndex(stdout, delimiter)
	if idx < 0 {
		return stdout, ""
	}
	return stdout[:idx], strings.TrimSpace(stdout[idx+len(delimiter):])
}

// execute runs cmd in a new session and waits at most timeout. A non-zero
// exit status is not an error.
func execute(ctx context.Context, client *ssh.Client, cmd string, timeout time.Duration) (stdout, stderr string, exitCode int, err error) {
	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	if err := session.Start(cmd); err != nil {
		return "", "", -1, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		session.Signal(ssh.SIGKILL)
		session.Close()
		return "", "", -1, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		session.Close()
		return "", "", -1, ctx.Err()
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return outBuf.String(), errBuf.String(), exitErr.ExitStatus(), nil
		}
		return "", "", -1, err
	}
	return outBuf.String(), errBuf.String(), 0, nil
}
