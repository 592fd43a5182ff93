package sshmux

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/crypto/ssh"
)

// maxAttempts bounds single-alias operations: the first try plus one retry
// after a lost connection.
const maxAttempts = 2

// withConnection runs fn against the live client of alias. When fn reports a
// lost connection the handle is discarded, the alias reconnected and fn run
// once more. Any other error is returned as is. The caller holds the alias
// lock.
func (m *Multiplexer) withConnection(ctx context.Context, alias, op string, fn func(*ssh.Client) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		client, err := m.ensureConnected(ctx, alias)
		if err != nil {
			return err
		}
		err = fn(client)
		if err == nil || !isConnectionLost(err) {
			return err
		}
		lastErr = err
		m.discard(alias, client, fmt.Sprintf("connection lost during %s: %v", op, err))
		if attempt < maxAttempts {
			log.Printf("[sshmux] connection %q lost during %s, reconnecting", alias, op)
		}
	}
	return &ConnectionError{Alias: alias, Err: fmt.Errorf("connection lost during %s: %w", op, lastErr)}
}

// transportError wraps err unless it already carries one of the error
// classes callers match on.
func transportError(alias, op string, err error) error {
	if err == nil || errors.Is(err, ErrInput) || errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrPermission) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) || isConnectionLost(err) {
		return err
	}
	return &TransportError{Alias: alias, Op: op, Err: err}
}
