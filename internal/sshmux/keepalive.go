package sshmux

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshmux/internal/logging"
)

// keepalive probes client every interval. A failed probe discards the handle
// so the next operation on alias reconnects from cached credentials.
func (m *Multiplexer) keepalive(ctx context.Context, alias string, client *ssh.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				if ctx.Err() != nil {
					return
				}
				reason := fmt.Sprintf("keepalive failed: %v", err)
				log.Printf("[sshmux] %s for %q, dropping connection", reason, alias)
				m.events.emit(alias, EventKeepaliveFailed, err.Error())
				m.discard(alias, client, reason)
				return
			}
			logging.Debugf("[sshmux] keepalive ok for %q", alias)
		}
	}
}
