package sshmux

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/pkg/sftp"

	"github.com/gluk-w/sshmux/internal/logging"
)

// syncChunkSize is the copy buffer of Sync.
const syncChunkSize = 64 * 1024

// Sync streams the file srcPath on srcAlias to dstPath on dstAlias and
// returns a status message and the number of bytes copied. Both alias locks
// are held for the whole transfer, taken in sorted order. A failure part way
// through is reported and not retried, since the destination may already be
// partially written.
func (m *Multiplexer) Sync(ctx context.Context, srcAlias, srcPath, dstAlias, dstPath string) (string, int64, error) {
	srcAlias, err := m.resolveAlias(srcAlias)
	if err != nil {
		return "", 0, err
	}
	dstAlias, err = m.resolveAlias(dstAlias)
	if err != nil {
		return "", 0, err
	}

	release := m.locks.acquire(srcAlias, dstAlias)
	defer release()

	src, err := confinePath(m.root, m.cwd(srcAlias), srcPath)
	if err != nil {
		return "", 0, err
	}
	dst, err := confinePath(m.root, m.cwd(dstAlias), dstPath)
	if err != nil {
		return "", 0, err
	}
	if srcAlias == dstAlias && src == dst {
		return "", 0, fmt.Errorf("%w: source and destination are the same file", ErrInput)
	}

	srcClient, err := m.ensureConnected(ctx, srcAlias)
	if err != nil {
		return "", 0, err
	}
	dstClient, err := m.ensureConnected(ctx, dstAlias)
	if err != nil {
		return "", 0, err
	}

	log.Printf("[sshmux] syncing %s:%s -> %s:%s", srcAlias, src, dstAlias, dst)
	start := time.Now()

	srcSFTP, err := sftp.NewClient(srcClient)
	if err != nil {
		return "", 0, &TransportError{Alias: srcAlias, Op: "sync", Err: fmt.Errorf("start sftp: %w", err)}
	}
	defer srcSFTP.Close()
	dstSFTP, err := sftp.NewClient(dstClient)
	if err != nil {
		return "", 0, &TransportError{Alias: dstAlias, Op: "sync", Err: fmt.Errorf("start sftp: %w", err)}
	}
	defer dstSFTP.Close()

	in, err := srcSFTP.Open(src)
	if err != nil {
		return "", 0, &TransportError{Alias: srcAlias, Op: "sync open " + src, Err: err}
	}
	defer in.Close()
	out, err := dstSFTP.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return "", 0, &TransportError{Alias: dstAlias, Op: "sync create " + dst, Err: err}
	}

	total, err := copyChunks(ctx, out, in, srcAlias, dstAlias)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = &TransportError{Alias: dstAlias, Op: "sync close " + dst, Err: closeErr}
	}
	if err != nil {
		log.Printf("[sshmux] sync failed after %d bytes: %v", total, err)
		return "", total, err
	}

	if m.opts.Auditor != nil {
		creds, _ := m.credentials(dstAlias)
		m.opts.Auditor.FileOperation(dstAlias, creds.Username, "sync",
			fmt.Sprintf("%s:%s -> %s:%s (%d bytes)", srcAlias, src, dstAlias, dst, total))
	}
	log.Printf("[sshmux] synced %d bytes from %s to %s in %s", total, srcAlias, dstAlias, time.Since(start))
	return fmt.Sprintf("Successfully synced %d bytes from %s to %s.", total, srcAlias, dstAlias), total, nil
}

// copyChunks copies r to w one chunk at a time so neither side ever holds
// the whole file.
func copyChunks(ctx context.Context, w io.Writer, r io.Reader, srcAlias, dstAlias string) (int64, error) {
	buf := make([]byte, syncChunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return total, &TransportError{Alias: dstAlias, Op: "sync write", Err: err}
			}
			total += int64(n)
			logging.Debugf("[sshmux] sync chunk %d bytes (total %d)", n, total)
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, &TransportError{Alias: srcAlias, Op: "sync read", Err: readErr}
		}
	}
}
