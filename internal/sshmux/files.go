package sshmux

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// FileEntry is one directory entry returned by List.
type FileEntry struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "dir" or "file"
	Size        int64  `json:"size"`
	Permissions string `json:"permissions"`
}

// fileOp resolves alias and path, holds the alias lock and runs fn on a fresh
// SFTP client with the usual lost-connection retry. The path is checked
// against the root before the connection is touched.
func (m *Multiplexer) fileOp(ctx context.Context, alias, p, op string, fn func(sc *sftp.Client, target string) error) (string, error) {
	alias, err := m.resolveAlias(alias)
	if err != nil {
		return "", err
	}

	release := m.locks.acquire(alias)
	defer release()

	target, err := confinePath(m.root, m.cwd(alias), p)
	if err != nil {
		log.Printf("[sshmux] rejected %s of %q on %q: outside root %s", op, p, alias, m.root)
		return "", err
	}

	log.Printf("[sshmux] %s %s on %q", op, target, alias)
	err = m.withConnection(ctx, alias, op, func(client *ssh.Client) error {
		sc, err := sftp.NewClient(client)
		if err != nil {
			return transportError(alias, op, fmt.Errorf("start sftp: %w", err))
		}
		defer sc.Close()
		return transportError(alias, op+" "+target, fn(sc, target))
	})
	if err != nil {
		return target, err
	}

	if m.opts.Auditor != nil {
		creds, _ := m.credentials(alias)
		m.opts.Auditor.FileOperation(alias, creds.Username, op, target)
	}
	return target, nil
}

// List returns the entries of the directory p on alias, sorted by name.
func (m *Multiplexer) List(ctx context.Context, alias, p string) ([]FileEntry, error) {
	var entries []FileEntry
	_, err := m.fileOp(ctx, alias, p, "list", func(sc *sftp.Client, target string) error {
		infos, err := sc.ReadDir(target)
		if err != nil {
			return err
		}
		entries = make([]FileEntry, 0, len(infos))
		for _, fi := range infos {
			kind := "file"
			if fi.IsDir() {
				kind = "dir"
			}
			entries = append(entries, FileEntry{
				Name:        fi.Name(),
				Type:        kind,
				Size:        fi.Size(),
				Permissions: fmt.Sprintf("%04o", fi.Mode().Perm()),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(entries, func(a, b FileEntry) int { return strings.Compare(a.Name, b.Name) })
	return entries, nil
}

// Read returns the content of file p on alias.
func (m *Multiplexer) Read(ctx context.Context, alias, p string) (string, error) {
	var content []byte
	_, err := m.fileOp(ctx, alias, p, "read", func(sc *sftp.Client, target string) error {
		data, err := readRemote(sc, target)
		if err != nil {
			return err
		}
		content = data
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// Write replaces the content of file p on alias, creating it if needed.
func (m *Multiplexer) Write(ctx context.Context, alias, p, content string) (string, error) {
	target, err := m.fileOp(ctx, alias, p, "write", func(sc *sftp.Client, target string) error {
		return writeRemote(sc, target, []byte(content))
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), target), nil
}

// Edit replaces oldText with newText in file p on alias. oldText must occur
// exactly once.
func (m *Multiplexer) Edit(ctx context.Context, alias, p, oldText, newText string) (string, error) {
	if oldText == "" {
		return "", fmt.Errorf("%w: text to replace must not be empty", ErrInput)
	}
	target, err := m.fileOp(ctx, alias, p, "edit", func(sc *sftp.Client, target string) error {
		data, err := readRemote(sc, target)
		if err != nil {
			return err
		}
		switch n := strings.Count(string(data), oldText); n {
		case 1:
		case 0:
			return fmt.Errorf("%w: text to replace not found in %s", ErrInput, target)
		default:
			return fmt.Errorf("%w: text to replace occurs %d times in %s, expected exactly once", ErrInput, n, target)
		}
		updated := strings.Replace(string(data), oldText, newText, 1)
		return writeRemote(sc, target, []byte(updated))
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Successfully edited %s", target), nil
}

func readRemote(sc *sftp.Client, target string) ([]byte, error) {
	f, err := sc.Open(target)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func writeRemote(sc *sftp.Client, target string, data []byte) error {
	f, err := sc.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
