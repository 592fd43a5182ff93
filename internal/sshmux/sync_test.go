package sshmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestSyncReportsExactByteCount(t *testing.T) {
	dir := t.TempDir()
	srcSrv := newTestServer(t, dir)
	dstSrv := newTestServer(t, dir)
	m := New(Options{Root: dir})
	connect(t, m, srcSrv, "src")
	connect(t, m, dstSrv, "dst")

	sizes := []int{0, 1, syncChunkSize - 1, syncChunkSize, 3*syncChunkSize + 17}
	for _, n := range sizes {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			payload := bytes.Repeat([]byte("0123456789abcdef"), n/16+1)[:n]
			name := fmt.Sprintf("in-%d.bin", n)
			if err := os.WriteFile(filepath.Join(dir, name), payload, 0o644); err != nil {
				t.Fatal(err)
			}
			out := fmt.Sprintf("out-%d.bin", n)

			msg, total, err := m.Sync(context.Background(), "src", name, "dst", out)
			if err != nil {
				t.Fatalf("Sync: %v", err)
			}
			if total != int64(n) {
				t.Errorf("total = %d, want %d", total, n)
			}
			if want := fmt.Sprintf("Successfully synced %d bytes from src to dst.", n); msg != want {
				t.Errorf("message = %q, want %q", msg, want)
			}
			got, err := os.ReadFile(filepath.Join(dir, out))
			if err != nil || !bytes.Equal(got, payload) {
				t.Errorf("destination differs (len %d, err %v)", len(got), err)
			}
		})
	}
}

func TestSyncRejectsPathsOutsideRoot(t *testing.T) {
	dir := t.TempDir()
	srv := newTestServer(t, dir)
	m := New(Options{Root: dir})
	connect(t, m, srv, "a")
	connect(t, m, srv, "b")
	before := srv.SFTPSessions()

	if _, _, err := m.Sync(context.Background(), "a", "/etc/passwd", "b", "copy"); !errors.Is(err, ErrPermission) {
		t.Errorf("source outside root: err = %v", err)
	}
	if _, _, err := m.Sync(context.Background(), "a", "x", "b", "../../copy"); !errors.Is(err, ErrPermission) {
		t.Errorf("destination outside root: err = %v", err)
	}
	if srv.SFTPSessions() != before {
		t.Error("rejected sync must not open sftp sessions")
	}
}

func TestSyncSameFileRejected(t *testing.T) {
	dir := t.TempDir()
	srv := newTestServer(t, dir)
	m := New(Options{Root: dir})
	connect(t, m, srv, "a")

	if _, _, err := m.Sync(context.Background(), "a", "f", "a", "./f"); !errors.Is(err, ErrInput) {
		t.Errorf("err = %v, want ErrInput", err)
	}
}

func TestSyncMissingSource(t *testing.T) {
	dir := t.TempDir()
	srv := newTestServer(t, dir)
	m := New(Options{Root: dir})
	connect(t, m, srv, "a")
	connect(t, m, srv, "b")

	_, _, err := m.Sync(context.Background(), "a", "nope", "b", "copy")
	var te *TransportError
	if !errors.As(err, &te) || te.Alias != "a" {
		t.Fatalf("err = %v, want TransportError on the source", err)
	}
}

func TestSyncOppositeDirectionsDoNotDeadlock(t *testing.T) {
	dir := t.TempDir()
	srv := newTestServer(t, dir)
	m := New(Options{Root: dir})
	connect(t, m, srv, "a")
	connect(t, m, srv, "b")
	payload := bytes.Repeat([]byte("x"), 2*syncChunkSize)
	for _, name := range []string{"a.bin", "b.bin"} {
		if err := os.WriteFile(filepath.Join(dir, name), payload, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	errs := make(chan error, 20)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, err := m.Sync(context.Background(), "a", "a.bin", "b", "from-a.bin")
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, _, err := m.Sync(context.Background(), "b", "b.bin", "a", "from-b.bin")
			errs <- err
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(60 * time.Second):
		t.Fatal("concurrent syncs in opposite directions did not complete")
	}
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("sync: %v", err)
		}
	}
}
