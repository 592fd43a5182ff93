package sshmux

import (
	"errors"
	"path"
	"strings"
	"testing"
)

func TestConfinePath(t *testing.T) {
	tests := []struct {
		name    string
		root    string
		cwd     string
		p       string
		want    string
		wantErr bool
	}{
		{"relative against cwd", "/", "/tmp", "x", "/tmp/x", false},
		{"absolute", "/", "/tmp", "/etc/hosts", "/etc/hosts", false},
		{"no cwd uses root", "/srv", "", "a.txt", "/srv/a.txt", false},
		{"empty path is cwd", "/srv", "/srv/app", "", "/srv/app", false},
		{"dot dot inside root", "/srv", "/srv/app/logs", "../conf", "/srv/app/conf", false},
		{"root itself", "/srv", "/srv/app", "..", "/srv", false},
		{"escape with dot dot", "/srv", "/srv/app", "../../etc/passwd", "", true},
		{"absolute outside root", "/srv", "/srv", "/etc/passwd", "", true},
		{"sibling with shared prefix", "/srv", "/srv", "/srv2/file", "", true},
		{"cwd outside root", "/srv", "/home/user", "notes", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := confinePath(tt.root, tt.cwd, tt.p)
			if tt.wantErr {
				if !errors.Is(err, ErrPermission) {
					t.Fatalf("confinePath(%q, %q, %q) err = %v, want ErrPermission", tt.root, tt.cwd, tt.p, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

// Every accepted path is inside the root, and every rejected one is outside.
func TestConfinePathAgreesWithPrefixRule(t *testing.T) {
	root := "/data/app"
	cwds := []string{"/data/app", "/data/app/sub", "/data", "/"}
	paths := []string{"x", "../x", "../../x", "/data/app/y", "/data/apple", "sub/../../z", ".", "/", "a/b/../../.."}
	for _, cwd := range cwds {
		for _, p := range paths {
			resolved := p
			if !path.IsAbs(p) {
				resolved = path.Join(cwd, p)
			}
			resolved = path.Clean(resolved)
			inside := resolved == root || strings.HasPrefix(resolved, root+"/")

			got, err := confinePath(root, cwd, p)
			if inside && (err != nil || got != resolved) {
				t.Errorf("cwd=%q p=%q: got (%q, %v), want %q", cwd, p, got, err, resolved)
			}
			if !inside && !errors.Is(err, ErrPermission) {
				t.Errorf("cwd=%q p=%q resolves to %q outside root but was accepted", cwd, p, resolved)
			}
		}
	}
}

func TestNormalizeRoot(t *testing.T) {
	for in, want := range map[string]string{"": "/", "/": "/", "/srv/": "/srv", "srv": "/srv", "/a/../b": "/b"} {
		if got := normalizeRoot(in); got != want {
			t.Errorf("normalizeRoot(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("/tmp/it's here"); got != `'/tmp/it'\''s here'` {
		t.Errorf("shellQuote = %s", got)
	}
}
