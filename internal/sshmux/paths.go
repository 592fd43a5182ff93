package sshmux

import (
	"fmt"
	"path"
	"strings"
)

// normalizeRoot turns the configured root into a clean absolute path.
func normalizeRoot(root string) string {
	if root == "" {
		return "/"
	}
	if !path.IsAbs(root) {
		root = "/" + root
	}
	return path.Clean(root)
}

// within reports whether the clean absolute path p is root or lies below it.
// The comparison is on whole path segments, so root /data does not admit
// /database.
func within(root, p string) bool {
	if root == "/" {
		return true
	}
	return p == root || strings.HasPrefix(p, root+"/")
}

// confinePath resolves p against cwd (or root when no cwd is tracked yet)
// and rejects the result when it escapes root. It never touches the network.
func confinePath(root, cwd, p string) (string, error) {
	if p == "" {
		p = "."
	}
	resolved := p
	if !path.IsAbs(p) {
		base := cwd
		if base == "" {
			base = root
		}
		resolved = path.Join(base, p)
	}
	resolved = path.Clean(resolved)
	if !within(root, resolved) {
		return "", fmt.Errorf("%w: path %q resolves to %q, which is outside the allowed root %q",
			ErrPermission, p, resolved, root)
	}
	return resolved, nil
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
