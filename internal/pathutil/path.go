// Package pathutil expands user supplied filesystem paths (socket, record
// directory, key bundles, audit log).
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandUserAndEnv expands $VAR tokens and a leading "~/" in p. The result is
// not made absolute.
func ExpandUserAndEnv(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch {
	case len(p) == 1:
		return home, nil
	case p[1] == '/' || p[1] == '\\':
		return filepath.Join(home, p[2:]), nil
	default:
		return p, nil
	}
}

// EnsureParent creates the parent directory of path with owner-only
// permissions when it does not exist yet.
func EnsureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o700)
}
