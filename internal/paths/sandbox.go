// Package paths guards filesystem access for the file tools. A
// [Sandbox] is built from the configured allow-list of directory roots;
// every path a tool touches must resolve inside one of them. It is
// nil-safe: a nil *Sandbox rejects everything, so callers need no guard
// checks when file access is not configured.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a path escapes every allowed root.
var ErrOutsideRoot = errors.New("path escapes allowed directories")

// ErrNoSandbox is returned when no allowed directories are configured.
var ErrNoSandbox = errors.New("file access is not configured")

// Sandbox restricts paths to a set of allowed directory roots.
type Sandbox struct {
	roots []string // absolute, cleaned
}

// NewSandbox creates a Sandbox from configured directory roots. Home
// directory tildes (~) are expanded at construction time and each root
// is made absolute. Returns nil if dirs is empty — the nil Sandbox
// rejects all paths.
func NewSandbox(dirs []string) *Sandbox {
	if len(dirs) == 0 {
		return nil
	}
	roots := make([]string, 0, len(dirs))
	for _, d := range dirs {
		d = expandHome(d)
		abs, err := filepath.Abs(d)
		if err != nil {
			continue
		}
		roots = append(roots, filepath.Clean(abs))
	}
	if len(roots) == 0 {
		return nil
	}
	return &Sandbox{roots: roots}
}

// Resolve validates p and returns its absolute form. Relative paths are
// resolved against the first root (the primary workspace). Paths that
// lexically escape every root — including via ".." segments — are
// rejected with [ErrOutsideRoot] before any filesystem access.
func (s *Sandbox) Resolve(p string) (string, error) {
	if s == nil {
		return "", ErrNoSandbox
	}
	p = expandHome(p)
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.roots[0], p)
	}
	p = filepath.Clean(p)

	for _, root := range s.roots {
		if within(root, p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
}

// Contains reports whether p (after cleaning) falls inside any root.
func (s *Sandbox) Contains(p string) bool {
	_, err := s.Resolve(p)
	return err == nil
}

// Roots returns the allowed roots, for documentation and diagnostics.
func (s *Sandbox) Roots() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.roots))
	copy(out, s.roots)
	return out
}

// within reports whether path is root itself or lexically below it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
