// Package files implements the file tools: read, write, edit and list
// inside the configured allow-listed directory roots. All path checks
// go through the paths sandbox; nothing here touches the filesystem
// until a path has resolved inside an allowed root.
package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/penhold/squire/internal/paths"
)

// DefaultMaxReadBytes caps how much of a file a single read returns.
const DefaultMaxReadBytes = 50 * 1024

// Service performs sandboxed file operations.
type Service struct {
	sandbox      *paths.Sandbox
	maxReadBytes int
}

// NewService creates a file service over the given sandbox. A nil
// sandbox is valid and rejects every operation.
func NewService(sandbox *paths.Sandbox) *Service {
	return &Service{
		sandbox:      sandbox,
		maxReadBytes: DefaultMaxReadBytes,
	}
}

// Enabled reports whether any allowed roots are configured.
func (s *Service) Enabled() bool {
	return s.sandbox != nil
}

// Roots returns the allowed directory roots.
func (s *Service) Roots() []string {
	return s.sandbox.Roots()
}

// Read returns file content. offset and limit select a 1-indexed line
// window; zero values mean the whole file. Oversized content is cut at
// the byte cap with a pointer to the window parameters.
func (s *Service) Read(path string, offset, limit int) (string, error) {
	abs, err := s.sandbox.Resolve(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	if !utf8.Valid(data) {
		return fmt.Sprintf("Binary file, %d bytes.", len(data)), nil
	}
	content := string(data)

	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")
		start := 0
		if offset > 0 {
			start = offset - 1
		}
		if start >= len(lines) {
			return "", fmt.Errorf("offset %d exceeds file length (%d lines)", offset, len(lines))
		}
		end := len(lines)
		if limit > 0 && start+limit < end {
			end = start + limit
		}
		content = strings.Join(lines[start:end], "\n")
		if start > 0 || end < len(lines) {
			content = fmt.Sprintf("[Lines %d-%d of %d]\n%s", start+1, end, len(lines), content)
		}
	}

	if len(content) > s.maxReadBytes {
		cut := s.maxReadBytes
		// Do not split a multi-byte rune at the cap.
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut] + "\n\n[truncated, use offset and limit to read more]"
	}
	return content, nil
}

// Write stores content at path, creating parent directories inside the
// sandbox as needed.
func (s *Service) Write(path, content string) error {
	abs, err := s.sandbox.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Edit replaces oldText with newText in the file at path. The match
// must be unique; an ambiguous match is refused rather than guessed at.
func (s *Service) Edit(path, oldText, newText string) error {
	abs, err := s.sandbox.Resolve(path)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file not found: %s", path)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	content := string(data)

	switch n := strings.Count(content, oldText); {
	case n == 0:
		return fmt.Errorf("text to replace not found in %s", path)
	case n > 1:
		return fmt.Errorf("text to replace appears %d times in %s; include more surrounding context", n, path)
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// List returns directory entries at path. Directories carry a trailing
// slash. Entries come back in the lexical order os.ReadDir guarantees.
func (s *Service) List(path string) ([]string, error) {
	abs, err := s.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", path)
		}
		return nil, fmt.Errorf("list %s: %w", path, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}
