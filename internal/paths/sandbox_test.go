package paths

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestNewSandbox_Empty(t *testing.T) {
	if s := NewSandbox(nil); s != nil {
		t.Error("NewSandbox(nil) should return nil")
	}
	if s := NewSandbox([]string{}); s != nil {
		t.Error("NewSandbox(empty) should return nil")
	}
}

func TestNilSandbox_RejectsEverything(t *testing.T) {
	var s *Sandbox
	_, err := s.Resolve("/tmp/anything")
	if !errors.Is(err, ErrNoSandbox) {
		t.Errorf("nil sandbox Resolve error = %v, want ErrNoSandbox", err)
	}
	if s.Contains("/tmp/anything") {
		t.Error("nil sandbox should not contain anything")
	}
	if s.Roots() != nil {
		t.Error("nil sandbox Roots() should be nil")
	}
}

func TestResolve_InsideRoot(t *testing.T) {
	root := t.TempDir()
	s := NewSandbox([]string{root})

	got, err := s.Resolve(filepath.Join(root, "notes", "todo.md"))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	want := filepath.Join(root, "notes", "todo.md")
	if got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}
}

func TestResolve_RelativeUsesFirstRoot(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	s := NewSandbox([]string{root, other})

	got, err := s.Resolve("notes/todo.md")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	want := filepath.Join(root, "notes", "todo.md")
	if got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}
}

func TestResolve_TraversalRejected(t *testing.T) {
	root := t.TempDir()
	s := NewSandbox([]string{root})

	cases := []string{
		"../etc/passwd",
		filepath.Join(root, "..", "escape"),
		"/etc/passwd",
		"nested/../../../etc/passwd",
	}
	for _, p := range cases {
		if _, err := s.Resolve(p); !errors.Is(err, ErrOutsideRoot) {
			t.Errorf("Resolve(%q) error = %v, want ErrOutsideRoot", p, err)
		}
	}
}

func TestResolve_DotDotWithinRoot(t *testing.T) {
	root := t.TempDir()
	s := NewSandbox([]string{root})

	// ".." that stays inside the root after cleaning is fine.
	got, err := s.Resolve(filepath.Join(root, "a", "..", "b.txt"))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got != filepath.Join(root, "b.txt") {
		t.Errorf("Resolve() = %q, want %q", got, filepath.Join(root, "b.txt"))
	}
}

func TestResolve_SecondRoot(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	s := NewSandbox([]string{first, second})

	got, err := s.Resolve(filepath.Join(second, "doc.txt"))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got != filepath.Join(second, "doc.txt") {
		t.Errorf("Resolve() = %q", got)
	}
}

func TestResolve_RootItself(t *testing.T) {
	root := t.TempDir()
	s := NewSandbox([]string{root})

	got, err := s.Resolve(root)
	if err != nil {
		t.Fatalf("Resolve(root) error: %v", err)
	}
	if got != root {
		t.Errorf("Resolve(root) = %q, want %q", got, root)
	}
}

func TestContains(t *testing.T) {
	root := t.TempDir()
	s := NewSandbox([]string{root})

	if !s.Contains(filepath.Join(root, "x")) {
		t.Error("expected path inside root to be contained")
	}
	if s.Contains("/etc/passwd") {
		t.Error("expected /etc/passwd to be outside")
	}
}
