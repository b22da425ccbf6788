package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/penhold/squire/internal/defaults"
)

// runInit seeds a working directory with the default config and
// persona files and creates the data directory. Existing files are
// left alone so re-running init never clobbers local edits.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	seeds := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		// Config may hold credentials once edited; keep it private.
		{"config.yaml", defaults.ConfigYAML, 0o600},
		{"persona.md", defaults.PersonaMD, 0o644},
	}
	for _, s := range seeds {
		path := filepath.Join(dir, s.name)
		created, err := writeIfMissing(path, s.data, s.mode)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(stdout, "created %s\n", path)
		} else {
			fmt.Fprintf(stdout, "kept    %s (already exists)\n", path)
		}
	}

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", dataDir, err)
	}
	fmt.Fprintf(stdout, "created %s%c\n", dataDir, os.PathSeparator)

	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Next steps:")
	fmt.Fprintf(stdout, "  1. Edit %s (add your user id and API keys)\n", filepath.Join(dir, "config.yaml"))
	fmt.Fprintln(stdout, "  2. Run `squire link` to pair with your chat account")
	fmt.Fprintln(stdout, "  3. Run `squire serve`")
	return nil
}

// writeIfMissing writes data to path unless the file already exists.
// It reports whether the file was created.
func writeIfMissing(path string, data []byte, mode os.FileMode) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
