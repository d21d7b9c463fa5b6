package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/thane-mesh/examples"
)

// runInit prepares a working directory for a hub or agent: the data
// directory, an example config and an example capability table.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Thane Mesh workspace in %s\n", dir)

	dbPath := filepath.Join(dir, "db")
	if err := os.MkdirAll(dbPath, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dbPath, err)
	}

	// The config may hold MQTT passwords and pairing tokens.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, examples.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	capsPath := filepath.Join(dir, "capabilities.yaml")
	if err := writeIfMissing(capsPath, examples.CapabilitiesYAML, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", capsPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml, then run \"thane-mesh serve\" on the hub")
	fmt.Fprintln(w, "and \"thane-mesh agent\" on each device.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
