// Package util provides retry and atomic file helpers shared across packages.
package util

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// AtomicWriteJSON marshals v with two-space indentation and writes it atomically.
func AtomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	return AtomicWriteFile(path, data, 0644)
}

// AtomicWriteFile writes data to a temp file in the destination directory and
// renames it into place. Readers see either the old or the new content, never
// a partial write.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	parent := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(parent, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("renaming temp file: %w", err)
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("removing destination before rename: %w", rmErr)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			return fmt.Errorf("renaming temp file after remove: %w", err)
		}
	}
	cleanup = false

	if dir, err := os.Open(parent); err == nil { //nolint:gosec // G304: parent of caller-provided path
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}
