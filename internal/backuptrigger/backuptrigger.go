// Package backuptrigger manages the filesystem fallback for the kill switch.
//
// When the event bus cannot deliver a trigger, the controller writes a marker
// file at a well-known path. Its mere presence means "triggered": agents check
// for it before starting and refuse to run while it exists. Recovery removes it.
package backuptrigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/steveyegge/killswitch/internal/util"
)

// DefaultFileName is the marker's file name inside the state directory.
const DefaultFileName = "backup_trigger.json"

// Record is the content of the marker file.
type Record struct {
	Reason    string    `json:"reason"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	TriggerID string    `json:"trigger_id"`
}

// DefaultPath returns the marker path inside stateDir.
func DefaultPath(stateDir string) string {
	return filepath.Join(stateDir, DefaultFileName)
}

// Write atomically creates or replaces the marker at path.
func Write(path string, rec Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating backup trigger directory: %w", err)
	}
	if err := util.AtomicWriteJSON(path, rec); err != nil {
		return fmt.Errorf("writing backup trigger: %w", err)
	}
	return nil
}

// Read returns the marker's record. A missing marker yields (nil, nil).
// A marker that exists but cannot be parsed is still a trigger: the returned
// record is empty and the error describes the parse failure.
func Read(path string) (*Record, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is configured by the operator
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backup trigger: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return &Record{}, fmt.Errorf("parsing backup trigger %s: %w", path, err)
	}
	return &rec, nil
}

// Exists reports whether the marker is present.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking backup trigger: %w", err)
}

// Clear removes the marker. Removing an absent marker is not an error.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clearing backup trigger: %w", err)
	}
	return nil
}

// ProbeWritable checks that a marker could be written next to path, without
// touching the marker itself.
func ProbeWritable(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("backup trigger directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".backup-trigger-probe-*")
	if err != nil {
		return fmt.Errorf("backup trigger directory not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("removing backup trigger probe: %w", err)
	}
	return nil
}
