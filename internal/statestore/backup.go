package statestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/steveyegge/killswitch/internal/util"
)

const backupSuffix = ".bak"

// backup snapshots content into the backup directory and prunes old snapshots.
// Must be called with the store lock held.
func (s *Store) backup(content []byte) (string, error) {
	if err := os.MkdirAll(s.opts.BackupDir, 0755); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}

	base := filepath.Base(s.opts.Path)
	stamp := time.Now().UTC().UnixNano()
	var path string
	for {
		path = filepath.Join(s.opts.BackupDir, fmt.Sprintf("%s.%020d%s", base, stamp, backupSuffix))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		stamp++
	}

	if err := util.AtomicWriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("writing backup: %w", err)
	}
	if err := s.pruneBackups(); err != nil {
		s.log.Warn("pruning state backups", "error", err)
	}
	return path, nil
}

// Backups lists backup snapshots for this document, oldest first.
func (s *Store) Backups() ([]string, error) {
	pattern := filepath.Join(s.opts.BackupDir, filepath.Base(s.opts.Path)+".*"+backupSuffix)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	// Zero-padded timestamps sort lexically in time order.
	sort.Strings(matches)
	return matches, nil
}

// LatestBackup returns the newest backup snapshot.
func (s *Store) LatestBackup() (*Document, error) {
	backups, err := s.Backups()
	if err != nil {
		return nil, err
	}
	if len(backups) == 0 {
		return nil, ErrNoBackup
	}
	newest := backups[len(backups)-1]
	data, err := os.ReadFile(newest) //nolint:gosec // G304: backup path is owned by the store
	if err != nil {
		return nil, fmt.Errorf("reading backup: %w", err)
	}
	doc := &Document{Content: data, Checksum: Checksum(data)}
	if info, err := os.Stat(newest); err == nil {
		doc.ModTime = info.ModTime()
	}
	return doc, nil
}

func (s *Store) pruneBackups() error {
	backups, err := s.Backups()
	if err != nil {
		return err
	}
	excess := len(backups) - s.opts.MaxBackups
	for i := 0; i < excess; i++ {
		if err := os.Remove(backups[i]); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
