// Package statestore provides a concurrency-safe, file-backed document store.
//
// A Store owns exactly one document on disk. Writers go through Update, which
// serializes on an exclusive advisory file lock, snapshots the previous content
// into a backup, and commits the new content with write-temp-then-rename.
// Readers never lock: the rename guarantees they observe either the old or the
// new content in full.
//
// Structural validation is advisory. Problems found in new content are logged
// and returned on the Document, but the write is still committed.
package statestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"

	"github.com/steveyegge/killswitch/internal/lock"
	"github.com/steveyegge/killswitch/internal/util"
)

var (
	// ErrAlreadyExists is returned by Initialize when the document exists.
	ErrAlreadyExists = errors.New("state document already exists")

	// ErrNotFound is returned by Read when no document has been initialized.
	ErrNotFound = errors.New("state document not found")

	// ErrLockTimeout matches lock contention that outlasted the retry budget.
	ErrLockTimeout = lock.ErrTimeout

	// ErrNoBackup is returned by Restore and LatestBackup when no backup exists.
	ErrNoBackup = errors.New("no backup available")
)

// DefaultMaxBackups is how many backup snapshots are kept per document.
const DefaultMaxBackups = 10

// Mutator computes new document content from the current content.
// current is nil when the document does not exist yet.
type Mutator func(current []byte) ([]byte, error)

// Checker inspects content and reports structural problems.
type Checker func(content []byte) []ValidationError

// Document is one committed version of the persisted document.
type Document struct {
	Content  []byte
	Checksum string
	ModTime  time.Time

	// Problems holds validation findings for the content. Populated by
	// Initialize and Update; Read leaves it empty.
	Problems []ValidationError
}

// Options configures a Store.
type Options struct {
	// Path is the document file.
	Path string

	// LockPath defaults to Path + ".lock".
	LockPath string

	// BackupDir defaults to <dir of Path>/backups.
	BackupDir string

	// MaxBackups defaults to DefaultMaxBackups.
	MaxBackups int

	// Schema is an optional JSON Schema every write is validated against.
	Schema []byte

	// Checkers run after the schema on every write.
	Checkers []Checker

	// LockPolicy bounds lock acquisition; defaults to lock.DefaultPolicy().
	LockPolicy util.RetryPolicy

	// Owner identifies this process on lock handles.
	Owner string

	// OnLockWait, if set, is called with the time spent acquiring the lock.
	OnLockWait func(time.Duration)

	Logger *slog.Logger
}

// Store is a single file-backed document.
type Store struct {
	opts   Options
	schema *jsonschema.Schema
	log    *slog.Logger
}

// New creates a Store. The document itself is not touched until Initialize or Update.
func New(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("statestore: path is required")
	}
	if opts.LockPath == "" {
		opts.LockPath = opts.Path + ".lock"
	}
	if opts.BackupDir == "" {
		opts.BackupDir = filepath.Join(filepath.Dir(opts.Path), "backups")
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = DefaultMaxBackups
	}
	if opts.LockPolicy.MaxAttempts <= 0 {
		opts.LockPolicy = lock.DefaultPolicy()
	}
	if opts.Owner == "" {
		host, _ := os.Hostname()
		opts.Owner = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{opts: opts, log: logger.With("component", "statestore", "path", opts.Path)}
	if len(opts.Schema) > 0 {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		schema, err := compiler.Compile(opts.Schema)
		if err != nil {
			return nil, fmt.Errorf("compiling state schema: %w", err)
		}
		s.schema = schema
	}
	return s, nil
}

// Path returns the document path.
func (s *Store) Path() string { return s.opts.Path }

// Dir returns the directory holding the document.
func (s *Store) Dir() string { return filepath.Dir(s.opts.Path) }

// Exists reports whether the document has been initialized.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.opts.Path)
	return err == nil
}

// Initialize creates the document with content. It fails with ErrAlreadyExists
// if a document is already present.
func (s *Store) Initialize(ctx context.Context, content []byte) (*Document, error) {
	if err := os.MkdirAll(s.Dir(), 0755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	var doc *Document
	err := s.withLock(ctx, func() error {
		if s.Exists() {
			return fmt.Errorf("%s: %w", s.opts.Path, ErrAlreadyExists)
		}
		problems := s.Validate(content)
		s.logProblems("initialize", problems)
		if err := util.AtomicWriteFile(s.opts.Path, content, 0644); err != nil {
			return fmt.Errorf("writing state document: %w", err)
		}
		doc = s.newDocument(content, problems)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Read returns the latest committed document without taking the lock.
func (s *Store) Read() (*Document, error) {
	data, err := os.ReadFile(s.opts.Path) //nolint:gosec // G304: path is owned by the store
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading state document: %w", err)
	}
	doc := &Document{Content: data, Checksum: Checksum(data)}
	if info, err := os.Stat(s.opts.Path); err == nil {
		doc.ModTime = info.ModTime()
	}
	return doc, nil
}

// Update applies mutator under the exclusive lock. The previous content, when
// present, is copied to a backup before the new content is committed. The lock
// is released on every exit path.
func (s *Store) Update(ctx context.Context, mutator Mutator) (*Document, error) {
	if err := os.MkdirAll(s.Dir(), 0755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	var doc *Document
	err := s.withLock(ctx, func() error {
		current, err := os.ReadFile(s.opts.Path) //nolint:gosec // G304: path is owned by the store
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("reading state document: %w", err)
			}
			current = nil
		}

		next, err := mutator(current)
		if err != nil {
			return err
		}

		problems := s.Validate(next)
		s.logProblems("update", problems)

		if current != nil {
			if _, err := s.backup(current); err != nil {
				return err
			}
		}
		if err := util.AtomicWriteFile(s.opts.Path, next, 0644); err != nil {
			return fmt.Errorf("writing state document: %w", err)
		}
		doc = s.newDocument(next, problems)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Restore rolls the document back to the newest backup. The content being
// replaced is itself backed up first.
func (s *Store) Restore(ctx context.Context) (*Document, error) {
	backups, err := s.Backups()
	if err != nil {
		return nil, err
	}
	if len(backups) == 0 {
		return nil, ErrNoBackup
	}
	newest := backups[len(backups)-1]
	content, err := os.ReadFile(newest) //nolint:gosec // G304: backup path is owned by the store
	if err != nil {
		return nil, fmt.Errorf("reading backup: %w", err)
	}
	s.log.Warn("restoring state document from backup", "backup", filepath.Base(newest))
	return s.Update(ctx, func([]byte) ([]byte, error) { return content, nil })
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	start := time.Now()
	h, err := lock.Acquire(ctx, s.opts.LockPath, s.opts.Owner, s.opts.LockPolicy)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			s.log.Warn("state lock contention exhausted retries", "error", err)
		}
		return err
	}
	if s.opts.OnLockWait != nil {
		s.opts.OnLockWait(time.Since(start))
	}
	defer func() {
		if err := h.Release(); err != nil {
			s.log.Error("releasing state lock", "error", err)
		}
	}()
	return fn()
}

func (s *Store) newDocument(content []byte, problems []ValidationError) *Document {
	doc := &Document{Content: content, Checksum: Checksum(content), Problems: problems}
	if info, err := os.Stat(s.opts.Path); err == nil {
		doc.ModTime = info.ModTime()
	}
	return doc
}

func (s *Store) logProblems(op string, problems []ValidationError) {
	for _, p := range problems {
		s.log.Warn("state document validation problem", "op", op, "location", p.Path, "problem", p.Message)
	}
}

// Checksum is the sha256 of the RFC 8785 canonical form of content, so that
// formatting differences do not change it. Non-JSON content is hashed raw.
func Checksum(content []byte) string {
	canonical, err := jcs.Transform(content)
	if err != nil {
		canonical = content
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
