// Package audit keeps an append-only SQLite ledger of kill switch activity.
//
// The state document records only the current trigger and a bounded recovery
// history. The ledger keeps every trigger, acknowledgment, force kill,
// recovery test and recovery, so an operator can reconstruct an incident
// after the document has moved on.
package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// currentSchemaVersion is recorded in PRAGMA user_version.
const currentSchemaVersion = 1

// Kind names a ledger event.
type Kind string

const (
	KindTrigger         Kind = "trigger"
	KindBroadcast       Kind = "broadcast"
	KindBackupTrigger   Kind = "backup_trigger"
	KindAck             Kind = "ack"
	KindVerify          Kind = "verify"
	KindForceKill       Kind = "force_kill"
	KindComplianceFail  Kind = "compliance_failure"
	KindRecoveryTest    Kind = "recovery_test"
	KindRecover         Kind = "recover"
	KindAgentRegister   Kind = "agent_register"
	KindAgentDeregister Kind = "agent_deregister"
	KindRestore         Kind = "restore"
)

// Entry is one ledger row.
type Entry struct {
	Seq        int64
	RecordedAt time.Time
	Kind       Kind
	TriggerID  string
	State      string
	Actor      string
	Detail     string
	Attrs      map[string]string
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	TriggerID string
	Kind      Kind
	Limit     int
}

// Ledger is the SQLite-backed audit log.
// Uses WAL mode so status readers do not block the controller's writes.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the ledger at path. Use ":memory:" for a throwaway
// ledger in tests.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record appends e. RecordedAt defaults to now.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.Kind == "" {
		return fmt.Errorf("audit entry kind is required")
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = l.now()
	}
	attrs := []byte("{}")
	if len(e.Attrs) > 0 {
		var err error
		attrs, err = json.Marshal(e.Attrs)
		if err != nil {
			return fmt.Errorf("encoding audit attrs: %w", err)
		}
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (recorded_at, kind, trigger_id, state, actor, detail, attrs)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RecordedAt.UTC().Format(time.RFC3339Nano), string(e.Kind), e.TriggerID, e.State, e.Actor, e.Detail, string(attrs),
	)
	if err != nil {
		return fmt.Errorf("recording audit %s: %w", e.Kind, err)
	}
	return nil
}

// List returns matching entries oldest first. A positive Limit keeps the
// newest Limit entries.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.TriggerID != "" {
		where = append(where, "trigger_id = ?")
		args = append(args, f.TriggerID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}

	query := "SELECT seq, recorded_at, kind, trigger_id, state, actor, detail, attrs FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			recordedAt, attrs string
			kind              string
		)
		if err := rows.Scan(&e.Seq, &recordedAt, &kind, &e.TriggerID, &e.State, &e.Actor, &e.Detail, &attrs); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		e.Kind = Kind(kind)
		e.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing audit timestamp %q: %w", recordedAt, err)
		}
		if attrs != "" && attrs != "{}" {
			if err := json.Unmarshal([]byte(attrs), &e.Attrs); err != nil {
				return nil, fmt.Errorf("decoding audit attrs: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist. Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
