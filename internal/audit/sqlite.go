package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"

	kberr "github.com/nickcecere/kbase/internal/errors"
)

// Log is a Recorder backed by a SQLite database file.
type Log struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the audit database at dbPath.
func Open(dbPath string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	log.Debug("Opened audit log", "path", dbPath)
	return &Log{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends an entry stamped with the current UTC time.
func (l *Log) Record(ctx context.Context, action string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return kberr.Wrap(err, kberr.CodeAuditWriteFailure, "encoding audit detail")
	}

	_, err = l.db.ExecContext(ctx,
		"INSERT INTO operations (timestamp, action, detail) VALUES (?, ?, ?)",
		l.now().UTC().Format(time.RFC3339Nano), action, string(raw))
	if err != nil {
		return kberr.Wrap(err, kberr.CodeAuditWriteFailure, "inserting audit entry", kberr.Field("action", action))
	}
	return nil
}

// List returns entries newest first.
func (l *Log) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	query := "SELECT id, timestamp, action, detail FROM operations"
	var args []any
	if opts.Action != "" {
		query += " WHERE action = ?"
		args = append(args, opts.Action)
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts, detail string
		if err := rows.Scan(&e.ID, &ts, &e.Action, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
			log.Warn("Unreadable audit detail", "id", e.ID, "error", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
