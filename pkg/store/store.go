// Package store is the relational collaborator of the vault engine: it opens
// the plaintext working copy as a SQLite database, initializes the CRM schema,
// and checkpoints the database so the file's bytes are complete before the
// engine reads them back for encryption.
//
// The engine treats this package as opaque beyond "a file on disk that must
// be checkpointed before being read back as bytes". The CRM business logic
// (search, dedup, reminders delivery) lives in the surrounding application
// and opens the same handle.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrSchemaInit indicates the CRM schema could not be created.
var ErrSchemaInit = errors.New("store: schema initialization failed")

// timeFormat matches the timestamp layout used throughout the CRM tables.
const timeFormat = "2006-01-02T15:04:05Z"

// Store wraps the SQLite connection to the working copy.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the SQLite database at path. A single connection is
// used: the engine is the only writer and this avoids "database is locked"
// errors in a local, interactive application.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the working-copy file path this store is bound to.
func (s *Store) Path() string {
	return s.path
}

// InitSchema creates the CRM tables, the FTS5 index and its triggers.
// All statements are idempotent, so calling it on an existing database is
// safe.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaInit, err)
	}
	return nil
}

// Checkpoint flushes all committed writes into the main database file so its
// bytes can be read back as a complete snapshot. In WAL mode this truncates
// the write-ahead log; in rollback-journal mode it is a no-op.
func (s *Store) Checkpoint(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("store: checkpoint failed: %w", err)
	}
	return rows.Close()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Contact is the minimal contact shape the engine-level tests and the setup
// path exercise. The full entity surface belongs to the CRM layer.
type Contact struct {
	ID        string
	FirstName string
	LastName  string
	Company   string
	Email     string
	CreatedAt string
	UpdatedAt string
}

// CreateContact inserts a contact and returns its generated ID.
func (s *Store) CreateContact(ctx context.Context, c Contact) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC().Format(timeFormat)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, first_name, last_name, company, email, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, c.FirstName, c.LastName, c.Company, c.Email, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("store: failed to insert contact: %w", err)
	}
	return id, nil
}

// CountContacts returns the number of contact rows.
func (s *Store) CountContacts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM contacts").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: failed to count contacts: %w", err)
	}
	return n, nil
}

// schema is the CRM schema of the working copy: tags, contacts, notes,
// reminders, interactions, and an FTS5 index over contacts kept in sync by
// triggers.
const schema = `
CREATE TABLE IF NOT EXISTS tags (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    color TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS contacts (
    id TEXT PRIMARY KEY,
    first_name TEXT NOT NULL DEFAULT '',
    last_name TEXT NOT NULL DEFAULT '',
    title TEXT,
    company TEXT,
    city TEXT,
    country TEXT,
    email TEXT,
    phone TEXT,
    linkedin_url TEXT,
    website TEXT,
    notes TEXT,
    last_touched_at TEXT,
    next_touch_at TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS contact_tags (
    contact_id TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
    tag_id TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
    PRIMARY KEY (contact_id, tag_id)
);

CREATE TABLE IF NOT EXISTS notes (
    id TEXT PRIMARY KEY,
    contact_id TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
    kind TEXT NOT NULL DEFAULT 'note',
    title TEXT,
    body TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS reminders (
    id TEXT PRIMARY KEY,
    contact_id TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
    note_id TEXT REFERENCES notes(id) ON DELETE SET NULL,
    title TEXT NOT NULL,
    due_at TEXT NOT NULL,
    snooze_until TEXT,
    recurring_days INTEGER,
    completed_at TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS interactions (
    id TEXT PRIMARY KEY,
    contact_id TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
    kind TEXT NOT NULL,
    happened_at TEXT NOT NULL,
    summary TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE VIRTUAL TABLE IF NOT EXISTS contacts_fts USING fts5(
    first_name, last_name, company, notes,
    content='contacts',
    content_rowid='rowid'
);
CREATE TRIGGER IF NOT EXISTS contacts_fts_insert AFTER INSERT ON contacts BEGIN
    INSERT INTO contacts_fts(rowid, first_name, last_name, company, notes)
    VALUES (new.rowid, new.first_name, new.last_name, new.company, new.notes);
END;
CREATE TRIGGER IF NOT EXISTS contacts_fts_update AFTER UPDATE ON contacts BEGIN
    INSERT INTO contacts_fts(contacts_fts, rowid, first_name, last_name, company, notes)
    VALUES ('delete', old.rowid, old.first_name, old.last_name, old.company, old.notes);
    INSERT INTO contacts_fts(rowid, first_name, last_name, company, notes)
    VALUES (new.rowid, new.first_name, new.last_name, new.company, new.notes);
END;
CREATE TRIGGER IF NOT EXISTS contacts_fts_delete AFTER DELETE ON contacts BEGIN
    INSERT INTO contacts_fts(contacts_fts, rowid, first_name, last_name, company, notes)
    VALUES ('delete', old.rowid, old.first_name, old.last_name, old.company, old.notes);
END;
`
