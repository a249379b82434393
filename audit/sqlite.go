package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLite stores audit events in a local database so they can be queried.
type SQLite struct {
	db *sqlx.DB
}

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL,
	run        TEXT NOT NULL DEFAULT '',
	event      TEXT NOT NULL,
	uid        INTEGER NOT NULL DEFAULT 0,
	sender     TEXT NOT NULL DEFAULT '',
	fields     TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_audit_events_created ON audit_events(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_events_event ON audit_events(event);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// NewSQLite opens (or creates) the database at path and applies pending
// migrations. ":memory:" is accepted.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLite) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLite) Record(ctx context.Context, e Event) error {
	e = fill(e)
	fields := "{}"
	if len(e.Fields) > 0 {
		b, err := json.Marshal(e.Fields)
		if err != nil {
			return fmt.Errorf("encode audit fields: %w", err)
		}
		fields = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, created_at, run, event, uid, sender, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time, e.Run, e.Name, int64(e.UID), e.Sender, fields,
	)
	if err != nil {
		return fmt.Errorf("recording audit event %s: %w", e.Name, err)
	}
	return nil
}

type eventRow struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	Run       string    `db:"run"`
	Event     string    `db:"event"`
	UID       int64     `db:"uid"`
	Sender    string    `db:"sender"`
	Fields    string    `db:"fields"`
}

// Recent returns up to limit events, newest first.
func (s *SQLite) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, created_at, run, event, uid, sender, fields
		FROM audit_events
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		e := Event{
			ID:     r.ID,
			Time:   r.CreatedAt,
			Run:    r.Run,
			Name:   r.Event,
			UID:    uint32(r.UID),
			Sender: r.Sender,
		}
		if r.Fields != "" && r.Fields != "{}" {
			if err := json.Unmarshal([]byte(r.Fields), &e.Fields); err != nil {
				return nil, fmt.Errorf("decoding fields of %s: %w", r.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
