package eventstore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// CurrentVersion is the schema version this package's DDL produces. It is
// distinct from Index.FormatVersion (internal/searchindex) — one versions the
// relational schema, the other the full-text index's on-disk layout.
const CurrentVersion = 1

// OpenDB opens the SQLite database at path, enabling foreign keys and WAL
// journaling the way the teacher's schema.OpenDB does.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	return db, nil
}

// InitDB creates the schema for a fresh database.
func InitDB(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tables := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS rooms (
			room_id     TEXT PRIMARY KEY,
			event_count INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS profiles (
			profile_id  INTEGER PRIMARY KEY AUTOINCREMENT,
			displayname TEXT,
			avatar      TEXT,
			UNIQUE(displayname, avatar)
		)`,

		`CREATE TABLE IF NOT EXISTS events (
			event_id     TEXT PRIMARY KEY,
			room_id      TEXT NOT NULL,
			sender_id    TEXT NOT NULL,
			profile_id   INTEGER NOT NULL,
			ts           INTEGER NOT NULL,
			type         TEXT NOT NULL,
			content_blob BLOB NOT NULL,
			deleted      INTEGER NOT NULL DEFAULT 0,
			stamp        INTEGER NOT NULL,
			FOREIGN KEY (profile_id) REFERENCES profiles(profile_id)
		)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			room_id    TEXT NOT NULL,
			token      TEXT NOT NULL,
			direction  TEXT NOT NULL,
			full_crawl INTEGER NOT NULL,
			PRIMARY KEY (room_id, token, direction, full_crawl)
		)`,

		`CREATE TABLE IF NOT EXISTS pending_writes (
			id           TEXT PRIMARY KEY,
			event_id     TEXT NOT NULL,
			content_blob BLOB NOT NULL,
			profile_id   INTEGER NOT NULL,
			room_id      TEXT NOT NULL,
			sender_id    TEXT NOT NULL,
			event_type   TEXT NOT NULL,
			ts           INTEGER NOT NULL,
			indexed_text TEXT,
			has_text     INTEGER NOT NULL,
			deleted      INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range tables {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_events_room_ts ON events(room_id, ts, event_id)",
		"CREATE INDEX IF NOT EXISTS idx_events_sender ON events(sender_id, ts)",
		"CREATE INDEX IF NOT EXISTS idx_events_stamp ON events(stamp)",
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_room ON checkpoints(room_id)",
	}
	for _, stmt := range indexes {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`,
		fmt.Sprintf("%d", CurrentVersion),
	); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	return tx.Commit()
}

// Migrate initializes the schema if it doesn't exist yet. There is only one
// schema version so far; this is the hook future migrations attach to,
// following the teacher's runMigrations shape in internal/schema/schema.go.
func Migrate(db *sql.DB) error {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='meta'").Scan(&name)
	if err == sql.ErrNoRows {
		return InitDB(db)
	}
	if err != nil {
		return fmt.Errorf("check meta table: %w", err)
	}
	return nil
}
