package eventstore

import (
	"context"
	"fmt"
	"strconv"
)

// indexVersionKey is a meta row distinct from schema_version: it records
// the full-text index's on-disk format version, so Seshat can tell a
// compatible index apart from one that needs rebuilding (spec.md §4.1,
// §4.5 recovery trigger).
const indexVersionKey = "index_version"

// ReadIndexVersion returns the index format version last recorded, and
// false if no index has ever been built against this event store.
func (s *Store) ReadIndexVersion(ctx context.Context) (int, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, indexVersionKey,
	).Scan(&raw)
	if err == errNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read index version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("parse index version %q: %w", raw, err)
	}
	return v, true, nil
}

// WriteIndexVersion records the index format version, called after a
// recovery pass rebuilds the index from scratch.
func (s *Store) WriteIndexVersion(ctx context.Context, version int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		indexVersionKey, strconv.Itoa(version),
	)
	if err != nil {
		return fmt.Errorf("write index version: %w", err)
	}
	return nil
}
