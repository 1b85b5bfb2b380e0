package eventstore

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertEvent writes an event row (creating the room's row on first sight of
// a room and bumping its event counter on every new insert) within q, which is normally the Writer's commit
// transaction. A second insert of the same event id is a silent no-op per
// spec.md §3 invariant 3 / §4.1 uniqueness-conflict semantics; the caller is
// told via the returned bool whether the row was newly inserted.
func (s *Store) InsertEvent(ctx context.Context, q Queryer, e Event, profileID, stamp int64) (inserted bool, err error) {
	sealed, err := s.sealContent([]byte(e.Content))
	if err != nil {
		return false, fmt.Errorf("encrypt content for %s: %w", e.EventID, err)
	}
	res, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (event_id, room_id, sender_id, profile_id, ts, type, content_blob, deleted, stamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		e.EventID, e.RoomID, e.Sender, profileID, e.OriginServerTS, e.Type, sealed, stamp,
	)
	if err != nil {
		return false, fmt.Errorf("insert event %s: %w", e.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event %s: rows affected: %w", e.EventID, err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := q.ExecContext(ctx,
		`INSERT INTO rooms (room_id, event_count) VALUES (?, 1)
		 ON CONFLICT(room_id) DO UPDATE SET event_count = event_count + 1`,
		e.RoomID,
	); err != nil {
		return false, fmt.Errorf("bump room counter for %s: %w", e.RoomID, err)
	}
	return true, nil
}

// MarkDeleted marks an event as deleted. Returns whether a row was affected
// (i.e. whether the event existed and was not already deleted).
func (s *Store) MarkDeleted(ctx context.Context, q Queryer, eventID string) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE events SET deleted = 1 WHERE event_id = ? AND deleted = 0`, eventID,
	)
	if err != nil {
		return false, fmt.Errorf("mark deleted %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark deleted %s: rows affected: %w", eventID, err)
	}
	return n > 0, nil
}

func (s *Store) scanEvent(rows interface {
	Scan(dest ...any) error
}) (Event, int64, bool, error) {
	var e Event
	var content []byte
	var deleted int
	if err := rows.Scan(&e.EventID, &e.RoomID, &e.Sender, &e.OriginServerTS, &e.Type, &content, &deleted); err != nil {
		return Event{}, 0, false, err
	}
	plain, err := s.openContent(content)
	if err != nil {
		return Event{}, 0, false, fmt.Errorf("decrypt content for %s: %w", e.EventID, err)
	}
	e.Content = plain
	return e, 0, deleted != 0, nil
}

// LoadEvents bulk-loads events by id, preserving the order of ids (spec.md
// §4.4 step 2: "bulk-load the matching events... preserving order").
// Deleted events are omitted.
func (s *Store) LoadEvents(ctx context.Context, ids []string) ([]Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	byID := make(map[string]Event, len(ids))
	for _, id := range ids {
		rows, err := s.db.QueryContext(ctx,
			`SELECT event_id, room_id, sender_id, ts, type, content_blob, deleted
			 FROM events WHERE event_id = ?`, id)
		if err != nil {
			return nil, fmt.Errorf("load event %s: %w", id, err)
		}
		if rows.Next() {
			e, _, deleted, err := s.scanEvent(rows)
			_ = rows.Close()
			if err != nil {
				return nil, fmt.Errorf("scan event %s: %w", id, err)
			}
			if !deleted {
				byID[id] = e
			}
		} else {
			_ = rows.Close()
		}
	}
	out := make([]Event, 0, len(ids))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Before returns up to limit non-deleted events in roomID with
// (ts, event_id) strictly less than (ts, eventID), ordered ascending by
// (ts, event_id) — the tail of that slice is the events immediately
// preceding the reference point (spec.md §4.4 step 3).
func (s *Store) Before(ctx context.Context, roomID string, ts int64, eventID string, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, room_id, sender_id, ts, type, content_blob, deleted FROM events
		 WHERE room_id = ? AND deleted = 0 AND (ts < ? OR (ts = ? AND event_id < ?))
		 ORDER BY ts DESC, event_id DESC LIMIT ?`,
		roomID, ts, ts, eventID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load before-context: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		e, _, _, err := s.scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan before-context: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

// After returns up to limit non-deleted events in roomID with
// (ts, event_id) strictly greater than (ts, eventID), ordered ascending.
func (s *Store) After(ctx context.Context, roomID string, ts int64, eventID string, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, room_id, sender_id, ts, type, content_blob, deleted FROM events
		 WHERE room_id = ? AND deleted = 0 AND (ts > ? OR (ts = ? AND event_id > ?))
		 ORDER BY ts ASC, event_id ASC LIMIT ?`,
		roomID, ts, ts, eventID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load after-context: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		e, _, _, err := s.scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan after-context: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func reverse(es []Event) {
	for i, j := 0, len(es)-1; i < j; i, j = i+1, j-1 {
		es[i], es[j] = es[j], es[i]
	}
}

// RoomPage loads a direction-ordered page of events in a room, for
// loadFileEvents (spec.md §6).
func (s *Store) RoomPage(ctx context.Context, roomID string, limit int, fromEventTS int64, fromEventID string, haveFrom bool, backward bool) ([]Event, error) {
	var rows *sql.Rows
	var err error
	switch {
	case backward && haveFrom:
		rows, err = s.db.QueryContext(ctx,
			`SELECT event_id, room_id, sender_id, ts, type, content_blob, deleted FROM events
			 WHERE room_id = ? AND deleted = 0 AND (ts < ? OR (ts = ? AND event_id < ?))
			 ORDER BY ts DESC, event_id DESC LIMIT ?`,
			roomID, fromEventTS, fromEventTS, fromEventID, limit)
	case backward:
		rows, err = s.db.QueryContext(ctx,
			`SELECT event_id, room_id, sender_id, ts, type, content_blob, deleted FROM events
			 WHERE room_id = ? AND deleted = 0
			 ORDER BY ts DESC, event_id DESC LIMIT ?`,
			roomID, limit)
	case haveFrom:
		rows, err = s.db.QueryContext(ctx,
			`SELECT event_id, room_id, sender_id, ts, type, content_blob, deleted FROM events
			 WHERE room_id = ? AND deleted = 0 AND (ts > ? OR (ts = ? AND event_id > ?))
			 ORDER BY ts ASC, event_id ASC LIMIT ?`,
			roomID, fromEventTS, fromEventTS, fromEventID, limit)
	default:
		rows, err = s.db.QueryContext(ctx,
			`SELECT event_id, room_id, sender_id, ts, type, content_blob, deleted FROM events
			 WHERE room_id = ? AND deleted = 0
			 ORDER BY ts ASC, event_id ASC LIMIT ?`,
			roomID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("load room page: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		e, _, _, err := s.scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room page: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastStamp returns the highest commit stamp recorded, or 0 if the store
// has never committed anything.
func (s *Store) LastStamp(ctx context.Context) (int64, error) {
	var stamp sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(stamp) FROM events`).Scan(&stamp)
	if err != nil {
		return 0, fmt.Errorf("load last stamp: %w", err)
	}
	if !stamp.Valid {
		return 0, nil
	}
	return stamp.Int64, nil
}

// ExistingEventIDs reports, of ids, which already have a (possibly deleted)
// row in the store. Used by AddHistoricEvents to report whether a batch was
// entirely redundant.
func (s *Store) ExistingEventIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		var found int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE event_id = ?`, id).Scan(&found)
		if err == nil {
			out[id] = true
		} else if err != errNoRows {
			return nil, fmt.Errorf("check existing event %s: %w", id, err)
		}
	}
	return out, nil
}

// StreamAllEvents walks every non-deleted event in insertion (rowid) order,
// invoking fn in batches of batchSize. Used by Recovery to rebuild the
// index from the authoritative store (spec.md §4.5).
func (s *Store) StreamAllEvents(ctx context.Context, batchSize int, fn func(batch []Event) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	var lastRowID int64
	for {
		rows, err := s.db.QueryContext(ctx,
			`SELECT rowid, event_id, room_id, sender_id, ts, type, content_blob, deleted
			 FROM events WHERE deleted = 0 AND rowid > ?
			 ORDER BY rowid ASC LIMIT ?`, lastRowID, batchSize)
		if err != nil {
			return fmt.Errorf("stream events: %w", err)
		}
		var batch []Event
		for rows.Next() {
			var e Event
			var content []byte
			var deleted int
			var rowID int64
			if err := rows.Scan(&rowID, &e.EventID, &e.RoomID, &e.Sender, &e.OriginServerTS, &e.Type, &content, &deleted); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan stream event: %w", err)
			}
			plain, err := s.openContent(content)
			if err != nil {
				_ = rows.Close()
				return fmt.Errorf("decrypt content for %s: %w", e.EventID, err)
			}
			e.Content = plain
			batch = append(batch, e)
			lastRowID = rowID
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
	}
}
