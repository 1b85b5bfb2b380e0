package eventstore

import (
	"context"
	"fmt"
)

// EnqueuePendingWrite persists a queued-but-uncommitted write to the staging
// table, so a large addHistoricEvents batch doesn't have to be held entirely
// in the Writer's process memory between enqueue and commit.
func (s *Store) EnqueuePendingWrite(ctx context.Context, pw PendingWrite) error {
	sealed, err := s.sealContent([]byte(pw.Event.Content))
	if err != nil {
		return fmt.Errorf("encrypt pending write %s: %w", pw.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_writes (id, event_id, content_blob, profile_id, room_id, sender_id, event_type, ts, indexed_text, has_text, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pw.ID, pw.Event.EventID, sealed, pw.ProfileID, pw.Event.RoomID, pw.Event.Sender,
		pw.Event.Type, pw.Event.OriginServerTS, pw.IndexedText, boolToInt(pw.HasText), boolToInt(pw.Deleted),
	)
	if err != nil {
		return fmt.Errorf("enqueue pending write %s: %w", pw.ID, err)
	}
	return nil
}

// LoadPendingWrites returns every write staged since the last successful
// commit, in enqueue order, so the Writer can rebuild its queue after a
// restart between enqueue and commit.
func (s *Store) LoadPendingWrites(ctx context.Context) ([]PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, content_blob, profile_id, room_id, sender_id, event_type, ts, indexed_text, has_text, deleted
		 FROM pending_writes ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("load pending writes: %w", err)
	}
	defer rows.Close()

	var out []PendingWrite
	for rows.Next() {
		var pw PendingWrite
		var content []byte
		var indexedText *string
		var hasText, deleted int
		if err := rows.Scan(&pw.ID, &pw.Event.EventID, &content, &pw.ProfileID, &pw.Event.RoomID,
			&pw.Event.Sender, &pw.Event.Type, &pw.Event.OriginServerTS, &indexedText, &hasText, &deleted); err != nil {
			return nil, fmt.Errorf("scan pending write: %w", err)
		}
		plain, err := s.openContent(content)
		if err != nil {
			return nil, fmt.Errorf("decrypt pending write %s: %w", pw.ID, err)
		}
		pw.Event.Content = plain
		if indexedText != nil {
			pw.IndexedText = *indexedText
		}
		pw.HasText = hasText != 0
		pw.Deleted = deleted != 0
		out = append(out, pw)
	}
	return out, rows.Err()
}

// ClearPendingWrites removes every staged write after a successful commit
// has durably applied them to the events table.
func (s *Store) ClearPendingWrites(ctx context.Context, q Queryer) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM pending_writes`); err != nil {
		return fmt.Errorf("clear pending writes: %w", err)
	}
	return nil
}
