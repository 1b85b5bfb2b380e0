package eventstore

import (
	"context"
	"fmt"
	"os"
)

// Stats returns the event/room counts and the on-disk size of the event
// store's SQLite file (spec.md §C statistics; getSize/getStats).
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE deleted = 0`).Scan(&st.EventCount)
	if err != nil {
		return Stats{}, fmt.Errorf("count events: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms`).Scan(&st.RoomCount)
	if err != nil {
		return Stats{}, fmt.Errorf("count rooms: %w", err)
	}

	info, err := os.Stat(s.path)
	if err != nil {
		return Stats{}, fmt.Errorf("stat %s: %w", s.path, err)
	}
	st.SizeBytes = info.Size()

	for _, suffix := range []string{"-wal", "-shm"} {
		if info, err := os.Stat(s.path + suffix); err == nil {
			st.SizeBytes += info.Size()
		}
	}
	return st, nil
}

// IsEmpty reports whether the event store holds no non-deleted events yet.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE deleted = 0 LIMIT 1`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check empty: %w", err)
	}
	return n == 0, nil
}

// IsRoomIndexed reports whether any event for roomID has been committed.
func (s *Store) IsRoomIndexed(ctx context.Context, roomID string) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE room_id = ? LIMIT 1`, roomID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check room indexed: %w", err)
	}
	return n > 0, nil
}
