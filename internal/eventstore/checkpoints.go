package eventstore

import (
	"context"
	"fmt"
)

// UpsertCheckpoint records a crawler checkpoint, replacing any previous
// checkpoint recorded under the same (room, token, direction, full_crawl)
// key (spec.md §4.1 checkpoint operations).
func (s *Store) UpsertCheckpoint(ctx context.Context, q Queryer, c Checkpoint) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO checkpoints (room_id, token, direction, full_crawl) VALUES (?, ?, ?, ?)
		 ON CONFLICT(room_id, token, direction, full_crawl) DO NOTHING`,
		c.RoomID, c.Token, string(c.Direction), boolToInt(c.FullCrawl),
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint for room %s: %w", c.RoomID, err)
	}
	return nil
}

// DeleteCheckpoint removes a previously stored checkpoint. It is not an
// error to delete one that doesn't exist.
func (s *Store) DeleteCheckpoint(ctx context.Context, q Queryer, c Checkpoint) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE room_id = ? AND token = ? AND direction = ? AND full_crawl = ?`,
		c.RoomID, c.Token, string(c.Direction), boolToInt(c.FullCrawl),
	)
	if err != nil {
		return fmt.Errorf("delete checkpoint for room %s: %w", c.RoomID, err)
	}
	return nil
}

// LoadCheckpoints enumerates every stored checkpoint, across all rooms.
func (s *Store) LoadCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, token, direction, full_crawl FROM checkpoints ORDER BY room_id, token`)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var c Checkpoint
		var direction string
		var fullCrawl int
		if err := rows.Scan(&c.RoomID, &c.Token, &direction, &fullCrawl); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		c.Direction = Direction(direction)
		c.FullCrawl = fullCrawl != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
