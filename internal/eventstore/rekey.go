package eventstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtx-seshat/seshat/internal/cryptutil"
)

// Rekey re-encrypts every event's content_blob under newPassphrase (empty
// disables encryption), called by ChangePassphrase alongside the Index's own
// re-keying. It must run with no writer commits in flight.
func (s *Store) Rekey(ctx context.Context, newPassphrase string) error {
	var newSealer *cryptutil.Sealer
	saltPath := filepath.Join(s.dbDir, "events.salt")
	if newPassphrase != "" {
		salt, err := cryptutil.NewSalt()
		if err != nil {
			return fmt.Errorf("generate new salt: %w", err)
		}
		newSealer, err = cryptutil.NewSealer(newPassphrase, salt)
		if err != nil {
			return fmt.Errorf("build new sealer: %w", err)
		}
		if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
			return fmt.Errorf("persist new salt: %w", err)
		}
	} else {
		_ = os.Remove(saltPath)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT event_id, content_blob FROM events`)
	if err != nil {
		return fmt.Errorf("load events for rekey: %w", err)
	}
	type row struct {
		id      string
		content []byte
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.content); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan event for rekey: %w", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate events for rekey: %w", err)
	}
	_ = rows.Close()

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin rekey transaction: %w", err)
	}
	for _, r := range all {
		plain, err := s.openContent(r.content)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("decrypt %s for rekey: %w", r.id, err)
		}
		var sealed []byte
		if newSealer != nil {
			sealed, err = newSealer.Seal(plain)
		} else {
			sealed = plain
		}
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encrypt %s for rekey: %w", r.id, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE events SET content_blob = ? WHERE event_id = ?`, sealed, r.id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("rewrite %s for rekey: %w", r.id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rekey transaction: %w", err)
	}

	s.sealer = newSealer
	return nil
}
