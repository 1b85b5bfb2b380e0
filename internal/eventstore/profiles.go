package eventstore

import (
	"context"
	"fmt"
)

// UpsertProfile returns the profile id for (displayname, avatar), creating a
// new row if this exact combination hasn't been seen before (spec.md §3
// invariant 4: profiles are never mutated in place). q is typically the
// Writer's in-flight transaction, so the profile upsert commits atomically
// with the event it is attached to.
func (s *Store) UpsertProfile(ctx context.Context, q Queryer, displayName, avatar string) (int64, error) {
	_, err := q.ExecContext(ctx,
		`INSERT INTO profiles (displayname, avatar) VALUES (?, ?)
		 ON CONFLICT(displayname, avatar) DO NOTHING`,
		nullable(displayName), nullable(avatar),
	)
	if err != nil {
		return 0, fmt.Errorf("upsert profile: %w", err)
	}

	var id int64
	err = q.QueryRowContext(ctx,
		`SELECT profile_id FROM profiles WHERE displayname IS ? AND avatar IS ?`,
		nullable(displayName), nullable(avatar),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("load profile id: %w", err)
	}
	return id, nil
}

// LoadProfile loads a profile row by id.
func (s *Store) LoadProfile(ctx context.Context, id int64) (Profile, error) {
	var p Profile
	var displayName, avatar *string
	err := s.db.QueryRowContext(ctx,
		`SELECT profile_id, displayname, avatar FROM profiles WHERE profile_id = ?`, id,
	).Scan(&p.ID, &displayName, &avatar)
	if err != nil {
		return Profile{}, fmt.Errorf("load profile: %w", err)
	}
	if displayName != nil {
		p.DisplayName = *displayName
	}
	if avatar != nil {
		p.AvatarURL = *avatar
	}
	return p, nil
}

// ProfileAt resolves the profile that was current for sender at referenceTS:
// the latest profile-bearing event for that sender with ts <= referenceTS,
// falling back to the earliest event for that sender if none precede it
// (spec.md §4.4 step 4, §8 profile-history invariant). Profile history is
// tracked per sender across all rooms, not per room.
func (s *Store) ProfileAt(ctx context.Context, senderID string, referenceTS int64) (Profile, error) {
	var profileID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT profile_id FROM events
		 WHERE sender_id = ? AND ts <= ?
		 ORDER BY ts DESC, event_id DESC LIMIT 1`,
		senderID, referenceTS,
	).Scan(&profileID)
	if err == errNoRows {
		err = s.db.QueryRowContext(ctx,
			`SELECT profile_id FROM events
			 WHERE sender_id = ?
			 ORDER BY ts ASC, event_id ASC LIMIT 1`,
			senderID,
		).Scan(&profileID)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("resolve profile for %s at %d: %w", senderID, referenceTS, err)
	}
	return s.LoadProfile(ctx, profileID)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
