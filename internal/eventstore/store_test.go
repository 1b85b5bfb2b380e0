package eventstore_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mtx-seshat/seshat/internal/eventstore"
)

func openTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := eventstore.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustEvent(t *testing.T, id, room, sender string, ts int64, body string) eventstore.Event {
	t.Helper()
	content, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		t.Fatalf("marshal content: %v", err)
	}
	return eventstore.Event{
		EventID:        id,
		RoomID:         room,
		Sender:         sender,
		OriginServerTS: ts,
		Type:           "m.room.message",
		Content:        content,
	}
}

func TestInsertEventIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	profileID, err := s.UpsertProfile(ctx, tx, "Alice", "")
	if err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
	e := mustEvent(t, "$e1", "!r:x", "@alice:x", 1, "Hello world")

	inserted, err := s.InsertEvent(ctx, tx, e, profileID, 1)
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if !inserted {
		t.Fatalf("expected first insert to report inserted=true")
	}

	inserted, err = s.InsertEvent(ctx, tx, e, profileID, 2)
	if err != nil {
		t.Fatalf("re-insert event: %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate insert to report inserted=false")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	loaded, err := s.LoadEvents(ctx, []string{"$e1"})
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 event, got %d", len(loaded))
	}
}

func TestMarkDeleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	profileID, err := s.UpsertProfile(ctx, tx, "Bob", "")
	if err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
	e := mustEvent(t, "$e2", "!r:x", "@bob:x", 1, "Goodbye")
	if _, err := s.InsertEvent(ctx, tx, e, profileID, 1); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	ok, err := s.MarkDeleted(ctx, s.DB(), "$e2")
	if err != nil {
		t.Fatalf("mark deleted: %v", err)
	}
	if !ok {
		t.Fatalf("expected mark deleted to affect a row")
	}

	loaded, err := s.LoadEvents(ctx, []string{"$e2"})
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected deleted event to be omitted, got %d", len(loaded))
	}
}

func TestBeforeAfterContext(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	profileID, err := s.UpsertProfile(ctx, tx, "Carol", "")
	if err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
	for i := int64(1); i <= 5; i++ {
		e := mustEvent(t, eventIDFor(i), "!r:x", "@carol:x", i, "msg")
		if _, err := s.InsertEvent(ctx, tx, e, profileID, i); err != nil {
			t.Fatalf("insert event %d: %v", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	before, err := s.Before(ctx, "!r:x", 5, eventIDFor(5), 1)
	if err != nil {
		t.Fatalf("before: %v", err)
	}
	if len(before) != 1 || before[0].EventID != eventIDFor(4) {
		t.Fatalf("expected [event 4], got %+v", before)
	}

	after, err := s.After(ctx, "!r:x", 5, eventIDFor(5), 1)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("expected no events after the last one, got %+v", after)
	}
}

func eventIDFor(i int64) string {
	return "$e" + string(rune('0'+i))
}

func TestProfileAtFallsBackToEarliest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	p1, err := s.UpsertProfile(ctx, tx, "Alice", "")
	if err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
	e := mustEvent(t, "$first", "!r:x", "@alice:x", 10, "hi")
	if _, err := s.InsertEvent(ctx, tx, e, p1, 1); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	p, err := s.ProfileAt(ctx, "@alice:x", 0)
	if err != nil {
		t.Fatalf("profile at: %v", err)
	}
	if p.DisplayName != "Alice" {
		t.Fatalf("expected fallback to earliest profile, got %+v", p)
	}
}

func TestEncryptedContentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := eventstore.OpenEncrypted(dir, "hunter2")
	if err != nil {
		t.Fatalf("open encrypted store: %v", err)
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	profileID, err := s.UpsertProfile(ctx, tx, "Dave", "")
	if err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
	e := mustEvent(t, "$enc1", "!r:x", "@dave:x", 1, "secret body")
	if _, err := s.InsertEvent(ctx, tx, e, profileID, 1); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var rawBlob []byte
	if err := s.DB().QueryRowContext(ctx, `SELECT content_blob FROM events WHERE event_id = ?`, "$enc1").Scan(&rawBlob); err != nil {
		t.Fatalf("read raw content_blob: %v", err)
	}
	if string(rawBlob) == string(e.Content) {
		t.Fatalf("expected content_blob to be sealed on disk, got plaintext")
	}

	loaded, err := s.LoadEvents(ctx, []string{"$enc1"})
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(loaded) != 1 || string(loaded[0].Content) != string(e.Content) {
		t.Fatalf("expected transparently decrypted content, got %+v", loaded)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := eventstore.OpenEncrypted(dir, "hunter2")
	if err != nil {
		t.Fatalf("reopen encrypted store: %v", err)
	}
	defer reopened.Close()
	loaded, err = reopened.LoadEvents(ctx, []string{"$enc1"})
	if err != nil {
		t.Fatalf("load events after reopen: %v", err)
	}
	if len(loaded) != 1 || string(loaded[0].Content) != string(e.Content) {
		t.Fatalf("expected content to survive reopen with same passphrase, got %+v", loaded)
	}
}

func TestRekeyChangesPassphrase(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := eventstore.OpenEncrypted(dir, "old-pass")
	if err != nil {
		t.Fatalf("open encrypted store: %v", err)
	}
	defer s.Close()

	tx, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	profileID, err := s.UpsertProfile(ctx, tx, "Eve", "")
	if err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
	e := mustEvent(t, "$rk1", "!r:x", "@eve:x", 1, "rekey me")
	if _, err := s.InsertEvent(ctx, tx, e, profileID, 1); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := s.Rekey(ctx, "new-pass"); err != nil {
		t.Fatalf("rekey: %v", err)
	}

	loaded, err := s.LoadEvents(ctx, []string{"$rk1"})
	if err != nil {
		t.Fatalf("load events after rekey: %v", err)
	}
	if len(loaded) != 1 || string(loaded[0].Content) != string(e.Content) {
		t.Fatalf("expected content readable under the new passphrase, got %+v", loaded)
	}
}
