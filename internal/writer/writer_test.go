package writer_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mtx-seshat/seshat/internal/eventstore"
	"github.com/mtx-seshat/seshat/internal/searchindex"
	"github.com/mtx-seshat/seshat/internal/writer"
)

func newTestWriter(t *testing.T) (*writer.Writer, *eventstore.Store, *searchindex.Index) {
	t.Helper()
	dbDir := t.TempDir()
	store, err := eventstore.Open(dbDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	indexDir := filepath.Join(dbDir, "index")
	ix, err := searchindex.Open(indexDir, "", "")
	if err != nil {
		t.Fatalf("open index: %v", err)
	}

	w, err := writer.New(store, ix, indexDir, writer.Config{})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	t.Cleanup(func() { _ = w.Shutdown() })
	return w, store, ix
}

func testEvent(t *testing.T, id, room, sender string, ts int64, body string) eventstore.Event {
	t.Helper()
	content, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		t.Fatalf("marshal content: %v", err)
	}
	return eventstore.Event{EventID: id, RoomID: room, Sender: sender, OriginServerTS: ts, Type: "m.room.message", Content: content}
}

func TestAddEventThenForceCommit(t *testing.T) {
	w, _, ix := newTestWriter(t)

	e := testEvent(t, "$e1", "!r:x", "@alice:x", 1, "Hello world")
	if err := w.AddEvent(e, eventstore.Profile{DisplayName: "Alice"}); err != nil {
		t.Fatalf("add event: %v", err)
	}

	stamp, err := w.Commit(true)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if stamp != 1 {
		t.Fatalf("expected stamp 1, got %d", stamp)
	}

	res, err := ix.Search(searchindex.Query{Term: "Hello", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Hits) != 1 {
		t.Fatalf("expected 1 hit after commit, got %d", len(res.Hits))
	}
}

func TestDeleteEventReportsWasIndexed(t *testing.T) {
	w, _, _ := newTestWriter(t)

	e := testEvent(t, "$e1", "!r:x", "@alice:x", 1, "Hello world")
	if err := w.AddEvent(e, eventstore.Profile{DisplayName: "Alice"}); err != nil {
		t.Fatalf("add event: %v", err)
	}
	if _, err := w.Commit(true); err != nil {
		t.Fatalf("commit: %v", err)
	}

	wasIndexed, err := w.DeleteEvent("$e1")
	if err != nil {
		t.Fatalf("delete event: %v", err)
	}
	if !wasIndexed {
		t.Fatalf("expected wasIndexed=true for a previously committed event")
	}

	if _, err := w.Commit(true); err != nil {
		t.Fatalf("commit delete: %v", err)
	}
}

func TestEmptyCommitIsNoOp(t *testing.T) {
	w, _, _ := newTestWriter(t)

	stamp, err := w.Commit(true)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if stamp != 0 {
		t.Fatalf("expected stamp 0 for an empty commit, got %d", stamp)
	}
}

func TestAddHistoricEventsReportsAllPresent(t *testing.T) {
	w, _, _ := newTestWriter(t)

	events := []eventstore.Event{
		testEvent(t, "$h1", "!r:x", "@bob:x", 1, "one"),
		testEvent(t, "$h2", "!r:x", "@bob:x", 2, "two"),
	}
	profiles := map[string]eventstore.Profile{"@bob:x": {DisplayName: "Bob"}}

	allPresent, err := w.AddHistoricEvents(events, profiles, nil, nil)
	if err != nil {
		t.Fatalf("add historic events: %v", err)
	}
	if allPresent {
		t.Fatalf("expected allPresent=false for a brand new batch")
	}
	if _, err := w.Commit(true); err != nil {
		t.Fatalf("commit: %v", err)
	}

	allPresent, err = w.AddHistoricEvents(events, profiles, nil, nil)
	if err != nil {
		t.Fatalf("re-add historic events: %v", err)
	}
	if !allPresent {
		t.Fatalf("expected allPresent=true once every event in the batch already exists")
	}
}

// TestNewReplaysPendingWritesAfterCrash simulates a process that staged a
// write to pending_writes but crashed before committing it: a fresh Writer
// over the same stores must replay the staged row and commit it, rather than
// silently losing it (spec.md §3 "Pending write record").
func TestNewReplaysPendingWritesAfterCrash(t *testing.T) {
	ctx := context.Background()
	dbDir := t.TempDir()

	store, err := eventstore.Open(dbDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	profileID, err := store.UpsertProfile(ctx, tx, "Dana", "")
	if err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit profile tx: %v", err)
	}

	crashed := testEvent(t, "$crash1", "!r:x", "@dana:x", 1, "orphaned write")
	text, hasText := crashed.IndexedText()
	pw := eventstore.PendingWrite{
		ID:          "pw-test-1",
		Event:       crashed,
		ProfileID:   profileID,
		IndexedText: text,
		HasText:     hasText,
	}
	if err := store.EnqueuePendingWrite(ctx, pw); err != nil {
		t.Fatalf("enqueue pending write: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// Reopen as a fresh process would: the event was never inserted into
	// events, only staged.
	store, err = eventstore.Open(dbDir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	indexDir := filepath.Join(dbDir, "index")
	ix, err := searchindex.Open(indexDir, "", "")
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	w, err := writer.New(store, ix, indexDir, writer.Config{})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Shutdown()

	existing, err := store.ExistingEventIDs(ctx, []string{"$crash1"})
	if err != nil {
		t.Fatalf("check existing: %v", err)
	}
	if existing["$crash1"] {
		t.Fatalf("expected the staged write not to be in events yet, before the replay commits")
	}

	stamp, err := w.Commit(true)
	if err != nil {
		t.Fatalf("commit after replay: %v", err)
	}
	if stamp != 1 {
		t.Fatalf("expected the replayed write to commit as stamp 1, got %d", stamp)
	}

	existing, err = store.ExistingEventIDs(ctx, []string{"$crash1"})
	if err != nil {
		t.Fatalf("check existing after commit: %v", err)
	}
	if !existing["$crash1"] {
		t.Fatalf("expected the replayed write to be durably committed to events")
	}

	res, err := ix.Search(searchindex.Query{Term: "orphaned", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Hits) != 1 {
		t.Fatalf("expected the replayed write to be indexed, got %d hits", len(res.Hits))
	}
}
