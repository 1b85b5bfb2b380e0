package query_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mtx-seshat/seshat/internal/eventstore"
	"github.com/mtx-seshat/seshat/internal/query"
	"github.com/mtx-seshat/seshat/internal/searchindex"
)

func setupEngine(t *testing.T, n int) (*query.Engine, *eventstore.Store) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := eventstore.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ix, err := searchindex.Open(filepath.Join(dir, "index"), "", "")
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { _ = ix.Close() })

	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	profileID, err := store.UpsertProfile(ctx, tx, "Carol", "")
	if err != nil {
		t.Fatalf("upsert profile: %v", err)
	}

	wb := ix.NewBatch()
	for i := 0; i < n; i++ {
		content, err := json.Marshal(map[string]string{"body": "matching term"})
		if err != nil {
			t.Fatalf("marshal content: %v", err)
		}
		id := idFor(i)
		e := eventstore.Event{EventID: id, RoomID: "!r:x", Sender: "@carol:x", OriginServerTS: int64(i + 1), Type: "m.room.message", Content: content}
		if _, err := store.InsertEvent(ctx, tx, e, profileID, int64(i+1)); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
		if err := wb.Add(id, e.RoomID, e.Sender, e.Type, "matching term", e.OriginServerTS); err != nil {
			t.Fatalf("stage %s: %v", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit tx: %v", err)
	}
	if _, err := wb.Commit(); err != nil {
		t.Fatalf("commit index batch: %v", err)
	}

	return query.New(store, ix), store
}

func idFor(i int) string {
	return "$e" + string(rune('a'+i))
}

func TestSearchCountReflectsTotalNotPageSize(t *testing.T) {
	ctx := context.Background()
	engine, _ := setupEngine(t, 5)

	resp, err := engine.Search(ctx, query.Request{Term: "matching", Limit: 2})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected a 2-result page, got %d", len(resp.Results))
	}
	if resp.Count != 5 {
		t.Fatalf("expected Count to reflect the total match count of 5, got %d", resp.Count)
	}
	if resp.NextCursor == "" {
		t.Fatalf("expected a next cursor when more results remain")
	}
}

func TestSearchCountZeroOnNoMatches(t *testing.T) {
	ctx := context.Background()
	engine, _ := setupEngine(t, 3)

	resp, err := engine.Search(ctx, query.Request{Term: "nonexistentterm", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Fatalf("expected no results, got %d", len(resp.Results))
	}
	if resp.Count != 0 {
		t.Fatalf("expected Count 0 for no matches, got %d", resp.Count)
	}
}

func TestSearchHydratesProfileAndContext(t *testing.T) {
	ctx := context.Background()
	engine, _ := setupEngine(t, 3)

	resp, err := engine.Search(ctx, query.Request{Term: "matching", Limit: 10, BeforeLimit: 1, AfterLimit: 1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Count != 3 {
		t.Fatalf("expected Count 3, got %d", resp.Count)
	}
	for _, r := range resp.Results {
		if r.ProfileInfo.DisplayName != "Carol" {
			t.Fatalf("expected profile Carol, got %q", r.ProfileInfo.DisplayName)
		}
	}
}
