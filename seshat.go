// Package seshat is an embeddable full-text search and event store for
// Matrix-family chat protocols: a relational Event Store paired with a
// derived bleve Index, kept consistent by a single-writer actor
// (internal/writer) and read through a synchronous Query Engine
// (internal/query) that bypasses the writer entirely.
package seshat

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/mtx-seshat/seshat/internal/eventstore"
	"github.com/mtx-seshat/seshat/internal/query"
	"github.com/mtx-seshat/seshat/internal/recovery"
	"github.com/mtx-seshat/seshat/internal/searchindex"
	"github.com/mtx-seshat/seshat/internal/writer"
)

// Config configures Open. Path is required; everything else has a usable
// zero value.
type Config struct {
	// Path is the database directory. It is created if it does not exist.
	Path string
	// Language selects the full-text analyzer. Empty selects English.
	// Validated against bleve's registered analyzers at Open.
	Language string
	// Passphrase, if non-empty, enables at-rest encryption of the Index's
	// segment files and of each event's stored content in the Event Store
	// (see internal/cryptutil).
	Passphrase string
	// CommitInterval is the Writer's non-forced commit rate-limit period.
	// Zero selects writer.DefaultCommitInterval.
	CommitInterval time.Duration
	// Logger receives the facade's own diagnostics (failures of a
	// background CommitSync(false) commit, shutdown errors during Delete).
	// Defaults to log.Default(). The internal writer logs through the
	// standard log package, not through Logger.
	Logger *log.Logger
}

// Database is the Seshat facade: one Event Store, one Index, one Writer,
// one Query Engine, wired together (spec.md §6 public operation surface).
type Database struct {
	store  *eventstore.Store
	ix     *searchindex.Index
	w      *writer.Writer
	engine *query.Engine
	logger *log.Logger

	indexDir string
}

// Open creates or opens a database at cfg.Path. If the on-disk Index format
// version doesn't match the version this build produces, Open returns an
// *IndexVersionError so the host can construct a Recovery and reindex
// before retrying (spec.md §7 "distinguished so the host can route the
// caller to Recovery").
func Open(cfg Config) (*Database, error) {
	if cfg.Path == "" {
		return nil, newError("open", KindInvalidEvent, fmt.Errorf("config: Path is required"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	store, err := eventstore.OpenEncrypted(cfg.Path, cfg.Passphrase)
	if err != nil {
		return nil, newError("open", KindStoreFailure, err)
	}

	indexDir := filepath.Join(cfg.Path, "index")
	ix, err := searchindex.Open(indexDir, cfg.Language, cfg.Passphrase)
	if err != nil {
		_ = store.Close()
		return nil, newError("open", KindIndexFailure, err)
	}

	stored, known, err := store.ReadIndexVersion(context.Background())
	if err != nil {
		_ = ix.Close()
		_ = store.Close()
		return nil, newError("open", KindStoreFailure, err)
	}
	if known && stored != searchindex.FormatVersion {
		_ = ix.Close()
		_ = store.Close()
		return nil, &IndexVersionError{Stored: stored, Expected: searchindex.FormatVersion}
	}
	if !known {
		if err := store.WriteIndexVersion(context.Background(), searchindex.FormatVersion); err != nil {
			_ = ix.Close()
			_ = store.Close()
			return nil, newError("open", KindStoreFailure, err)
		}
	}

	w, err := writer.New(store, ix, indexDir, writer.Config{CommitInterval: cfg.CommitInterval})
	if err != nil {
		_ = ix.Close()
		_ = store.Close()
		return nil, newError("open", KindStoreFailure, err)
	}

	return &Database{
		store:    store,
		ix:       ix,
		w:        w,
		engine:   query.New(store, ix),
		logger:   logger,
		indexDir: indexDir,
	}, nil
}

// AddEvent validates and enqueues event with its sender's profile snapshot
// for the next commit (spec.md §6 addEvent). An event missing its event id,
// room id or sender fails validation; an event whose content is not a
// structured object, or has none of body/topic/name, is still persisted,
// just never indexed.
func (db *Database) AddEvent(event eventstore.Event, profile eventstore.Profile) error {
	if event.EventID == "" || event.RoomID == "" || event.Sender == "" {
		return newError("add-event", KindInvalidEvent, fmt.Errorf("event missing required field(s)"))
	}
	if err := db.w.AddEvent(event, profile); err != nil {
		return wrapWriterErr("add-event", err)
	}
	return nil
}

// DeleteEvent enqueues deletion of eventID and reports whether it had been
// indexed (spec.md §6 deleteEvent).
func (db *Database) DeleteEvent(eventID string) (bool, error) {
	wasIndexed, err := db.w.DeleteEvent(eventID)
	if err != nil {
		return false, wrapWriterErr("delete-event", err)
	}
	return wasIndexed, nil
}

// Commit flushes queued writes, rate-limited unless force is set, and
// returns the resulting commit stamp (spec.md §6 commit).
func (db *Database) Commit(force bool) (int64, error) {
	stamp, err := db.w.Commit(force)
	if err != nil {
		return 0, wrapWriterErr("commit", err)
	}
	return stamp, nil
}

// CommitSync behaves like Commit; Seshat's async form already guarantees
// durability on resolution, so the wait flag only affects whether the
// caller's goroutine blocks for the result (spec.md §9 "the exact semantics
// of the wait flag... are ambiguous; implementers should document their
// choice"). Here wait=false still performs the commit but reports only
// acceptance, returning the stamp from the moment the command was queued
// rather than the one it finally lands on.
func (db *Database) CommitSync(wait bool, force bool) (int64, error) {
	if wait {
		return db.Commit(force)
	}
	before := db.w.Stamp()
	go func() {
		if _, err := db.w.Commit(force); err != nil {
			db.logger.Printf("seshat: background commit failed: %v", err)
		}
	}()
	return before, nil
}

// Reload is a no-op synchronization point: because queries bypass the
// Writer and read the Index directly, there is no client-side cache to
// invalidate. It exists to satisfy hosts ported from an implementation
// where queries went through a cached reader handle.
func (db *Database) Reload() error {
	return nil
}

// Search executes req against the Index and hydrates hits from the Event
// Store (spec.md §6 search, §4.4).
func (db *Database) Search(ctx context.Context, req query.Request) (query.Response, error) {
	resp, err := db.engine.Search(ctx, req)
	if err != nil {
		return query.Response{}, newError("search", KindIndexFailure, err)
	}
	return resp, nil
}

// AddHistoricEvents enqueues a backfill batch atomically with an optional
// checkpoint swap, reporting whether every event in the batch was already
// present (spec.md §6 addHistoricEvents).
func (db *Database) AddHistoricEvents(events []eventstore.Event, profiles map[string]eventstore.Profile, newCheckpoint, oldCheckpoint *eventstore.Checkpoint) (bool, error) {
	allPresent, err := db.w.AddHistoricEvents(events, profiles, newCheckpoint, oldCheckpoint)
	if err != nil {
		return false, wrapWriterErr("add-historic-events", err)
	}
	return allPresent, nil
}

// AddCrawlerCheckpoint and RemoveCrawlerCheckpoint enqueue checkpoint
// mutations applied atomically with the next commit (spec.md §6).
func (db *Database) AddCrawlerCheckpoint(cp eventstore.Checkpoint) error {
	if err := db.w.UpsertCheckpoint(cp); err != nil {
		return wrapWriterErr("add-crawler-checkpoint", err)
	}
	return nil
}

func (db *Database) RemoveCrawlerCheckpoint(cp eventstore.Checkpoint) error {
	if err := db.w.DeleteCheckpoint(cp); err != nil {
		return wrapWriterErr("remove-crawler-checkpoint", err)
	}
	return nil
}

// LoadCheckpoints returns every stored crawler checkpoint (spec.md §6
// loadCheckpoints).
func (db *Database) LoadCheckpoints(ctx context.Context) ([]eventstore.Checkpoint, error) {
	cps, err := db.store.LoadCheckpoints(ctx)
	if err != nil {
		return nil, newError("load-checkpoints", KindStoreFailure, err)
	}
	return cps, nil
}

// GetSize returns the on-disk size, in bytes, of the Event Store (spec.md
// §6 getSize).
func (db *Database) GetSize(ctx context.Context) (int64, error) {
	stats, err := db.store.Stats(ctx)
	if err != nil {
		return 0, newError("get-size", KindStoreFailure, err)
	}
	return stats.SizeBytes, nil
}

// GetStats returns event/room counts plus on-disk size (spec.md §6
// getStats).
func (db *Database) GetStats(ctx context.Context) (eventstore.Stats, error) {
	stats, err := db.store.Stats(ctx)
	if err != nil {
		return eventstore.Stats{}, newError("get-stats", KindStoreFailure, err)
	}
	return stats, nil
}

// IsEmpty reports whether the Event Store holds no non-deleted events
// (spec.md §6 isEmpty).
func (db *Database) IsEmpty(ctx context.Context) (bool, error) {
	empty, err := db.store.IsEmpty(ctx)
	if err != nil {
		return false, newError("is-empty", KindStoreFailure, err)
	}
	return empty, nil
}

// IsRoomIndexed reports whether any event for roomID has been committed
// (spec.md §6 isRoomIndexed).
func (db *Database) IsRoomIndexed(ctx context.Context, roomID string) (bool, error) {
	indexed, err := db.store.IsRoomIndexed(ctx, roomID)
	if err != nil {
		return false, newError("is-room-indexed", KindStoreFailure, err)
	}
	return indexed, nil
}

// FileEventsRequest is the input to LoadFileEvents.
type FileEventsRequest struct {
	RoomID    string
	Limit     int
	FromEvent string // empty selects the start/end of the room's timeline
	Backward  bool
}

// FileEvent pairs a timeline event with the profile its sender had at that
// event's timestamp.
type FileEvent struct {
	Event   eventstore.Event
	Profile eventstore.Profile
}

// LoadFileEvents reads a direction-ordered page of a room's timeline,
// independent of search (spec.md §6 loadFileEvents, §C).
func (db *Database) LoadFileEvents(ctx context.Context, req FileEventsRequest) ([]FileEvent, error) {
	var fromTS int64
	haveFrom := req.FromEvent != ""
	if haveFrom {
		anchor, err := db.store.LoadEvents(ctx, []string{req.FromEvent})
		if err != nil {
			return nil, newError("load-file-events", KindStoreFailure, err)
		}
		if len(anchor) == 0 {
			return nil, newError("load-file-events", KindInvalidEvent, fmt.Errorf("from-event %q not found", req.FromEvent))
		}
		fromTS = anchor[0].OriginServerTS
	}

	events, err := db.store.RoomPage(ctx, req.RoomID, req.Limit, fromTS, req.FromEvent, haveFrom, req.Backward)
	if err != nil {
		return nil, newError("load-file-events", KindStoreFailure, err)
	}

	out := make([]FileEvent, 0, len(events))
	for _, e := range events {
		profile, err := db.store.ProfileAt(ctx, e.Sender, e.OriginServerTS)
		if err != nil {
			return nil, newError("load-file-events", KindStoreFailure, err)
		}
		out = append(out, FileEvent{Event: e, Profile: profile})
	}
	return out, nil
}

// ChangePassphrase flushes all pending writes, re-keys both stores under
// newPassphrase (empty disables encryption), and shuts the Writer down; the
// caller must Open a fresh handle afterward (spec.md §6 changePassphrase,
// §4.6).
func (db *Database) ChangePassphrase(newPassphrase string) error {
	if err := db.w.ChangePassphrase(newPassphrase); err != nil {
		return wrapWriterErr("change-passphrase", err)
	}
	if err := db.w.Shutdown(); err != nil {
		return wrapWriterErr("change-passphrase", err)
	}
	return nil
}

// Shutdown flushes any in-flight commit and closes both stores. The
// Database must not be used afterward.
func (db *Database) Shutdown() error {
	if err := db.w.Shutdown(); err != nil {
		return wrapWriterErr("shutdown", err)
	}
	return nil
}

// Delete shuts the database down, then removes the Index's on-disk state
// entirely. The Event Store's files are left in place; callers that want a
// full wipe should remove cfg.Path themselves after Delete returns.
func (db *Database) Delete() error {
	if err := db.w.Shutdown(); err != nil {
		db.logger.Printf("seshat: shutdown during delete reported: %v", err)
	}
	if err := db.ix.Destroy(); err != nil {
		return newError("delete", KindIndexFailure, err)
	}
	return nil
}

// NewRecovery opens the Index at indexDir and builds a Recovery bound to it
// and to store, for hosts that caught an *IndexVersionError from Open and
// want to rebuild the Index before retrying. No Database should be open on
// the same path while Run executes.
func NewRecovery(store *eventstore.Store, indexDir, language, passphrase string) (*recovery.Recovery, *searchindex.Index, error) {
	ix, err := searchindex.Open(indexDir, language, passphrase)
	if err != nil {
		return nil, nil, newError("recovery", KindIndexFailure, err)
	}
	return recovery.New(store, ix), ix, nil
}

// Recover rebuilds the Index from the Event Store after Open has reported
// an *IndexVersionError: it destroys and recreates the Index's on-disk
// state against the current mapping, then replays every non-deleted event
// back into it, and records the rebuilt format version so a subsequent
// Open succeeds (spec.md §4.5, §8 scenario 6). cfg should match the
// configuration Open was called with, aside from the error it returned.
func Recover(cfg Config) error {
	store, err := OpenStoreForRecovery(cfg.Path, cfg.Passphrase)
	if err != nil {
		return err
	}
	defer store.Close()

	indexDir := filepath.Join(cfg.Path, "index")
	rec, ix, err := NewRecovery(store, indexDir, cfg.Language, cfg.Passphrase)
	if err != nil {
		return err
	}
	defer ix.Close()

	if err := rec.Run(context.Background()); err != nil {
		return newError("recover", KindIndexFailure, err)
	}
	return nil
}

// OpenStoreForRecovery opens just the Event Store, for a host handling an
// *IndexVersionError from Open: it needs the store to drive Recovery before
// a full Open can succeed. passphrase must match whatever Open was
// originally configured with.
func OpenStoreForRecovery(path, passphrase string) (*eventstore.Store, error) {
	store, err := eventstore.OpenEncrypted(path, passphrase)
	if err != nil {
		return nil, newError("recovery", KindStoreFailure, err)
	}
	return store, nil
}

func wrapWriterErr(op string, err error) error {
	if err == writer.ErrShutdown {
		return newError(op, KindShutdown, err)
	}
	return newError(op, KindStoreFailure, err)
}
