// Package writer implements the Writer: the single background worker that
// owns exclusive mutation rights over both the Event Store and the Index,
// draining a typed command queue and committing both stores together as one
// atomic unit (spec.md §4.3). The actor shape — a goroutine draining a
// channel of tagged command variants, a sync.Once-guarded shutdown signal —
// follows the teacher's daemon.Lifecycle and PeriodicSyncScheduler idiom.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/mtx-seshat/seshat/internal/eventstore"
	"github.com/mtx-seshat/seshat/internal/identity"
	"github.com/mtx-seshat/seshat/internal/searchindex"
)

// ErrShutdown is returned to any command still queued or in flight when the
// Writer shuts down (spec.md §5 "fails any still-pending write commands
// with a shutdown error").
var ErrShutdown = errors.New("writer: shut down")

// Config configures commit-interval rate limiting.
type Config struct {
	// CommitInterval is the minimum spacing between non-forced commits.
	// Zero selects DefaultCommitInterval.
	CommitInterval time.Duration
}

// DefaultCommitInterval is used when Config.CommitInterval is zero.
const DefaultCommitInterval = 200 * time.Millisecond

// Writer is the single-writer actor (spec.md §4.3, §5).
type Writer struct {
	store *eventstore.Store
	ix    *searchindex.Index

	queue   chan any
	limiter *rate.Limiter

	stamp         int64
	pending       []pendingRecord
	checkpointOps []checkpointOp

	indexDir string // for ChangePassphrase's re-seal

	done chan struct{}
}

// New creates a Writer over an already-open Event Store and Index and
// starts its actor goroutine. indexDir is the on-disk index directory,
// needed for re-keying on ChangePassphrase.
func New(store *eventstore.Store, ix *searchindex.Index, indexDir string, cfg Config) (*Writer, error) {
	interval := cfg.CommitInterval
	if interval <= 0 {
		interval = DefaultCommitInterval
	}
	ctx := context.Background()
	stamp, err := store.LastStamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("load last stamp: %w", err)
	}

	staged, err := store.LoadPendingWrites(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pending writes: %w", err)
	}

	w := &Writer{
		store:    store,
		ix:       ix,
		indexDir: indexDir,
		queue:    make(chan any, 256),
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		stamp:    stamp,
		done:     make(chan struct{}),
	}
	if len(staged) > 0 {
		w.pending = make([]pendingRecord, len(staged))
		for i, pw := range staged {
			w.pending[i] = pendingRecord{
				deleted:      pw.Deleted,
				event:        pw.Event,
				indexedText:  pw.IndexedText,
				hasText:      pw.HasText,
				hasProfileID: true,
				profileID:    pw.ProfileID,
			}
		}
		log.Printf("writer: replayed %d pending write(s) staged before the last restart", len(staged))
	}
	go w.run()
	return w, nil
}

func (w *Writer) run() {
	defer close(w.done)
	for cmd := range w.queue {
		switch c := cmd.(type) {
		case *cmdAddEvent:
			w.handleAddEvent(c)
		case *cmdDeleteEvent:
			w.handleDeleteEvent(c)
		case *cmdAddHistoric:
			w.handleAddHistoric(c)
		case *cmdCheckpoint:
			w.handleCheckpoint(c)
		case *cmdCommit:
			w.handleCommit(c)
		case *cmdChangePassphrase:
			w.handleChangePassphrase(c)
		case *cmdShutdown:
			w.handleShutdown(c)
			return
		default:
			log.Printf("writer: unknown command %T", cmd)
		}
	}
}

// Stamp returns the last committed stamp. Safe to call only from tests or
// after Shutdown; concurrent callers should rely on Commit's return value.
func (w *Writer) Stamp() int64 {
	return w.stamp
}

func (w *Writer) submit(cmd any) {
	select {
	case w.queue <- cmd:
	case <-w.done:
	}
}

// AddEvent enqueues event with profile for the next commit (spec.md §4.3
// AddEvent). Events without indexable text are still persisted to the
// Event Store but never reach the Index.
func (w *Writer) AddEvent(event eventstore.Event, profile eventstore.Profile) error {
	done := make(chan error, 1)
	w.submit(&cmdAddEvent{event: event, profile: profile, done: done})
	return w.await(done)
}

func (w *Writer) handleAddEvent(c *cmdAddEvent) {
	text, hasText := c.event.IndexedText()
	rec := pendingRecord{event: c.event, profile: c.profile, indexedText: text, hasText: hasText}
	if err := w.stage(rec); err != nil {
		c.done <- err
		return
	}
	c.done <- nil
}

// stage appends rec to the in-memory commit queue and persists it to the
// pending_writes staging table under a freshly minted id, together with the
// resolved profile id of an added event, so a process restart between
// enqueue and commit doesn't silently drop queued writes.
func (w *Writer) stage(rec pendingRecord) error {
	ctx := context.Background()
	pw := eventstore.PendingWrite{
		ID:          identity.NewPendingWriteID(),
		Event:       rec.event,
		IndexedText: rec.indexedText,
		HasText:     rec.hasText,
		Deleted:     rec.deleted,
	}
	if !rec.deleted {
		profileID, err := w.store.UpsertProfile(ctx, w.store.DB(), rec.profile.DisplayName, rec.profile.AvatarURL)
		if err != nil {
			return fmt.Errorf("resolve profile for pending write: %w", err)
		}
		pw.ProfileID = profileID
	}
	if err := w.store.EnqueuePendingWrite(ctx, pw); err != nil {
		return fmt.Errorf("stage pending write: %w", err)
	}
	w.pending = append(w.pending, rec)
	return nil
}

// DeleteEvent enqueues deletion of eventID, returning whether it was
// indexed (spec.md §4.3 DeleteEvent).
func (w *Writer) DeleteEvent(eventID string) (bool, error) {
	done := make(chan deleteResult, 1)
	w.submit(&cmdDeleteEvent{eventID: eventID, done: done})
	select {
	case r := <-done:
		return r.wasIndexed, r.err
	case <-w.done:
		return false, ErrShutdown
	}
}

func (w *Writer) handleDeleteEvent(c *cmdDeleteEvent) {
	ctx := context.Background()
	existing, err := w.store.ExistingEventIDs(ctx, []string{c.eventID})
	if err != nil {
		c.done <- deleteResult{err: err}
		return
	}
	if err := w.stage(pendingRecord{deleted: true, event: eventstore.Event{EventID: c.eventID}}); err != nil {
		c.done <- deleteResult{err: err}
		return
	}
	c.done <- deleteResult{wasIndexed: existing[c.eventID]}
}

// AddHistoricEvents enqueues an entire backfill batch as a single commit
// unit, atomically updating checkpoints, and reports whether every event in
// the batch was already present (spec.md §4.3 AddHistoricEvents).
func (w *Writer) AddHistoricEvents(events []eventstore.Event, profiles map[string]eventstore.Profile, newCheckpoint, oldCheckpoint *eventstore.Checkpoint) (bool, error) {
	done := make(chan historicResult, 1)
	w.submit(&cmdAddHistoric{events: events, profiles: profiles, newCheckpoint: newCheckpoint, oldCheckpoint: oldCheckpoint, done: done})
	select {
	case r := <-done:
		return r.allAlreadyPresent, r.err
	case <-w.done:
		return false, ErrShutdown
	}
}

func (w *Writer) handleAddHistoric(c *cmdAddHistoric) {
	ctx := context.Background()
	ids := make([]string, len(c.events))
	for i, e := range c.events {
		ids[i] = e.EventID
	}
	existing, err := w.store.ExistingEventIDs(ctx, ids)
	if err != nil {
		c.done <- historicResult{err: err}
		return
	}
	allPresent := len(ids) > 0
	for _, id := range ids {
		if !existing[id] {
			allPresent = false
			break
		}
	}

	for _, e := range c.events {
		profile := c.profiles[e.Sender]
		text, hasText := e.IndexedText()
		if err := w.stage(pendingRecord{event: e, profile: profile, indexedText: text, hasText: hasText}); err != nil {
			c.done <- historicResult{err: err}
			return
		}
	}
	if c.oldCheckpoint != nil {
		w.checkpointOps = append(w.checkpointOps, checkpointOp{upsert: false, cp: *c.oldCheckpoint})
	}
	if c.newCheckpoint != nil {
		w.checkpointOps = append(w.checkpointOps, checkpointOp{upsert: true, cp: *c.newCheckpoint})
	}
	c.done <- historicResult{allAlreadyPresent: allPresent}
}

// UpsertCheckpoint and DeleteCheckpoint enqueue checkpoint mutations to be
// applied atomically with the next commit.
func (w *Writer) UpsertCheckpoint(cp eventstore.Checkpoint) error {
	done := make(chan error, 1)
	w.submit(&cmdCheckpoint{op: checkpointOp{upsert: true, cp: cp}, done: done})
	return w.await(done)
}

func (w *Writer) DeleteCheckpoint(cp eventstore.Checkpoint) error {
	done := make(chan error, 1)
	w.submit(&cmdCheckpoint{op: checkpointOp{upsert: false, cp: cp}, done: done})
	return w.await(done)
}

func (w *Writer) handleCheckpoint(c *cmdCheckpoint) {
	w.checkpointOps = append(w.checkpointOps, c.op)
	c.done <- nil
}

// Commit flushes the current queue of uncommitted records. Non-forced
// commits are rate-limited to at most once per configured interval; force
// bypasses the bucket (spec.md §4.3 Commit, §5 rate limiting).
func (w *Writer) Commit(force bool) (int64, error) {
	done := make(chan commitResult, 1)
	w.submit(&cmdCommit{force: force, done: done})
	select {
	case r := <-done:
		return r.stamp, r.err
	case <-w.done:
		return 0, ErrShutdown
	}
}

func (w *Writer) handleCommit(c *cmdCommit) {
	if !c.force {
		if err := w.limiter.Wait(context.Background()); err != nil {
			c.done <- commitResult{err: err}
			return
		}
	}
	stamp, err := w.doCommit(context.Background())
	c.done <- commitResult{stamp: stamp, err: err}
}

// doCommit is the commit algorithm of spec.md §4.3: pair one Event Store
// transaction with one Index write batch as the atomic unit.
func (w *Writer) doCommit(ctx context.Context) (int64, error) {
	if len(w.pending) == 0 && len(w.checkpointOps) == 0 {
		return w.stamp, nil
	}

	tx, err := w.store.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin commit transaction: %w", err)
	}
	newStamp := w.stamp + 1
	batch := w.ix.NewBatch()

	for _, rec := range w.pending {
		if rec.deleted {
			if _, err := w.store.MarkDeleted(ctx, tx, rec.event.EventID); err != nil {
				_ = tx.Rollback()
				return 0, fmt.Errorf("mark deleted: %w", err)
			}
			batch.Delete(rec.event.EventID)
			continue
		}

		profileID := rec.profileID
		if !rec.hasProfileID {
			var err error
			profileID, err = w.store.UpsertProfile(ctx, tx, rec.profile.DisplayName, rec.profile.AvatarURL)
			if err != nil {
				_ = tx.Rollback()
				return 0, fmt.Errorf("upsert profile: %w", err)
			}
		}
		if _, err := w.store.InsertEvent(ctx, tx, rec.event, profileID, newStamp); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("insert event: %w", err)
		}
		if rec.hasText {
			if err := batch.Add(rec.event.EventID, rec.event.RoomID, rec.event.Sender, rec.event.Type, rec.indexedText, rec.event.OriginServerTS); err != nil {
				_ = tx.Rollback()
				return 0, fmt.Errorf("stage index add: %w", err)
			}
		}
	}

	for _, op := range w.checkpointOps {
		var err error
		if op.upsert {
			err = w.store.UpsertCheckpoint(ctx, tx, op.cp)
		} else {
			err = w.store.DeleteCheckpoint(ctx, tx, op.cp)
		}
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("apply checkpoint op: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit event store transaction: %w", err)
	}

	if batch.Len() > 0 {
		if _, err := batch.Commit(); err != nil {
			// The relational store is now ahead of the Index. Force a
			// recovery pass on next open rather than leave the two stores
			// silently inconsistent (spec.md §4.3 commit algorithm).
			if werr := w.store.WriteIndexVersion(ctx, -1); werr != nil {
				log.Printf("writer: failed to mark index stale after batch commit error: %v", werr)
			}
			return 0, fmt.Errorf("index batch commit failed, index marked stale: %w", err)
		}
	}

	if err := w.store.ClearPendingWrites(ctx, w.store.DB()); err != nil {
		log.Printf("writer: failed to clear pending-write staging rows: %v", err)
	}

	w.stamp = newStamp
	w.pending = nil
	w.checkpointOps = nil
	return w.stamp, nil
}

// ChangePassphrase flushes pending writes and re-keys both stores under
// newPassphrase (spec.md §4.6). The Writer keeps running afterward;
// seshat.Database.ChangePassphrase shuts it down once this returns.
func (w *Writer) ChangePassphrase(newPassphrase string) error {
	done := make(chan error, 1)
	w.submit(&cmdChangePassphrase{newPassphrase: newPassphrase, done: done})
	return w.await(done)
}

func (w *Writer) handleChangePassphrase(c *cmdChangePassphrase) {
	ctx := context.Background()
	if _, err := w.doCommit(ctx); err != nil {
		c.done <- fmt.Errorf("flush before rekey: %w", err)
		return
	}
	if err := w.store.Rekey(ctx, c.newPassphrase); err != nil {
		c.done <- fmt.Errorf("rekey event store: %w", err)
		return
	}
	if err := w.ix.ChangePassphrase(w.indexDir, c.newPassphrase); err != nil {
		c.done <- fmt.Errorf("rekey index: %w", err)
		return
	}
	c.done <- nil
}

// Shutdown drains the queue, flushes any in-flight commit, and closes both
// stores (spec.md §5 "Cancellation and timeouts").
func (w *Writer) Shutdown() error {
	done := make(chan error, 1)
	w.queue <- &cmdShutdown{done: done}
	err := <-done
	<-w.done
	return err
}

func (w *Writer) handleShutdown(c *cmdShutdown) {
	_, err := w.doCommit(context.Background())
	if closeErr := w.ix.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if closeErr := w.store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	c.done <- err
}

func (w *Writer) await(done chan error) error {
	select {
	case err := <-done:
		return err
	case <-w.done:
		return ErrShutdown
	}
}
