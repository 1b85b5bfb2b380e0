// Package recovery rebuilds the Index from the authoritative Event Store
// when the on-disk index format version is stale (spec.md §4.5). It mirrors
// the teacher's projection.Projector.Rebuild: stream every event back
// through in deterministic order and replay it into the derived store —
// here the derived store is bleve rather than SQLite.
package recovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/mtx-seshat/seshat/internal/eventstore"
	"github.com/mtx-seshat/seshat/internal/searchindex"
)

const batchSize = 500

// Progress is a point-in-time snapshot of a rebuild in flight.
type Progress struct {
	Total     int
	Reindexed int
}

// Recovery rebuilds ix from the events stored in store.
type Recovery struct {
	store *eventstore.Store
	ix    *searchindex.Index

	mu       sync.RWMutex
	progress Progress
}

// New creates a Recovery bound to an already-open Event Store and Index.
func New(store *eventstore.Store, ix *searchindex.Index) *Recovery {
	return &Recovery{store: store, ix: ix}
}

// Info returns a non-blocking snapshot of rebuild progress, safe to call
// concurrently with Run.
func (r *Recovery) Info() Progress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.progress
}

// Run destroys and recreates the Index, then streams every non-deleted
// event from the Event Store in insertion order, committing in batches and
// updating progress counters after each one. On success it writes the
// current index format version to the Event Store's meta table.
func (r *Recovery) Run(ctx context.Context) error {
	total, err := r.countIndexable(ctx)
	if err != nil {
		return fmt.Errorf("count indexable events: %w", err)
	}
	r.setProgress(Progress{Total: total})

	if err := r.ix.Recreate(); err != nil {
		return fmt.Errorf("destroy and recreate index before rebuild: %w", err)
	}

	err = r.store.StreamAllEvents(ctx, batchSize, func(batch []eventstore.Event) error {
		wb := r.ix.NewBatch()
		for _, e := range batch {
			text, ok := e.IndexedText()
			if !ok {
				continue
			}
			if err := wb.Add(e.EventID, e.RoomID, e.Sender, e.Type, text, e.OriginServerTS); err != nil {
				return fmt.Errorf("stage event %s: %w", e.EventID, err)
			}
		}
		if wb.Len() > 0 {
			if _, err := wb.Commit(); err != nil {
				return fmt.Errorf("commit rebuild batch: %w", err)
			}
		}
		r.addReindexed(len(batch))
		return nil
	})
	if err != nil {
		return fmt.Errorf("stream events for rebuild: %w", err)
	}

	if err := r.store.WriteIndexVersion(ctx, searchindex.FormatVersion); err != nil {
		return fmt.Errorf("write index version after rebuild: %w", err)
	}
	return nil
}

func (r *Recovery) countIndexable(ctx context.Context) (int, error) {
	stats, err := r.store.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return int(stats.EventCount), nil
}

func (r *Recovery) setProgress(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = p
}

func (r *Recovery) addReindexed(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress.Reindexed += n
}
