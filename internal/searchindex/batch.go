package searchindex

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
)

// WriteBatch accumulates document adds/deletes to be applied atomically.
// The Writer pairs one WriteBatch with one Event Store transaction per
// commit (spec.md §4.1, §4.3 commit algorithm).
type WriteBatch struct {
	ix    *Index
	batch *bleve.Batch
}

// NewBatch opens a new, empty write batch.
func (ix *Index) NewBatch() *WriteBatch {
	return &WriteBatch{ix: ix, batch: ix.bi.NewBatch()}
}

// Add indexes eventID's text under roomID/senderID/eventType at timestamp,
// replacing any existing document for the same id (spec.md §4.2 "add or
// replace a document").
func (b *WriteBatch) Add(eventID, roomID, senderID, eventType, text string, timestamp int64) error {
	doc := document{
		RoomID:    roomID,
		SenderID:  senderID,
		EventType: eventType,
		Text:      text,
		Timestamp: timestamp,
	}
	if err := b.batch.Index(eventID, doc); err != nil {
		return fmt.Errorf("batch add %s: %w", eventID, err)
	}
	return nil
}

// Delete removes eventID's document, if any.
func (b *WriteBatch) Delete(eventID string) {
	b.batch.Delete(eventID)
}

// Len reports how many operations are queued in the batch.
func (b *WriteBatch) Len() int {
	return b.batch.Size()
}

// Commit applies the batch to the index and advances the reader
// generation, making every document in the batch visible to subsequently
// acquired readers (spec.md §4.2 "commit the batch, advancing the reader
// generation").
func (b *WriteBatch) Commit() (uint64, error) {
	if err := b.ix.bi.Batch(b.batch); err != nil {
		return 0, fmt.Errorf("commit index batch: %w", err)
	}
	gen := b.ix.advanceGeneration()
	if err := b.ix.seal(); err != nil {
		return gen, fmt.Errorf("seal index after commit: %w", err)
	}
	return gen, nil
}

// DeleteAll empties every document in place, reusing the current mapping.
// Unlike Recreate, it does not touch the on-disk mapping/analyzer
// configuration, so it cannot fix a format bump on its own (see Recreate,
// which Recovery uses instead).
func (ix *Index) DeleteAll() error {
	ids, err := ix.allDocIDs()
	if err != nil {
		return fmt.Errorf("enumerate documents for delete-all: %w", err)
	}
	batch := ix.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if batch.Len() == 0 {
		return nil
	}
	_, err = batch.Commit()
	return err
}

func (ix *Index) allDocIDs() ([]string, error) {
	count, err := ix.bi.DocCount()
	if err != nil {
		return nil, fmt.Errorf("doc count: %w", err)
	}
	if count == 0 {
		return nil, nil
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), int(count), 0, false)
	req.Fields = nil
	res, err := ix.bi.Search(req)
	if err != nil {
		return nil, fmt.Errorf("match-all search: %w", err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}
