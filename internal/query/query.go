// Package query implements the Query Engine: translate a search request
// into an Index query, then hydrate hits from the Event Store with
// before/after context and sender profile history (spec.md §4.4). It
// follows the teacher's Apply-then-assemble shape from
// internal/projection/projector.go, reading structured rows back out and
// reassembling domain objects, just against a ranked search hit list
// instead of a JSONL replay.
package query

import (
	"context"
	"fmt"

	"github.com/mtx-seshat/seshat/internal/eventstore"
	"github.com/mtx-seshat/seshat/internal/searchindex"
)

// Request is a caller's search request (spec.md §4.4 step 1).
type Request struct {
	Term           string
	RoomFilter     string
	SenderFilter   string
	Limit          int
	BeforeLimit    int
	AfterLimit     int
	OrderByRecency bool
	Cursor         string
}

// ProfileInfo is the sender's display-name/avatar snapshot attached to a
// hit, resolved as of that hit's timestamp.
type ProfileInfo struct {
	DisplayName string
	AvatarURL   string
}

// Result is one enriched search hit.
type Result struct {
	Event       eventstore.Event
	Score       float64
	Before      []eventstore.Event
	After       []eventstore.Event
	ProfileInfo ProfileInfo
}

// Response is the full answer to one search request. Count is the Index's
// total match count, not the number of hydrated Results on this page
// (spec.md §4.4 step 1).
type Response struct {
	Results    []Result
	Count      uint64
	NextCursor string
}

// Engine is the synchronous Query Engine. It reads directly from the Event
// Store and Index, bypassing the Writer entirely (spec.md §4.1 "Queries
// bypass the Writer").
type Engine struct {
	store *eventstore.Store
	ix    *searchindex.Index
}

// New builds a Query Engine over an already-open Event Store and Index.
func New(store *eventstore.Store, ix *searchindex.Index) *Engine {
	return &Engine{store: store, ix: ix}
}

// Search executes req end to end: index query, bulk event hydration,
// per-hit before/after context, and profile-at-time resolution (spec.md
// §4.4 steps 1-5).
func (e *Engine) Search(ctx context.Context, req Request) (Response, error) {
	iq := searchindex.Query{
		Term:           req.Term,
		RoomFilter:     req.RoomFilter,
		SenderFilter:   req.SenderFilter,
		Limit:          req.Limit,
		OrderByRecency: req.OrderByRecency,
		Cursor:         req.Cursor,
	}
	ires, err := e.ix.Search(iq)
	if err != nil {
		return Response{}, fmt.Errorf("index query: %w", err)
	}
	if len(ires.Hits) == 0 {
		return Response{Count: ires.Total}, nil
	}

	ids := make([]string, len(ires.Hits))
	scoreByID := make(map[string]float64, len(ires.Hits))
	for i, h := range ires.Hits {
		ids[i] = h.EventID
		scoreByID[h.EventID] = h.Score
	}

	events, err := e.store.LoadEvents(ctx, ids)
	if err != nil {
		return Response{}, fmt.Errorf("hydrate events: %w", err)
	}

	results := make([]Result, 0, len(events))
	for _, ev := range events {
		r := Result{Event: ev, Score: scoreByID[ev.EventID]}

		if req.BeforeLimit > 0 {
			before, err := e.store.Before(ctx, ev.RoomID, ev.OriginServerTS, ev.EventID, req.BeforeLimit)
			if err != nil {
				return Response{}, fmt.Errorf("load before-context for %s: %w", ev.EventID, err)
			}
			r.Before = before
		}
		if req.AfterLimit > 0 {
			after, err := e.store.After(ctx, ev.RoomID, ev.OriginServerTS, ev.EventID, req.AfterLimit)
			if err != nil {
				return Response{}, fmt.Errorf("load after-context for %s: %w", ev.EventID, err)
			}
			r.After = after
		}

		profile, err := e.store.ProfileAt(ctx, ev.Sender, ev.OriginServerTS)
		if err != nil {
			return Response{}, fmt.Errorf("resolve profile for %s: %w", ev.EventID, err)
		}
		r.ProfileInfo = ProfileInfo{DisplayName: profile.DisplayName, AvatarURL: profile.AvatarURL}

		results = append(results, r)
	}

	return Response{Results: results, Count: ires.Total, NextCursor: ires.NextCursor}, nil
}
