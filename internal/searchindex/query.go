package searchindex

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

// Query describes one full-text search request against the Index
// (spec.md §4.4 step 1 "translate request into an Index query").
type Query struct {
	Term           string
	RoomFilter     string // empty = no room filter
	SenderFilter   string // empty = no sender filter
	Limit          int
	OrderByRecency bool   // false = order by relevance score (default)
	Cursor         string // opaque pagination cursor from a previous Result
}

// Hit is one matched document, identified by the event id it was indexed
// under.
type Hit struct {
	EventID   string
	Score     float64
	Timestamp int64
}

// Result is a page of matches plus the cursor for the next page, empty
// when there are no more results. Total is the Index's full match count for
// the query, not the number of hits on this page (spec.md §4.4 step 1).
type Result struct {
	Hits       []Hit
	Total      uint64
	NextCursor string
}

// cursorState is what gets base64-encoded into a pagination cursor: the
// sort values of the last hit on the previous page, plus a fingerprint of
// the query that produced it, so a cursor from one query can never be
// replayed against a different one (spec.md §9 "Cursor stability").
type cursorState struct {
	Fingerprint string   `json:"f"`
	SearchAfter []string `json:"a"`
}

func fingerprint(q Query) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%v", q.Term, q.RoomFilter, q.SenderFilter, q.OrderByRecency)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func encodeCursor(fp string, searchAfter []string) string {
	b, err := json.Marshal(cursorState{Fingerprint: fp, SearchAfter: searchAfter})
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(fp, cursor string) ([]string, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	var cs cursorState
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, fmt.Errorf("unmarshal cursor: %w", err)
	}
	if cs.Fingerprint != fp {
		return nil, fmt.Errorf("cursor does not match this query")
	}
	return cs.SearchAfter, nil
}

// Search executes q against a read snapshot acquired at call time: bleve's
// own index handle already implements snapshot isolation for concurrent
// readers (spec.md §4.2 "acquire a reader snapshot"), so no explicit
// generation pinning is needed beyond what bleve provides.
func (ix *Index) Search(q Query) (Result, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	bq := buildBleveQuery(q)
	// One hit beyond limit is requested to tell whether another page exists.
	req := bleve.NewSearchRequestOptions(bq, limit+1, 0, false)
	req.Fields = []string{"timestamp"}

	if q.OrderByRecency {
		req.SortBy([]string{"-timestamp", "-_score", "-_id"})
	} else {
		req.SortBy([]string{"-_score", "-timestamp", "-_id"})
	}

	fp := fingerprint(q)
	searchAfter, err := decodeCursor(fp, q.Cursor)
	if err != nil {
		return Result{}, err
	}
	if searchAfter != nil {
		req.SearchAfter = searchAfter
	}

	res, err := ix.bi.Search(req)
	if err != nil {
		return Result{}, fmt.Errorf("execute search: %w", err)
	}

	page := res.Hits
	if len(page) > limit {
		page = page[:limit]
	}
	hits := make([]Hit, 0, len(page))
	for _, h := range page {
		var ts int64
		if v, ok := h.Fields["timestamp"].(float64); ok {
			ts = int64(v)
		}
		hits = append(hits, Hit{EventID: h.ID, Score: h.Score, Timestamp: ts})
	}

	var next string
	if len(res.Hits) > limit {
		next = encodeCursor(fp, page[len(page)-1].Sort)
	}
	return Result{Hits: hits, Total: res.Total, NextCursor: next}, nil
}

func buildBleveQuery(q Query) query.Query {
	var must []query.Query
	if q.Term != "" {
		mq := bleve.NewMatchQuery(q.Term)
		mq.SetField("text")
		must = append(must, mq)
	} else {
		must = append(must, bleve.NewMatchAllQuery())
	}
	if q.RoomFilter != "" {
		tq := bleve.NewTermQuery(q.RoomFilter)
		tq.SetField("room_id")
		must = append(must, tq)
	}
	if q.SenderFilter != "" {
		tq := bleve.NewTermQuery(q.SenderFilter)
		tq.SetField("sender_id")
		must = append(must, tq)
	}
	if len(must) == 1 {
		return must[0]
	}
	return bleve.NewConjunctionQuery(must...)
}
