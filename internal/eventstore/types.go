package eventstore

import "encoding/json"

// Event is a single chat-protocol event as persisted in the event store. The
// Content blob is kept verbatim so a round trip reproduces the original bytes.
type Event struct {
	EventID        string
	RoomID         string
	Sender         string
	OriginServerTS int64
	Type           string
	Content        json.RawMessage
}

// eventContent is the subset of an event's content Seshat cares about for
// indexing and media tracking. Unknown fields are preserved by keeping the
// original Content blob, not by round-tripping through this struct.
type eventContent struct {
	Body    string `json:"body,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Name    string `json:"name,omitempty"`
	MsgType string `json:"msgtype,omitempty"`
	URL     string `json:"url,omitempty"`
}

// IndexedText returns the concatenation of body/topic/name used for
// full-text indexing, and whether the event has any indexable text at all.
func (e Event) IndexedText() (string, bool) {
	var c eventContent
	if err := json.Unmarshal(e.Content, &c); err != nil {
		return "", false
	}
	var parts []string
	for _, s := range []string{c.Body, c.Topic, c.Name} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	joined := parts[0]
	for _, p := range parts[1:] {
		joined += "\n" + p
	}
	return joined, true
}

// Profile is a sender's display-name/avatar snapshot at a point in time.
type Profile struct {
	ID          int64
	DisplayName string
	AvatarURL   string
}

// Direction is the crawl direction of a checkpoint.
type Direction string

const (
	DirectionBackward Direction = "backward"
	DirectionForward  Direction = "forward"
)

// Checkpoint records resumable crawl progress for one room+direction.
type Checkpoint struct {
	RoomID    string
	Token     string
	Direction Direction
	FullCrawl bool
}

// Stats is a point-in-time snapshot of event-store size.
type Stats struct {
	EventCount int64
	RoomCount  int64
	SizeBytes  int64
}

// PendingWrite is an event queued for indexing but not yet committed.
type PendingWrite struct {
	ID          string
	Event       Event
	ProfileID   int64
	IndexedText string
	HasText     bool
	Deleted     bool
}
