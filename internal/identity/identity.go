// Package identity generates internal identifiers that have no natural
// caller-supplied value: pending-write records. Profile rows use SQLite's
// integer profile_id instead. Event, room, and sender ids always come from
// the caller (Matrix-family ids) and are never minted here.
package identity

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

func generateULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy)
	return id.String()
}

// NewPendingWriteID mints an id for a write record queued but not yet
// committed, so it can be tracked and deduplicated across writer restarts.
func NewPendingWriteID() string {
	return "pw_" + generateULID()
}
