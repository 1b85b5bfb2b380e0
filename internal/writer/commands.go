package writer

import "github.com/mtx-seshat/seshat/internal/eventstore"

type pendingRecord struct {
	deleted     bool
	event       eventstore.Event
	profile     eventstore.Profile
	indexedText string
	hasText     bool

	// hasProfileID is set when profileID was already resolved in a previous
	// process (replayed from the pending_writes staging table on restart),
	// letting doCommit skip re-upserting the profile.
	hasProfileID bool
	profileID    int64
}

type checkpointOp struct {
	upsert bool
	cp     eventstore.Checkpoint
}

type cmdAddEvent struct {
	event   eventstore.Event
	profile eventstore.Profile
	done    chan error
}

type cmdDeleteEvent struct {
	eventID string
	done    chan deleteResult
}

type deleteResult struct {
	wasIndexed bool
	err        error
}

type cmdAddHistoric struct {
	events         []eventstore.Event
	profiles       map[string]eventstore.Profile // keyed by sender id
	newCheckpoint  *eventstore.Checkpoint
	oldCheckpoint  *eventstore.Checkpoint
	done           chan historicResult
}

type historicResult struct {
	allAlreadyPresent bool
	err               error
}

type cmdCheckpoint struct {
	op   checkpointOp
	done chan error
}

type cmdCommit struct {
	force bool
	done  chan commitResult
}

type commitResult struct {
	stamp int64
	err   error
}

type cmdChangePassphrase struct {
	newPassphrase string
	done          chan error
}

type cmdShutdown struct {
	done chan error
}
