package replicator

import (
	"github.com/docbase/docbase/engine"
	"github.com/docbase/docbase/vdoc"
)

// A Rev identifies one revision of a document in a changes feed.
type Rev struct {
	DocID    string
	RevID    string
	Sequence engine.Sequence
	Deleted  bool
}

func revFromChange(c vdoc.Change) Rev {
	return Rev{
		DocID:    c.DocID,
		RevID:    c.RevID,
		Sequence: c.Sequence,
		Deleted:  c.Deleted,
	}
}

// A Pusher consumes batches of changes read from the database.
type Pusher interface {
	GotChanges(changes []Rev, err error)
}

// A RevRequest asks the actor to send one revision to the peer.
type RevRequest struct {
	DocID    string
	RevID    string
	Sequence engine.Sequence
	// MaxHistory caps the length of the history string.
	MaxHistory int
	// AncestorRevIDs are revisions the peer already has; history stops at
	// the first one found.
	AncestorRevIDs []string
}

// A RevToInsert is an incoming revision queued for batched insertion.
type RevToInsert struct {
	DocID string
	RevID string
	// History is the comma-separated ancestor revID list from the wire.
	History string
	Deleted bool
	Body    []byte
	// OnInserted fires with the revision's final error, nil on success.
	OnInserted func(err error)
}
