package replicator

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/docbase/docbase/database"
	"github.com/docbase/docbase/engine"
	"github.com/docbase/docbase/formats/bindoc"
	"github.com/docbase/docbase/log"
	"github.com/docbase/docbase/transport"
	"github.com/docbase/docbase/vdoc"
)

// Checkpoint stores.
const (
	localCheckpointStore = "checkpoints"
	peerCheckpointStore  = "peerCheckpoints"
)

// CheckpointCallback receives a local checkpoint lookup result.
type CheckpointCallback func(checkpointID string, body []byte, err error)

// A DBActor owns all database access for one replication connection. It is
// single-threaded by construction: every public operation and message
// handler runs on the actor's mailbox goroutine.
type DBActor struct {
	*actor

	conn          transport.Connection
	db            *database.Database
	docs          *vdoc.Store
	remoteAddress string

	revsToInsert   []*RevToInsert
	pusher         Pusher
	changeObserver *vdoc.Observer

	remoteCheckpointDocID string

	// OnError observes background errors. Defaults to logging.
	OnError func(err error)
}

// NewDBActor creates the database actor for one connection and registers
// its message handlers.
func NewDBActor(conn transport.Connection, db *database.Database, docs *vdoc.Store, remoteAddress string) *DBActor {
	a := &DBActor{
		actor:         newActor("DB"),
		conn:          conn,
		db:            db,
		docs:          docs,
		remoteAddress: remoteAddress,
	}
	conn.RegisterHandler("getCheckpoint", func(req *transport.MessageIn) {
		a.enqueue(func() { a.handleGetCheckpoint(req) })
	})
	conn.RegisterHandler("setCheckpoint", func(req *transport.MessageIn) {
		a.enqueue(func() { a.handleSetCheckpoint(req) })
	})
	return a
}

// Stop shuts the actor down after draining queued work.
func (a *DBActor) Stop() {
	a.enqueue(func() {
		if a.changeObserver != nil {
			a.changeObserver.Close()
			a.changeObserver = nil
		}
	})
	a.stop()
}

func (a *DBActor) gotError(err error) {
	if a.OnError != nil {
		a.OnError(err)
		return
	}
	log.Errorf("replicator: DB actor error: %s", err)
}

// effectiveRemoteCheckpointDocID derives (and memoizes) the local checkpoint
// document ID from the database's private UUID and the remote address.
func (a *DBActor) effectiveRemoteCheckpointDocID() string {
	if a.remoteCheckpointDocID == "" {
		enc := bindoc.NewEncoder()
		enc.BeginArray(2)
		_ = enc.WriteData(a.db.PrivateUUID())
		_ = enc.WriteString(a.remoteAddress)
		_ = enc.EndArray()
		doc, err := enc.FinishDoc()
		if err != nil {
			panic(fmt.Sprintf("replicator: checkpoint ID encoding failed: %s", err))
		}
		digest := sha1.Sum(doc.Data())
		a.remoteCheckpointDocID = "cp-" + base64.StdEncoding.EncodeToString(digest[:])
	}
	return a.remoteCheckpointDocID
}

// GetCheckpoint reads the local checkpoint and calls cb with it. A missing
// checkpoint is not an error; the body is empty.
func (a *DBActor) GetCheckpoint(cb CheckpointCallback) {
	a.enqueue(func() { a.getCheckpoint(cb) })
}

func (a *DBActor) getCheckpoint(cb CheckpointCallback) {
	checkpointID := a.effectiveRemoteCheckpointDocID()
	rec, err := a.db.RawGet(localCheckpointStore, []byte(checkpointID))
	var body []byte
	switch {
	case err == nil && rec.Exists:
		body = rec.Body
	case err == database.ErrNotFound || engine.IsNotFound(err):
		err = nil
	}
	cb(checkpointID, body, err)
}

// SetCheckpoint writes the local checkpoint, then calls onComplete.
func (a *DBActor) SetCheckpoint(body []byte, onComplete func()) {
	a.enqueue(func() { a.setCheckpoint(body, onComplete) })
}

func (a *DBActor) setCheckpoint(body []byte, onComplete func()) {
	checkpointID := a.effectiveRemoteCheckpointDocID()
	if err := a.db.RawPut(localCheckpointStore, []byte(checkpointID), nil, body); err != nil {
		a.gotError(err)
	} else {
		log.Debugf("replicator: saved local checkpoint %s", checkpointID)
	}
	if onComplete != nil {
		onComplete()
	}
}

// getPeerCheckpointDoc resolves the peer checkpoint document of a request.
// It responds with an error and returns false when the caller should stop.
func (a *DBActor) getPeerCheckpointDoc(req *transport.MessageIn, getting bool) (string, engine.Record, bool) {
	checkpointID := req.Property("client")
	if checkpointID == "" {
		req.RespondWithError(transport.BLIPDomain, 400)
		return "", engine.Record{}, false
	}
	verb := "set"
	if getting {
		verb = "get"
	}
	log.Debugf("replicator: request to %s checkpoint '%s'", verb, checkpointID)

	rec, err := a.db.RawGet(peerCheckpointStore, []byte(checkpointID))
	switch {
	case err != nil && !engine.IsNotFound(err) && err != database.ErrNotFound:
		req.RespondWithError(transport.HTTPDomain, 502)
		return "", engine.Record{}, false
	case !rec.Exists:
		if getting {
			req.RespondWithError(transport.HTTPDomain, 404)
			return "", engine.Record{}, false
		}
		// A missing doc is fine when setting; there is just no rev to match.
	}
	return checkpointID, rec, true
}

// handleGetCheckpoint serves a peer's "getCheckpoint" request.
func (a *DBActor) handleGetCheckpoint(req *transport.MessageIn) {
	_, rec, ok := a.getPeerCheckpointDoc(req, true)
	if !ok {
		return
	}
	response := transport.NewMessage("getCheckpoint")
	response.SetProperty("rev", string(rec.Version))
	response.SetBody(rec.Body)
	req.Respond(response)
}

// handleSetCheckpoint serves a peer's "setCheckpoint" request, rolling the
// stored revision forward on success.
func (a *DBActor) handleSetCheckpoint(req *transport.MessageIn) {
	t, err := a.db.BeginTransaction()
	if err != nil {
		req.RespondWithError(transport.HTTPDomain, 502)
		return
	}
	defer func() { _ = t.End() }()

	// Get the existing doc so its revID can be checked.
	checkpointID, rec, ok := a.getPeerCheckpointDoc(req, false)
	if !ok {
		t.Abort()
		return
	}

	var actualRev string
	var generation uint64
	if rec.Exists {
		actualRev = string(rec.Version)
		generation = parseGeneration(actualRev)
	}

	// Check for conflict.
	if req.Property("rev") != actualRev {
		t.Abort()
		req.RespondWithError(transport.HTTPDomain, 409)
		return
	}

	generation++
	rev := strconv.FormatUint(generation, 10) + "-cc"

	if err := a.db.RawPutIn(t, peerCheckpointStore, []byte(checkpointID), []byte(rev), req.Body()); err != nil {
		req.RespondWithError(transport.HTTPDomain, 502)
		return
	}
	if err := t.End(); err != nil {
		req.RespondWithError(transport.HTTPDomain, 502)
		return
	}

	response := transport.NewMessage("setCheckpoint")
	response.SetProperty("rev", rev)
	req.Respond(response)
}

// parseGeneration reads the decimal prefix of a revision string. A rev with
// no leading digits parses as generation zero.
func parseGeneration(rev string) uint64 {
	end := 0
	for end < len(rev) && rev[end] >= '0' && rev[end] <= '9' {
		end++
	}
	gen, _ := strconv.ParseUint(rev[:end], 10, 64)
	return gen
}
