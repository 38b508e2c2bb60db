package replicator

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/tidwall/gjson"

	"github.com/docbase/docbase/database"
	"github.com/docbase/docbase/engine"
	"github.com/docbase/docbase/formats/bindoc"
	"github.com/docbase/docbase/log"
	"github.com/docbase/docbase/transport"
	"github.com/docbase/docbase/vdoc"
)

// Tunables.
const (
	insertionDelay        = 20 * time.Millisecond
	maxRevsToInsert       = 100
	minBodySizeToCompress = 500
	maxPossibleAncestors  = 10
	observerBatchSize     = 100
)

var revsInserted = metrics.NewCounter("docbase_replicator_revs_inserted_total")

// errBatchAborted surfaces to revisions whose own put succeeded but whose
// batch transaction was rolled back by another revision's failure.
var errBatchAborted = errors.New("replicator: insert batch aborted")

// GetChanges asks the actor for up to limit changes after since. With
// continuous, the actor keeps observing the database and feeds later changes
// to the pusher as they commit.
func (a *DBActor) GetChanges(since engine.Sequence, limit int, continuous bool, pusher Pusher) {
	a.enqueue(func() { a.getChanges(since, limit, continuous, pusher) })
}

func (a *DBActor) getChanges(since engine.Sequence, limit int, continuous bool, pusher Pusher) {
	log.Debugf("replicator: reading %d local changes from %d", limit, since)
	changes, err := a.docs.Changes(since, limit)

	revs := make([]Rev, 0, len(changes))
	for _, c := range changes {
		revs = append(revs, revFromChange(c))
	}

	if err == nil && continuous && limit > len(changes) && a.changeObserver == nil {
		// The end of history is reached; start observing future changes.
		a.pusher = pusher
		a.changeObserver, err = a.docs.AddObserver(func() {
			a.enqueue(a.dbChanged)
		})
	}

	pusher.GotChanges(revs, err)
}

// dbChanged drains the change observer in batches and feeds the pusher.
func (a *DBActor) dbChanged() {
	if a.changeObserver == nil {
		return
	}
	for {
		changes, _, err := a.changeObserver.GetChanges(observerBatchSize)
		if err != nil {
			a.gotError(err)
			return
		}
		if len(changes) == 0 {
			return
		}
		log.Debugf("replicator: notified of %d db changes %d ... %d",
			len(changes), changes[0].Sequence, changes[len(changes)-1].Sequence)
		revs := make([]Rev, 0, len(changes))
		for _, c := range changes {
			revs = append(revs, revFromChange(c))
		}
		a.pusher.GotChanges(revs, nil)
	}
}

// FindOrRequestRevs processes a peer's "changes" message: for each entry it
// answers 0 when the revision is already known, or the list of local
// ancestors when it should be sent. callback receives the sequences of the
// requested revisions.
func (a *DBActor) FindOrRequestRevs(req *transport.MessageIn, callback func(requestedSequences []string)) {
	a.enqueue(func() { a.findOrRequestRevs(req, callback) })
}

func (a *DBActor) findOrRequestRevs(req *transport.MessageIn, callback func(requestedSequences []string)) {
	changes := gjson.ParseBytes(req.Body()).Array()
	log.Debugf("replicator: looking up %d revisions in the db ...", len(changes))

	response := transport.NewMessage("changes")
	response.SetProperty("maxHistory", strconv.FormatUint(uint64(a.db.MaxRevTreeDepth()), 10))

	var requestedSequences []string
	var answer []interface{}
	itemsWritten, requested := 0, 0

	for i, item := range changes {
		change := item.Array()
		if len(change) < 3 {
			log.Warningf("replicator: invalid entry in 'changes' message")
			return
		}
		docID := change[1].String()
		revID := change[2].String()
		if docID == "" || revID == "" {
			log.Warningf("replicator: invalid entry in 'changes' message")
			return
		}

		found, ancestors := a.findAncestors(docID, revID)
		if found {
			continue
		}

		// This revision is wanted: fill the gap with zeros, then write the
		// known ancestors.
		requested++
		for itemsWritten < i {
			answer = append(answer, 0)
			itemsWritten++
		}
		if ancestors == nil {
			ancestors = []string{}
		}
		answer = append(answer, ancestors)
		itemsWritten++

		if callback != nil {
			sequence := change[0].String()
			if sequence != "" {
				requestedSequences = append(requestedSequences, sequence)
			} else {
				log.Warningf("replicator: empty/invalid sequence in 'changes' message")
			}
		}
	}

	if callback != nil {
		callback(requestedSequences)
	}

	body, err := json.Marshal(answer)
	if err != nil {
		a.gotError(err)
		return
	}
	response.SetBody(body)
	log.Debugf("replicator: responding w/request for %d revs", requested)
	req.Respond(response)
}

// SendRevision sends one document revision to the peer in a "rev" request.
func (a *DBActor) SendRevision(request RevRequest, onProgress transport.ReplyCallback) {
	a.enqueue(func() { a.sendRevision(request, onProgress) })
}

func (a *DBActor) sendRevision(request RevRequest, onProgress transport.ReplyCallback) {
	log.Tracef("replicator: sending revision '%s' #%s", request.DocID, request.RevID)

	doc, err := a.docs.Get(request.DocID)
	if err != nil {
		a.gotError(err)
		return
	}
	if !doc.Exists {
		a.gotError(engine.Errf(engine.StatusNotFound, "no document %q", request.DocID))
		return
	}
	if err := doc.SelectRevision(request.RevID); err != nil {
		a.gotError(err)
		return
	}
	selected := doc.SelectedRev()
	revisionBody := selected.Body
	deleted := selected.Flags.Deleted()

	// Generate the revision history string, stopping at any revision the
	// peer is known to have.
	ancestors := make(map[string]struct{}, len(request.AncestorRevIDs))
	for _, id := range request.AncestorRevIDs {
		ancestors[id] = struct{}{}
	}
	maxHistory := request.MaxHistory
	if maxHistory <= 0 {
		maxHistory = int(a.db.MaxRevTreeDepth())
	}
	var history []string
	for n := 0; n < maxHistory; n++ {
		if !doc.SelectParentRevision() {
			break
		}
		revID := doc.SelectedRev().RevID
		history = append(history, revID)
		if _, known := ancestors[revID]; known {
			break
		}
	}

	msg := transport.NewMessage("rev")
	msg.NoReply = onProgress == nil
	msg.Compressed = len(revisionBody) >= minBodySizeToCompress
	msg.SetProperty("id", request.DocID)
	msg.SetProperty("rev", request.RevID)
	msg.SetProperty("sequence", strconv.FormatUint(uint64(request.Sequence), 10))
	if deleted {
		msg.SetProperty("deleted", "1")
	}
	if len(history) > 0 {
		msg.SetProperty("history", strings.Join(history, ","))
	}

	if len(revisionBody) > 0 {
		// Re-encode the stored body under the database's document keys.
		root, err := bindoc.FromData(revisionBody, a.db.DocumentKeys())
		if err != nil {
			a.gotError(err)
			return
		}
		enc := bindoc.NewEncoder()
		enc.SetSharedKeys(a.db.DocumentKeys())
		if err := enc.WriteValue(root.Root()); err != nil {
			a.gotError(err)
			return
		}
		body, err := enc.FinishDoc()
		if err != nil {
			a.gotError(err)
			return
		}
		msg.SetBody(body.Data())
	}

	if err := a.conn.SendRequest(msg, onProgress); err != nil {
		a.gotError(err)
	}
}

// InsertRevision queues an incoming revision for insertion. Inserts are
// debounced: a short timer coalesces a burst into one transaction, and a
// full queue flushes immediately.
func (a *DBActor) InsertRevision(rev *RevToInsert) {
	a.enqueue(func() { a.insertRevision(rev) })
}

func (a *DBActor) insertRevision(rev *RevToInsert) {
	wasEmpty := len(a.revsToInsert) == 0
	a.revsToInsert = append(a.revsToInsert, rev)
	switch {
	case wasEmpty:
		a.enqueueAfter(insertionDelay, a.insertRevisionsNow)
	case len(a.revsToInsert) >= maxRevsToInsert:
		a.insertRevisionsNow()
	}
}

func (a *DBActor) insertRevisionsNow() {
	revs := a.revsToInsert
	if len(revs) == 0 {
		return
	}
	a.revsToInsert = nil
	log.Debugf("replicator: inserting %d revs", len(revs))
	start := time.Now()

	errs := make([]error, len(revs))
	t, err := a.db.BeginTransaction()
	if err != nil {
		for i := range errs {
			errs[i] = err
		}
	} else {
		for i, rev := range revs {
			var history []string
			if rev.History != "" {
				history = strings.Split(rev.History, ",")
			}
			_, errs[i] = a.docs.PutExistingRevision(t, &vdoc.PutRequest{
				DocID:         rev.DocID,
				RevID:         rev.RevID,
				History:       history,
				Deleted:       rev.Deleted,
				Body:          rev.Body,
				AllowConflict: true,
			})
		}
		aborted := t.Disposition() == database.TxAbort
		commitErr := t.End()
		for i := range errs {
			if errs[i] != nil {
				continue
			}
			switch {
			case commitErr != nil:
				errs[i] = commitErr
			case aborted:
				errs[i] = errBatchAborted
			}
		}
		if commitErr == nil && !aborted {
			a.docs.NotifyCommitted()
		}
	}

	var failures *multierror.Error
	for i, rev := range revs {
		if errs[i] == nil {
			revsInserted.Inc()
		} else {
			failures = multierror.Append(failures, errs[i])
		}
		if rev.OnInserted != nil {
			rev.OnInserted(errs[i])
		}
	}
	if failures.ErrorOrNil() != nil {
		log.Warningf("replicator: %d of %d revs failed to insert: %s",
			failures.Len(), len(revs), failures)
	}
	log.Debugf("replicator: inserted %d revs in %s", len(revs), time.Since(start))
}

// findAncestors reports whether the revision exists locally. When it does
// not, it returns the ancestor revisions the local db does have (empty when
// the document is unknown).
func (a *DBActor) findAncestors(docID, revID string) (bool, []string) {
	doc, err := a.docs.Get(docID)
	if err != nil {
		if !engine.IsNotFound(err) {
			a.gotError(err)
		}
		return false, nil
	}
	if !doc.Exists {
		return false, nil
	}
	if err := doc.SelectRevision(revID); err == nil {
		return true, nil
	}
	return false, doc.PossibleAncestorsOf(revID, maxPossibleAncestors)
}
