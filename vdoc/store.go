package vdoc

import (
	"sync"

	"github.com/docbase/docbase/database"
	"github.com/docbase/docbase/engine"
	"github.com/docbase/docbase/log"
)

// Keystore names backing the document store. Live documents and deletion
// tombstones are split so the live store never filters.
const (
	liveStoreName = "docs"
	deadStoreName = "del_docs"
)

// A Store holds versioned documents in a live/dead keystore pair.
type Store struct {
	db *database.Database
	ks *database.BothKeyStore

	observersLock sync.Mutex
	observers     []*Observer
}

// Open opens the document store of db.
func Open(db *database.Database) (*Store, error) {
	live, err := db.OpenKeyStore(liveStoreName)
	if err != nil {
		return nil, err
	}
	dead, err := db.OpenKeyStore(deadStoreName)
	if err != nil {
		return nil, err
	}
	ks, err := database.NewBothKeyStore(live, dead)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, ks: ks}, nil
}

// Database returns the owning database.
func (s *Store) Database() *database.Database { return s.db }

// KeyStore returns the composed live/dead keystore.
func (s *Store) KeyStore() *database.BothKeyStore { return s.ks }

// LastSequence returns the document store's high-water sequence.
func (s *Store) LastSequence() (engine.Sequence, error) {
	return s.ks.LastSequence()
}

// Get reads the document with the given ID. A missing document is reported
// through Document.Exists.
func (s *Store) Get(docID string) (*Document, error) {
	rec, err := s.ks.Get([]byte(docID), false)
	if err != nil {
		return nil, err
	}
	return decodeDocument(&rec)
}

// A PutRequest inserts an existing revision (one that already has an ID,
// e.g. pulled from a peer) into a document's tree.
type PutRequest struct {
	DocID string
	RevID string
	// History lists ancestor revision IDs, nearest first. It need not
	// include RevID itself.
	History       []string
	Deleted       bool
	Body          []byte
	AllowConflict bool
}

// PutExistingRevision grafts the requested revision onto the document's
// tree and saves it, within the caller's transaction. Inserting a revision
// that is already present succeeds without consuming a sequence.
func (s *Store) PutExistingRevision(t *database.Transaction, req *PutRequest) (*Document, error) {
	doc, err := s.Get(req.DocID)
	if err != nil {
		return nil, err
	}

	history := req.History
	if len(history) == 0 || history[0] != req.RevID {
		history = append([]string{req.RevID}, history...)
	}
	if !req.AllowConflict && doc.Exists && doc.findRev(history[len(history)-1]) < 0 {
		return nil, engine.ErrConflict
	}

	var flags RevFlags
	if req.Deleted {
		flags |= RevDeleted
	}
	leaf := doc.insertHistory(history, flags, req.Body)
	if leaf < 0 {
		// Revision already known.
		return doc, nil
	}
	doc.selected = leaf

	if err := s.save(t, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) save(t *database.Transaction, doc *Document) error {
	body, err := doc.encode()
	if err != nil {
		return err
	}

	var flags engine.Flags
	if cur := doc.tree.Current; cur >= 0 && doc.tree.Revs[cur].Flags.Deleted() {
		flags |= engine.FlagDeleted
	}
	rec := engine.Record{
		Key:     []byte(doc.DocID),
		Version: []byte(doc.CurrentRevID()),
		Body:    body,
		Flags:   flags,
	}
	seq, err := s.ks.Set(&rec, t, nil, true)
	if err != nil {
		return err
	}
	doc.Sequence = seq
	doc.Flags = flags
	doc.Exists = true
	return nil
}

// A Change describes one document change in sequence order.
type Change struct {
	DocID    string
	RevID    string
	Sequence engine.Sequence
	Deleted  bool
}

// Changes reads up to limit changes with sequences strictly after since,
// excluding bodies and including deleted documents. A limit of zero or less
// reads all.
func (s *Store) Changes(since engine.Sequence, limit int) ([]Change, error) {
	e, err := s.ks.NewEnumeratorImpl(true, since, engine.EnumeratorOptions{
		Sort:           engine.SortAscending,
		IncludeDeleted: true,
		MetaOnly:       true,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = e.Close() }()

	var changes []Change
	for limit <= 0 || len(changes) < limit {
		ok, err := e.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		var rec engine.Record
		if err := e.Read(&rec); err != nil {
			return nil, err
		}
		changes = append(changes, Change{
			DocID:    string(rec.Key),
			RevID:    string(rec.Version),
			Sequence: rec.Sequence,
			Deleted:  rec.Flags.Deleted(),
		})
	}
	return changes, nil
}

// An Observer is notified after commits that changed the document store.
type Observer struct {
	store  *Store
	since  engine.Sequence
	notify func()
}

// AddObserver registers a change observer. The callback fires after commits;
// the observer drains changes with GetChanges.
func (s *Store) AddObserver(notify func()) (*Observer, error) {
	since, err := s.LastSequence()
	if err != nil {
		return nil, err
	}
	obs := &Observer{store: s, since: since, notify: notify}

	s.observersLock.Lock()
	defer s.observersLock.Unlock()
	s.observers = append(s.observers, obs)
	return obs, nil
}

// GetChanges drains up to max pending changes. The second result is always
// false: the observer does not track which connection made a change.
func (o *Observer) GetChanges(max int) ([]Change, bool, error) {
	changes, err := o.store.Changes(o.since, max)
	if err != nil {
		return nil, false, err
	}
	if len(changes) > 0 {
		o.since = changes[len(changes)-1].Sequence
	}
	return changes, false, nil
}

// Close unregisters the observer.
func (o *Observer) Close() {
	s := o.store

	s.observersLock.Lock()
	defer s.observersLock.Unlock()
	for i, obs := range s.observers {
		if obs == o {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

// NotifyCommitted fires all observers. Writers call this after committing
// changes to the document store.
func (s *Store) NotifyCommitted() {
	s.observersLock.Lock()
	observers := make([]*Observer, len(s.observers))
	copy(observers, s.observers)
	s.observersLock.Unlock()

	log.Tracef("vdoc: notifying %d observers", len(observers))
	for _, obs := range observers {
		obs.notify()
	}
}
