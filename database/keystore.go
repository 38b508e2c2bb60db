package database

import (
	"github.com/docbase/docbase/engine"
)

// WithDocBodyCallback maps a found record to the slice returned for it. A
// nil callback returns the record body.
type WithDocBodyCallback func(rec *engine.Record) []byte

// KeyStore is the uniform surface of a named record store. Writes require a
// Transaction so that all mutation flows through the file's writer gate.
type KeyStore interface {
	Name() string
	Database() *Database
	// Store returns the underlying engine handle.
	Store() engine.Store

	Count(includeDeleted bool) (uint64, error)
	LastSequence() (engine.Sequence, error)
	NextExpiration() (int64, error)

	Get(key []byte, metaOnly bool) (engine.Record, error)

	// Set stores rec. With replacing nil the write is unconditional. With a
	// non-nil replacing it is an MVCC write: the stored sequence must equal
	// *replacing (0 = record must not exist), and a mismatch returns 0
	// without error.
	Set(rec *engine.Record, t *Transaction, replacing *engine.Sequence, newSequence bool) (engine.Sequence, error)

	Delete(key []byte, t *Transaction, replacing *engine.Sequence) (bool, error)

	// WithDocBodies resolves a batch of docIDs to slices, one per docID,
	// nil where the document is unknown.
	WithDocBodies(docIDs [][]byte, cb WithDocBodyCallback) ([][]byte, error)

	NewEnumeratorImpl(bySequence bool, since engine.Sequence, opts engine.EnumeratorOptions) (engine.Enumerator, error)
}

// basicKeyStore is a KeyStore over a single engine store.
type basicKeyStore struct {
	db    *Database
	store engine.Store
}

func (ks *basicKeyStore) Name() string        { return ks.store.Name() }
func (ks *basicKeyStore) Database() *Database { return ks.db }
func (ks *basicKeyStore) Store() engine.Store { return ks.store }

func (ks *basicKeyStore) Count(includeDeleted bool) (uint64, error) {
	if includeDeleted {
		return ks.store.Count()
	}

	// Deleted records are real rows here, so counting live ones means
	// walking the metadata.
	e, err := ks.store.NewEnumerator(false, 0, engine.EnumeratorOptions{
		Sort:     engine.SortUnsorted,
		MetaOnly: true,
	})
	if err != nil {
		return 0, err
	}
	defer func() { _ = e.Close() }()

	var n uint64
	for {
		ok, err := e.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			return n, nil
		}
		var rec engine.Record
		if err := e.Read(&rec); err != nil {
			return 0, err
		}
		if !rec.Flags.Deleted() {
			n++
		}
	}
}

func (ks *basicKeyStore) LastSequence() (engine.Sequence, error) {
	return ks.store.LastSequence()
}

func (ks *basicKeyStore) NextExpiration() (int64, error) {
	return ks.store.NextExpiration()
}

func (ks *basicKeyStore) Get(key []byte, metaOnly bool) (engine.Record, error) {
	return ks.store.Get(key, metaOnly)
}

func (ks *basicKeyStore) Set(rec *engine.Record, t *Transaction, replacing *engine.Sequence, newSequence bool) (engine.Sequence, error) {
	if err := ks.checkWritable(t); err != nil {
		return 0, err
	}
	if replacing == nil {
		seq, err := ks.store.Set(rec)
		return seq, t.Check(err)
	}
	seq, err := ks.store.SetReplacing(rec, *replacing, newSequence)
	return seq, t.Check(err)
}

func (ks *basicKeyStore) Delete(key []byte, t *Transaction, replacing *engine.Sequence) (bool, error) {
	if err := ks.checkWritable(t); err != nil {
		return false, err
	}
	ok, err := ks.store.Delete(key, replacing)
	return ok, t.Check(err)
}

func (ks *basicKeyStore) checkWritable(t *Transaction) error {
	if ks.db.IsReadOnly() {
		return ErrReadOnly
	}
	if t == nil || t.db.state != ks.db.state {
		panic("database: keystore write without a transaction on its file")
	}
	return nil
}

func (ks *basicKeyStore) WithDocBodies(docIDs [][]byte, cb WithDocBodyCallback) ([][]byte, error) {
	result := make([][]byte, len(docIDs))
	for i, docID := range docIDs {
		rec, err := ks.store.Get(docID, false)
		if err != nil {
			return nil, err
		}
		if !rec.Exists {
			continue
		}
		if cb != nil {
			result[i] = cb(&rec)
		} else {
			result[i] = rec.Body
		}
	}
	return result, nil
}

func (ks *basicKeyStore) NewEnumeratorImpl(bySequence bool, since engine.Sequence, opts engine.EnumeratorOptions) (engine.Enumerator, error) {
	return ks.store.NewEnumerator(bySequence, since, opts)
}
