package bolt

import (
	"encoding/binary"

	"go.etcd.io/bbolt"

	"github.com/docbase/docbase/engine"
)

// Store is a bbolt-backed keystore handle.
type Store struct {
	df      *DataFile
	name    string
	seqName string
}

// Name returns the keystore name.
func (s *Store) Name() string { return s.name }

// Close releases the handle. The underlying bucket is untouched.
func (s *Store) Close() error {
	s.df.mu.Lock()
	defer s.df.mu.Unlock()

	if s.df.stores[s.name] == s {
		delete(s.df.stores, s.name)
	}
	return nil
}

// ShareSequencesWith makes this store draw sequences from other's generator.
func (s *Store) ShareSequencesWith(other engine.Store) error {
	o, ok := other.(*Store)
	if !ok || o.df != s.df {
		return engine.Errf(engine.StatusInvalidConfig, "cannot share sequences across files")
	}
	s.seqName = o.seqName
	return nil
}

func (s *Store) nextSequence(tx *bbolt.Tx) (engine.Sequence, error) {
	b := tx.Bucket(seqBucket)
	var seq uint64
	if cur := b.Get([]byte(s.seqName)); cur != nil {
		seq = binary.BigEndian.Uint64(cur)
	}
	seq++
	var enc [8]byte
	binary.BigEndian.PutUint64(enc[:], seq)
	if err := b.Put([]byte(s.seqName), enc[:]); err != nil {
		return 0, err
	}
	return engine.Sequence(seq), nil
}

// Count returns the number of records in the store.
func (s *Store) Count() (uint64, error) {
	var n uint64
	err := s.df.view(func(tx *bbolt.Tx) error {
		n = uint64(tx.Bucket([]byte(s.name)).Stats().KeyN)
		return nil
	})
	if err != nil {
		return 0, engine.Wrap(engine.StatusIOError, err)
	}
	return n, nil
}

// LastSequence returns the last sequence assigned by this store's generator.
func (s *Store) LastSequence() (engine.Sequence, error) {
	var seq uint64
	err := s.df.view(func(tx *bbolt.Tx) error {
		if cur := tx.Bucket(seqBucket).Get([]byte(s.seqName)); cur != nil {
			seq = binary.BigEndian.Uint64(cur)
		}
		return nil
	})
	if err != nil {
		return 0, engine.Wrap(engine.StatusIOError, err)
	}
	return engine.Sequence(seq), nil
}

// NextExpiration scans for the earliest nonzero expiration, or zero.
func (s *Store) NextExpiration() (int64, error) {
	var next int64
	err := s.df.view(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(s.name)).ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(k, v, true)
			if err != nil {
				return err
			}
			if rec.Expiration > 0 && (next == 0 || rec.Expiration < next) {
				next = rec.Expiration
			}
			return nil
		})
	})
	if err != nil {
		return 0, engine.Wrap(engine.StatusIOError, err)
	}
	return next, nil
}

// Get reads the record stored under key.
func (s *Store) Get(key []byte, metaOnly bool) (engine.Record, error) {
	rec := engine.Record{Key: key}
	err := s.df.view(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(s.name)).Get(key)
		if data == nil {
			return nil
		}
		duplicate := make([]byte, len(data))
		copy(duplicate, data)
		var err error
		rec, err = decodeRecord(key, duplicate, metaOnly)
		return err
	})
	if err != nil {
		return rec, engine.Wrap(engine.StatusIOError, err)
	}
	return rec, nil
}

func (s *Store) put(tx *bbolt.Tx, rec *engine.Record, seq engine.Sequence) error {
	b := tx.Bucket([]byte(s.name))
	idx := tx.Bucket(seqIndexName(s.name))

	// Unlink the old sequence index entry, if any.
	if old := b.Get(rec.Key); old != nil {
		oldRec, err := decodeRecord(rec.Key, old, true)
		if err != nil {
			return err
		}
		if err := idx.Delete(seqKey(oldRec.Sequence)); err != nil {
			return err
		}
	}

	data, err := encodeRecord(rec, seq)
	if err != nil {
		return err
	}
	if err := b.Put(rec.Key, data); err != nil {
		return err
	}
	return idx.Put(seqKey(seq), rec.Key)
}

// Set stores rec under a freshly assigned sequence.
func (s *Store) Set(rec *engine.Record) (engine.Sequence, error) {
	var seq engine.Sequence
	err := s.df.update(func(tx *bbolt.Tx) error {
		var err error
		seq, err = s.nextSequence(tx)
		if err != nil {
			return err
		}
		return s.put(tx, rec, seq)
	})
	if err != nil {
		return 0, engine.Wrap(engine.StatusIOError, err)
	}
	rec.Sequence = seq
	return seq, nil
}

// SetReplacing stores rec only if the stored sequence matches replacing
// (0 = must not exist). It returns 0 on a mismatch.
func (s *Store) SetReplacing(rec *engine.Record, replacing engine.Sequence, newSequence bool) (engine.Sequence, error) {
	var seq engine.Sequence
	err := s.df.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(s.name))
		existing := b.Get(rec.Key)

		if replacing == 0 {
			if existing != nil {
				return nil
			}
		} else {
			if existing == nil {
				return nil
			}
			cur, err := decodeRecord(rec.Key, existing, true)
			if err != nil {
				return err
			}
			if cur.Sequence != replacing {
				return nil
			}
		}

		var err error
		seq = rec.Sequence
		if newSequence || seq == 0 {
			seq, err = s.nextSequence(tx)
			if err != nil {
				return err
			}
		}
		return s.put(tx, rec, seq)
	})
	if err != nil {
		return 0, engine.Wrap(engine.StatusIOError, err)
	}
	if seq != 0 {
		rec.Sequence = seq
	}
	return seq, nil
}

// Delete removes the record under key, optionally checking a sequence
// precondition. It reports whether a record was removed.
func (s *Store) Delete(key []byte, replacing *engine.Sequence) (bool, error) {
	var deleted bool
	err := s.df.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(s.name))
		existing := b.Get(key)
		if existing == nil {
			return nil
		}
		cur, err := decodeRecord(key, existing, true)
		if err != nil {
			return err
		}
		if replacing != nil && cur.Sequence != *replacing {
			return nil
		}
		if err := b.Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(seqIndexName(s.name)).Delete(seqKey(cur.Sequence)); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, engine.Wrap(engine.StatusIOError, err)
	}
	return deleted, nil
}

// NewEnumerator enumerates the store by key or by sequence. The records are
// materialized up front so the enumerator does not pin a bolt transaction.
func (s *Store) NewEnumerator(bySequence bool, since engine.Sequence, opts engine.EnumeratorOptions) (engine.Enumerator, error) {
	var recs []engine.Record
	err := s.df.view(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(s.name))

		appendRecord := func(k, v []byte) error {
			duplicate := make([]byte, len(v))
			copy(duplicate, v)
			key := make([]byte, len(k))
			copy(key, k)
			rec, err := decodeRecord(key, duplicate, opts.MetaOnly)
			if err != nil {
				return err
			}
			if !opts.IncludeDeleted && rec.Flags.Deleted() {
				return nil
			}
			recs = append(recs, rec)
			return nil
		}

		if bySequence {
			c := tx.Bucket(seqIndexName(s.name)).Cursor()
			for sk, key := c.Seek(seqKey(since + 1)); sk != nil; sk, key = c.Next() {
				v := b.Get(key)
				if v == nil {
					continue
				}
				if err := appendRecord(key, v); err != nil {
					return err
				}
			}
			return nil
		}

		return b.ForEach(appendRecord)
	})
	if err != nil {
		return nil, engine.Wrap(engine.StatusIOError, err)
	}

	if opts.Sort == engine.SortDescending {
		for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
			recs[i], recs[j] = recs[j], recs[i]
		}
	}
	return &enumerator{recs: recs, pos: -1}, nil
}

// enumerator walks a materialized record list.
type enumerator struct {
	recs []engine.Record
	pos  int
}

func (e *enumerator) Next() (bool, error) {
	if e.pos+1 >= len(e.recs) {
		e.pos = len(e.recs)
		return false, nil
	}
	e.pos++
	return true, nil
}

func (e *enumerator) Key() []byte {
	if e.pos < 0 || e.pos >= len(e.recs) {
		return nil
	}
	return e.recs[e.pos].Key
}

func (e *enumerator) Sequence() engine.Sequence {
	if e.pos < 0 || e.pos >= len(e.recs) {
		return 0
	}
	return e.recs[e.pos].Sequence
}

func (e *enumerator) Read(rec *engine.Record) error {
	if e.pos < 0 || e.pos >= len(e.recs) {
		return engine.ErrNotFound
	}
	*rec = e.recs[e.pos]
	return nil
}

func (e *enumerator) Close() error {
	e.recs = nil
	e.pos = 0
	return nil
}
