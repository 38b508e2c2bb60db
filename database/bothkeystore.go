package database

import (
	"bytes"

	"github.com/docbase/docbase/engine"
)

// A BothKeyStore presents a unified view over a live and a dead store. The
// deleted flag routes writes; records migrate across on state change. The
// dead store draws sequences from the live store's generator, so sequences
// stay unique across the pair.
type BothKeyStore struct {
	live KeyStore
	dead KeyStore
}

// NewBothKeyStore composes live and dead into one KeyStore.
func NewBothKeyStore(live, dead KeyStore) (*BothKeyStore, error) {
	if err := dead.Store().ShareSequencesWith(live.Store()); err != nil {
		return nil, err
	}
	return &BothKeyStore{live: live, dead: dead}, nil
}

// LiveStore returns the live half.
func (b *BothKeyStore) LiveStore() KeyStore { return b.live }

// DeadStore returns the dead half.
func (b *BothKeyStore) DeadStore() KeyStore { return b.dead }

func (b *BothKeyStore) Name() string        { return b.live.Name() }
func (b *BothKeyStore) Database() *Database { return b.live.Database() }
func (b *BothKeyStore) Store() engine.Store { return b.live.Store() }

func (b *BothKeyStore) Count(includeDeleted bool) (uint64, error) {
	// The live store holds no deleted records, so the faster raw count is
	// accurate.
	count, err := b.live.Count(true)
	if err != nil {
		return 0, err
	}
	if includeDeleted {
		dead, err := b.dead.Count(true)
		if err != nil {
			return 0, err
		}
		count += dead
	}
	return count, nil
}

func (b *BothKeyStore) LastSequence() (engine.Sequence, error) {
	return b.live.LastSequence()
}

func (b *BothKeyStore) NextExpiration() (int64, error) {
	lx, err := b.live.NextExpiration()
	if err != nil {
		return 0, err
	}
	dx, err := b.dead.NextExpiration()
	if err != nil {
		return 0, err
	}
	if lx > 0 && dx > 0 {
		if lx < dx {
			return lx, nil
		}
		return dx, nil
	}
	if lx > dx {
		return lx, nil
	}
	return dx, nil
}

func (b *BothKeyStore) Get(key []byte, metaOnly bool) (engine.Record, error) {
	rec, err := b.live.Get(key, metaOnly)
	if err != nil || rec.Exists {
		return rec, err
	}
	return b.dead.Get(key, metaOnly)
}

func (b *BothKeyStore) Set(rec *engine.Record, t *Transaction, replacing *engine.Sequence, newSequence bool) (engine.Sequence, error) {
	target, other := b.live, b.dead
	if rec.Flags.Deleted() {
		target, other = b.dead, b.live
	}

	if replacing == nil {
		// Overwrite: set in the target, then drop any counterpart record.
		seq, err := target.Set(rec, t, nil, true)
		if err != nil {
			return 0, err
		}
		if seq > 0 {
			if _, err := other.Delete(rec.Key, t, nil); err != nil {
				return 0, err
			}
		}
		return seq, nil
	}

	// MVCC path.
	if *replacing == 0 {
		// Must-not-exist writes have to probe the counterpart too.
		probe, err := other.Get(rec.Key, true)
		if err != nil {
			return 0, err
		}
		if probe.Exists {
			return 0, nil
		}
	}

	seq, err := target.Set(rec, t, replacing, newSequence)
	if err != nil {
		return 0, err
	}

	if seq == 0 && *replacing > 0 {
		// Conflict. The record may have migrated to the counterpart at that
		// sequence; if so, move it back.
		if !newSequence {
			panic("database: migrating MVCC write must request a new sequence")
		}
		deleted, err := other.Delete(rec.Key, t, replacing)
		if err != nil {
			return 0, err
		}
		if deleted {
			return target.Set(rec, t, nil, true)
		}
	}
	return seq, nil
}

func (b *BothKeyStore) Delete(key []byte, t *Transaction, replacing *engine.Sequence) (bool, error) {
	liveDeleted, err := b.live.Delete(key, t, replacing)
	if err != nil {
		return false, err
	}
	deadDeleted, err := b.dead.Delete(key, t, replacing)
	if err != nil {
		return false, err
	}
	return liveDeleted || deadDeleted, nil
}

func (b *BothKeyStore) WithDocBodies(docIDs [][]byte, cb WithDocBodyCallback) ([][]byte, error) {
	result, err := b.live.WithDocBodies(docIDs, cb)
	if err != nil {
		return nil, err
	}

	// Collect the docIDs the live store did not have.
	var recheckDocs [][]byte
	var recheckIndexes []int
	for i, body := range result {
		if body == nil {
			recheckDocs = append(recheckDocs, docIDs[i])
			recheckIndexes = append(recheckIndexes, i)
		}
	}
	if len(recheckDocs) == 0 {
		return result, nil
	}

	dead, err := b.dead.WithDocBodies(recheckDocs, cb)
	if err != nil {
		return nil, err
	}
	for i, body := range dead {
		if body != nil {
			result[recheckIndexes[i]] = body
		}
	}
	return result, nil
}

func (b *BothKeyStore) NewEnumeratorImpl(bySequence bool, since engine.Sequence, opts engine.EnumeratorOptions) (engine.Enumerator, error) {
	if !opts.IncludeDeleted {
		// The live store holds no deleted records, so skip the dead store
		// and let the underlying enumerator run unfiltered.
		opts.IncludeDeleted = true
		return b.live.NewEnumeratorImpl(bySequence, since, opts)
	}

	if opts.Sort == engine.SortUnsorted {
		// Merging requires an order.
		opts.Sort = engine.SortAscending
	}
	liveImpl, err := b.live.NewEnumeratorImpl(bySequence, since, opts)
	if err != nil {
		return nil, err
	}
	deadImpl, err := b.dead.NewEnumeratorImpl(bySequence, since, opts)
	if err != nil {
		_ = liveImpl.Close()
		return nil, err
	}
	return &bothEnumerator{
		live:       liveImpl,
		dead:       deadImpl,
		bySequence: bySequence,
		descending: opts.Sort == engine.SortDescending,
	}, nil
}

// bothEnumerator merges the live and dead enumerators, always surfacing the
// lowest-sorting record. On a tie the live record wins.
type bothEnumerator struct {
	live, dead engine.Enumerator
	current    engine.Enumerator
	cmp        int
	bySequence bool
	descending bool
}

func (e *bothEnumerator) Next() (bool, error) {
	// Advance the enumerator with the lowest key, or both if they're equal.
	if e.live != nil && e.cmp <= 0 {
		ok, err := e.live.Next()
		if err != nil {
			return false, err
		}
		if !ok {
			_ = e.live.Close()
			e.live = nil
		}
	}
	if e.dead != nil && e.cmp >= 0 {
		ok, err := e.dead.Next()
		if err != nil {
			return false, err
		}
		if !ok {
			_ = e.dead.Close()
			e.dead = nil
		}
	}

	switch {
	case e.live != nil && e.dead != nil:
		if e.bySequence {
			e.cmp = compareSequences(e.live.Sequence(), e.dead.Sequence())
		} else {
			e.cmp = bytes.Compare(e.live.Key(), e.dead.Key())
		}
		if e.descending {
			e.cmp = -e.cmp
		}
		// Pick the side with the lowest key/sequence; ties go to live.
		if e.cmp <= 0 {
			e.current = e.live
		} else {
			e.current = e.dead
		}
	case e.live != nil:
		// Single side left: surface it unconditionally. The sentinel keeps
		// that side advancing and must not be flipped for descending order.
		e.cmp = -1
		e.current = e.live
	case e.dead != nil:
		e.cmp = 1
		e.current = e.dead
	default:
		e.cmp = 0
		e.current = nil
		return false, nil
	}
	return true, nil
}

func compareSequences(a, b engine.Sequence) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (e *bothEnumerator) Key() []byte {
	if e.current == nil {
		return nil
	}
	return e.current.Key()
}

func (e *bothEnumerator) Sequence() engine.Sequence {
	if e.current == nil {
		return 0
	}
	return e.current.Sequence()
}

func (e *bothEnumerator) Read(rec *engine.Record) error {
	if e.current == nil {
		return engine.ErrNotFound
	}
	return e.current.Read(rec)
}

func (e *bothEnumerator) Close() error {
	if e.live != nil {
		_ = e.live.Close()
		e.live = nil
	}
	if e.dead != nil {
		_ = e.dead.Close()
		e.dead = nil
	}
	e.current = nil
	return nil
}
