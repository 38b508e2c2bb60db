package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/docbase/docbase/engine"
)

// Store is a sqlite-backed keystore handle.
type Store struct {
	df      *DataFile
	name    string
	seqName string
}

// Name returns the keystore name.
func (s *Store) Name() string { return s.name }

// Close releases the handle. The underlying table is untouched.
func (s *Store) Close() error {
	s.df.mu.Lock()
	defer s.df.mu.Unlock()

	if s.df.stores[s.name] == s {
		delete(s.df.stores, s.name)
	}
	return nil
}

func (s *Store) table() string { return storeTable(s.name) }

// ShareSequencesWith makes this store draw sequences from other's generator.
func (s *Store) ShareSequencesWith(other engine.Store) error {
	o, ok := other.(*Store)
	if !ok || o.df != s.df {
		return engine.Errf(engine.StatusInvalidConfig, "cannot share sequences across files")
	}
	s.seqName = o.seqName
	return nil
}

// nextSequence allocates the next sequence from this store's generator. It
// must only be called when the write is known to apply, so that conflicting
// writes do not burn sequences.
func (s *Store) nextSequence(c dbtx) (engine.Sequence, error) {
	if _, err := c.Exec(`UPDATE kv_sequences SET seq = seq + 1 WHERE store = ?`, s.seqName); err != nil {
		return 0, engine.Wrap(engine.StatusIOError, err)
	}
	var seq uint64
	err := c.QueryRow(`SELECT seq FROM kv_sequences WHERE store = ?`, s.seqName).Scan(&seq)
	if err != nil {
		return 0, engine.Wrap(engine.StatusIOError, err)
	}
	return engine.Sequence(seq), nil
}

// Count returns the number of records in the store.
func (s *Store) Count() (uint64, error) {
	var n uint64
	err := s.df.conn().QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table())).Scan(&n)
	if err != nil {
		return 0, engine.Wrap(engine.StatusIOError, err)
	}
	return n, nil
}

// LastSequence returns the last sequence assigned by this store's generator.
func (s *Store) LastSequence() (engine.Sequence, error) {
	var seq uint64
	err := s.df.conn().QueryRow(`SELECT seq FROM kv_sequences WHERE store = ?`, s.seqName).Scan(&seq)
	switch {
	case err == sql.ErrNoRows:
		return 0, nil
	case err != nil:
		return 0, engine.Wrap(engine.StatusIOError, err)
	}
	return engine.Sequence(seq), nil
}

// NextExpiration returns the earliest nonzero expiration, or zero.
func (s *Store) NextExpiration() (int64, error) {
	var exp sql.NullInt64
	err := s.df.conn().QueryRow(fmt.Sprintf(
		`SELECT MIN(expiration) FROM %s WHERE expiration > 0`, s.table())).Scan(&exp)
	if err != nil {
		return 0, engine.Wrap(engine.StatusIOError, err)
	}
	if !exp.Valid {
		return 0, nil
	}
	return exp.Int64, nil
}

// Get reads the record stored under key.
func (s *Store) Get(key []byte, metaOnly bool) (engine.Record, error) {
	rec := engine.Record{Key: key}

	cols := `version, body, flags, sequence, expiration`
	if metaOnly {
		cols = `version, NULL, flags, sequence, expiration`
	}
	var (
		version, body []byte
		flags         uint8
		seq           uint64
		exp           int64
	)
	err := s.df.conn().QueryRow(fmt.Sprintf(
		`SELECT %s FROM %s WHERE key = ?`, cols, s.table()), string(key)).
		Scan(&version, &body, &flags, &seq, &exp)
	switch {
	case err == sql.ErrNoRows:
		return rec, nil
	case err != nil:
		s.df.report(engine.StatusIOError, fmt.Sprintf("read of %q failed: %s", key, err))
		return rec, engine.Wrap(engine.StatusIOError, err)
	}

	rec.Version = version
	rec.Body = body
	rec.Flags = engine.Flags(flags)
	rec.Sequence = engine.Sequence(seq)
	rec.Expiration = exp
	rec.Exists = true
	return rec, nil
}

// Set stores rec under a freshly assigned sequence.
func (s *Store) Set(rec *engine.Record) (engine.Sequence, error) {
	c := s.df.conn()
	seq, err := s.nextSequence(c)
	if err != nil {
		return 0, err
	}
	_, err = c.Exec(fmt.Sprintf(
		`INSERT INTO %s (key, version, body, flags, sequence, expiration)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
		 version=excluded.version, body=excluded.body, flags=excluded.flags,
		 sequence=excluded.sequence, expiration=excluded.expiration`, s.table()),
		string(rec.Key), rec.Version, rec.Body, uint8(rec.Flags), uint64(seq), rec.Expiration)
	if err != nil {
		return 0, engine.Wrap(engine.StatusIOError, err)
	}
	rec.Sequence = seq
	return seq, nil
}

// SetReplacing stores rec only if the stored sequence matches replacing
// (0 = must not exist). It returns 0 on a mismatch.
func (s *Store) SetReplacing(rec *engine.Record, replacing engine.Sequence, newSequence bool) (engine.Sequence, error) {
	c := s.df.conn()

	var current uint64
	err := c.QueryRow(fmt.Sprintf(
		`SELECT sequence FROM %s WHERE key = ?`, s.table()), string(rec.Key)).Scan(&current)
	exists := true
	switch {
	case err == sql.ErrNoRows:
		exists = false
	case err != nil:
		return 0, engine.Wrap(engine.StatusIOError, err)
	}

	if replacing == 0 {
		if exists {
			return 0, nil
		}
	} else if !exists || engine.Sequence(current) != replacing {
		return 0, nil
	}

	seq := rec.Sequence
	if newSequence || seq == 0 {
		seq, err = s.nextSequence(c)
		if err != nil {
			return 0, err
		}
	}
	_, err = c.Exec(fmt.Sprintf(
		`INSERT INTO %s (key, version, body, flags, sequence, expiration)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
		 version=excluded.version, body=excluded.body, flags=excluded.flags,
		 sequence=excluded.sequence, expiration=excluded.expiration`, s.table()),
		string(rec.Key), rec.Version, rec.Body, uint8(rec.Flags), uint64(seq), rec.Expiration)
	if err != nil {
		return 0, engine.Wrap(engine.StatusIOError, err)
	}
	rec.Sequence = seq
	return seq, nil
}

// Delete removes the record under key, optionally checking a sequence
// precondition. It reports whether a record was removed.
func (s *Store) Delete(key []byte, replacing *engine.Sequence) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if replacing == nil {
		res, err = s.df.conn().Exec(fmt.Sprintf(
			`DELETE FROM %s WHERE key = ?`, s.table()), string(key))
	} else {
		res, err = s.df.conn().Exec(fmt.Sprintf(
			`DELETE FROM %s WHERE key = ? AND sequence = ?`, s.table()),
			string(key), uint64(*replacing))
	}
	if err != nil {
		return false, engine.Wrap(engine.StatusIOError, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, engine.Wrap(engine.StatusIOError, err)
	}
	return n > 0, nil
}

// NewEnumerator enumerates the store by key or by sequence.
func (s *Store) NewEnumerator(bySequence bool, since engine.Sequence, opts engine.EnumeratorOptions) (engine.Enumerator, error) {
	cols := `key, version, body, flags, sequence, expiration`
	if opts.MetaOnly {
		cols = `key, version, NULL, flags, sequence, expiration`
	}
	q := fmt.Sprintf(`SELECT %s FROM %s`, cols, s.table())

	var args []interface{}
	where := ""
	if bySequence {
		where = ` WHERE sequence > ?`
		args = append(args, uint64(since))
	}
	if !opts.IncludeDeleted {
		if where == "" {
			where = fmt.Sprintf(` WHERE (flags & %d) = 0`, engine.FlagDeleted)
		} else {
			where += fmt.Sprintf(` AND (flags & %d) = 0`, engine.FlagDeleted)
		}
	}
	q += where

	orderCol := "key"
	if bySequence {
		orderCol = "sequence"
	}
	switch opts.Sort {
	case engine.SortAscending:
		q += ` ORDER BY ` + orderCol + ` ASC`
	case engine.SortDescending:
		q += ` ORDER BY ` + orderCol + ` DESC`
	case engine.SortUnsorted:
		// no ordering requested
	}

	rows, err := s.df.conn().Query(q, args...)
	if err != nil {
		return nil, engine.Wrap(engine.StatusIOError, err)
	}
	return &enumerator{rows: rows}, nil
}

// enumerator walks a record result set.
type enumerator struct {
	rows *sql.Rows
	cur  engine.Record
	done bool
}

func (e *enumerator) Next() (bool, error) {
	if e.done {
		return false, nil
	}
	if !e.rows.Next() {
		e.done = true
		if err := e.rows.Err(); err != nil {
			return false, engine.Wrap(engine.StatusIOError, err)
		}
		return false, nil
	}

	var (
		key           string
		version, body []byte
		flags         uint8
		seq           uint64
		exp           int64
	)
	if err := e.rows.Scan(&key, &version, &body, &flags, &seq, &exp); err != nil {
		return false, engine.Wrap(engine.StatusCorrupt, err)
	}
	e.cur = engine.Record{
		Key:        []byte(key),
		Version:    version,
		Body:       body,
		Flags:      engine.Flags(flags),
		Sequence:   engine.Sequence(seq),
		Expiration: exp,
		Exists:     true,
	}
	return true, nil
}

func (e *enumerator) Key() []byte               { return e.cur.Key }
func (e *enumerator) Sequence() engine.Sequence { return e.cur.Sequence }

func (e *enumerator) Read(rec *engine.Record) error {
	if !e.cur.Exists {
		return engine.ErrNotFound
	}
	*rec = e.cur
	return nil
}

func (e *enumerator) Close() error {
	e.done = true
	return e.rows.Close()
}
