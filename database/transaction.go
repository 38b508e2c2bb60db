package database

import (
	"github.com/VictoriaMetrics/metrics"

	"github.com/docbase/docbase/engine"
)

// Disposition is a transaction's final outcome, applied when it ends.
type Disposition int

// Transaction dispositions.
const (
	TxCommit Disposition = iota
	TxAbort
	TxNoOp
)

var (
	txBegun     = metrics.NewCounter("docbase_transactions_begun_total")
	txCommitted = metrics.NewCounter("docbase_transactions_committed_total")
	txAborted   = metrics.NewCounter("docbase_transactions_aborted_total")
)

// A Transaction is a scoped acquisition of a file's writer slot. Its zero
// disposition is commit; Abort or a failed Check downgrade it. End releases
// the slot and applies the disposition; callers defer End.
type Transaction struct {
	db          *Database
	disposition Disposition
	ended       bool
}

// BeginTransaction acquires the writer slot and starts an engine
// transaction. It blocks while another transaction holds the slot.
func (db *Database) BeginTransaction() (*Transaction, error) {
	return db.beginTx(true)
}

// BeginRawTransaction acquires the writer slot. With begin false no engine
// transaction is started, which callers use when they only need mutual
// exclusion.
func (db *Database) BeginRawTransaction(begin bool) (*Transaction, error) {
	return db.beginTx(begin)
}

func (db *Database) beginTx(begin bool) (*Transaction, error) {
	if db.deleted.IsSet() {
		return nil, ErrDeleted
	}
	t := &Transaction{db: db, disposition: TxCommit}
	if !begin {
		t.disposition = TxNoOp
	}
	if err := db.beginTransaction(t); err != nil {
		return nil, err
	}
	txBegun.Inc()
	return t, nil
}

func (db *Database) beginTransaction(t *Transaction) error {
	fs := db.state
	fs.mu.Lock()
	for fs.writer != nil {
		fs.cond.Wait()
	}

	// Outstanding one-shot query enumerators must drain before this writer
	// can proceed.
	fs.firePreTransactionObservers()

	if t.disposition == TxCommit {
		if err := db.file.Begin(); err != nil {
			fs.mu.Unlock()
			return err
		}
	}
	fs.writer = t
	fs.mu.Unlock()
	return nil
}

func (db *Database) endTransaction(t *Transaction) error {
	var status error
	switch t.disposition {
	case TxCommit:
		status = db.file.Commit()
		txCommitted.Inc()
	case TxAbort:
		_ = db.file.Abort()
		txAborted.Inc()
	case TxNoOp:
	}

	fs := db.state
	fs.mu.Lock()
	if fs.writer != t {
		fs.mu.Unlock()
		panic("database: ending a transaction that does not hold the writer slot")
	}
	fs.writer = nil
	fs.cond.Signal()
	fs.mu.Unlock()

	return status
}

// Disposition returns the transaction's current disposition.
func (t *Transaction) Disposition() Disposition { return t.disposition }

// Abort downgrades the transaction so End rolls it back.
func (t *Transaction) Abort() {
	if t.disposition == TxCommit {
		t.disposition = TxAbort
	}
}

// Check passes a nil error through. A non-nil error flips the disposition to
// abort before being returned, so a partially completed transaction cannot
// commit.
func (t *Transaction) Check(err error) error {
	if err != nil {
		t.Abort()
	}
	return err
}

// End releases the writer slot and applies the disposition. It is safe to
// call more than once; only the first call has effect.
func (t *Transaction) End() error {
	if t.ended {
		return nil
	}
	t.ended = true
	return t.db.endTransaction(t)
}

// A ReadOnlyTransaction is a read snapshot against the file. It does not
// touch the writer slot.
type ReadOnlyTransaction struct {
	tx engine.ReadTx
}

// BeginReadOnlyTransaction opens a read snapshot, so a sequence check and a
// subsequent query observe the same committed state.
func (db *Database) BeginReadOnlyTransaction() (*ReadOnlyTransaction, error) {
	if db.deleted.IsSet() {
		return nil, ErrDeleted
	}
	tx, err := db.file.BeginRead()
	if err != nil {
		return nil, err
	}
	return &ReadOnlyTransaction{tx: tx}, nil
}

// End closes the snapshot.
func (t *ReadOnlyTransaction) End() error {
	if t.tx == nil {
		return nil
	}
	tx := t.tx
	t.tx = nil
	return tx.End()
}
