package bolt

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/docbase/docbase/engine"
)

func init() {
	_ = engine.Register("bolt", &engine.Backend{
		Open:    Open,
		Destroy: Destroy,
		// bbolt has no native encryption; key registration is accepted and
		// ignored so callers can treat backends uniformly.
		RegisterEncryptionKey: func(path string, key []byte) {},
	})
}

var seqBucket = []byte("!sequences")

// DataFile is a bbolt-backed engine data file. It implements the record
// surface only; prepared statements are unsupported, which restricts bolt
// files to storage and replication use.
type DataFile struct {
	path string
	cfg  engine.Config
	db   *bbolt.DB

	mu       sync.Mutex
	writerTx *bbolt.Tx
	stores   map[string]*Store
	logCb    engine.LogCallback
}

// Open opens or creates the data file at path.
func Open(path string, cfg engine.Config) (engine.DataFile, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{ReadOnly: cfg.ReadOnly})
	if err != nil {
		return nil, engine.Wrap(engine.StatusIOError, err)
	}
	if !cfg.ReadOnly {
		err = db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(seqBucket)
			return err
		})
		if err != nil {
			_ = db.Close()
			return nil, engine.Wrap(engine.StatusIOError, err)
		}
	}
	return &DataFile{
		path:   path,
		cfg:    cfg,
		db:     db,
		stores: make(map[string]*Store),
	}, nil
}

// Destroy removes the data file at path. The file must be closed.
func Destroy(path string, cfg engine.Config) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return engine.Wrap(engine.StatusIOError, err)
	}
	return nil
}

// Filename returns the path the file was opened with.
func (df *DataFile) Filename() string { return df.path }

// ReadOnly reports whether the file was opened read-only.
func (df *DataFile) ReadOnly() bool { return df.cfg.ReadOnly }

// Info returns information about the open file.
func (df *DataFile) Info() (engine.FileInfo, error) {
	info := engine.FileInfo{Filename: df.path}
	fi, err := os.Stat(df.path)
	if err != nil {
		return info, engine.Wrap(engine.StatusIOError, err)
	}
	info.FileSize = fi.Size()
	return info, nil
}

// SetLogCallback registers the engine log callback.
func (df *DataFile) SetLogCallback(cb engine.LogCallback) {
	df.mu.Lock()
	defer df.mu.Unlock()

	df.logCb = cb
}

// OpenStore opens (creating if necessary) the named keystore.
func (df *DataFile) OpenStore(name string) (engine.Store, error) {
	if name == "" {
		return nil, engine.Errf(engine.StatusInvalidConfig, "empty keystore name")
	}

	df.mu.Lock()
	defer df.mu.Unlock()

	if s, ok := df.stores[name]; ok {
		return s, nil
	}
	if !df.cfg.ReadOnly {
		createBuckets := func(tx *bbolt.Tx) error {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
			_, err := tx.CreateBucketIfNotExists(seqIndexName(name))
			return err
		}
		// df.mu is held here, so pick the transaction directly instead of
		// going through update().
		var err error
		if df.writerTx != nil {
			err = createBuckets(df.writerTx)
		} else {
			err = df.db.Update(createBuckets)
		}
		if err != nil {
			return nil, engine.Wrap(engine.StatusIOError, err)
		}
	}
	s := &Store{df: df, name: name, seqName: name}
	df.stores[name] = s
	return s, nil
}

// RemoveStore drops the named keystore and its data.
func (df *DataFile) RemoveStore(name string) error {
	df.mu.Lock()
	delete(df.stores, name)
	df.mu.Unlock()

	err := df.update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(name)); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		if err := tx.DeleteBucket(seqIndexName(name)); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		return tx.Bucket(seqBucket).Delete([]byte(name))
	})
	if err != nil {
		return engine.Wrap(engine.StatusIOError, err)
	}
	return nil
}

// update runs fn in the active writer transaction if one is open, or in a
// fresh one otherwise. The df.mu lock must not be held by the caller when an
// own transaction is created.
func (df *DataFile) update(fn func(tx *bbolt.Tx) error) error {
	df.mu.Lock()
	tx := df.writerTx
	df.mu.Unlock()

	if tx != nil {
		return fn(tx)
	}
	return df.db.Update(fn)
}

// view runs fn against the active writer transaction if one is open, so the
// writer observes its own writes, or a read transaction otherwise.
func (df *DataFile) view(fn func(tx *bbolt.Tx) error) error {
	df.mu.Lock()
	tx := df.writerTx
	df.mu.Unlock()

	if tx != nil {
		return fn(tx)
	}
	return df.db.View(fn)
}

// Begin starts the writer transaction.
func (df *DataFile) Begin() error {
	tx, err := df.db.Begin(true)
	if err != nil {
		return engine.Wrap(engine.StatusBusy, err)
	}

	df.mu.Lock()
	df.writerTx = tx
	df.mu.Unlock()
	return nil
}

// Commit commits the writer transaction.
func (df *DataFile) Commit() error {
	df.mu.Lock()
	tx := df.writerTx
	df.writerTx = nil
	df.mu.Unlock()

	if tx == nil {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return engine.Wrap(engine.StatusIOError, err)
	}
	return nil
}

// Abort rolls back the writer transaction.
func (df *DataFile) Abort() error {
	df.mu.Lock()
	tx := df.writerTx
	df.writerTx = nil
	df.mu.Unlock()

	if tx == nil {
		return nil
	}
	if err := tx.Rollback(); err != nil {
		return engine.Wrap(engine.StatusIOError, err)
	}
	return nil
}

type readTx struct{}

func (readTx) End() error { return nil }

// BeginRead opens a read snapshot. bbolt gives per-operation snapshot
// isolation, so this is a marker only.
func (df *DataFile) BeginRead() (engine.ReadTx, error) {
	return readTx{}, nil
}

// Prepare is unsupported on bolt files.
func (df *DataFile) Prepare(text string) (engine.Statement, error) {
	return nil, engine.Errf(engine.StatusUnsupported, "bolt engine does not support queries")
}

// TableExists is unsupported on bolt files.
func (df *DataFile) TableExists(name string) (bool, error) {
	return false, nil
}

// QueryPlan is unsupported on bolt files.
func (df *DataFile) QueryPlan(text string) ([]engine.PlanRow, error) {
	return nil, engine.Errf(engine.StatusUnsupported, "bolt engine does not support queries")
}

// EnsureExpirationIndex is a no-op; expirations are scanned.
func (df *DataFile) EnsureExpirationIndex(store engine.Store) error {
	return nil
}

// Flush fsyncs the file.
func (df *DataFile) Flush() error {
	if err := df.db.Sync(); err != nil {
		return engine.Wrap(engine.StatusIOError, err)
	}
	return nil
}

// Compact is a no-op; bbolt reclaims pages internally.
func (df *DataFile) Compact() error {
	return nil
}

// CopyToFile copies the whole file to dstPath. Encryption keys are not
// supported by this backend.
func (df *DataFile) CopyToFile(dstPath string, encryptionKey []byte) error {
	if encryptionKey != nil {
		return engine.Errf(engine.StatusUnsupported, "bolt engine does not support encryption")
	}
	return df.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(dstPath, 0o600)
	})
}

// Close closes the file and all keystore handles.
func (df *DataFile) Close() error {
	df.mu.Lock()
	tx := df.writerTx
	df.writerTx = nil
	df.stores = make(map[string]*Store)
	df.mu.Unlock()

	if tx != nil {
		_ = tx.Rollback()
	}
	if err := df.db.Close(); err != nil {
		return engine.Wrap(engine.StatusIOError, err)
	}
	return nil
}

func seqIndexName(store string) []byte {
	return []byte(store + "!seq")
}

func seqKey(seq engine.Sequence) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(seq))
	return b[:]
}

// boltRecord is the stored form of a record value.
type boltRecord struct {
	Version    []byte `msgpack:"v"`
	Body       []byte `msgpack:"b"`
	Flags      uint8  `msgpack:"f"`
	Sequence   uint64 `msgpack:"s"`
	Expiration int64  `msgpack:"x"`
}

func encodeRecord(rec *engine.Record, seq engine.Sequence) ([]byte, error) {
	return msgpack.Marshal(&boltRecord{
		Version:    rec.Version,
		Body:       rec.Body,
		Flags:      uint8(rec.Flags),
		Sequence:   uint64(seq),
		Expiration: rec.Expiration,
	})
}

func decodeRecord(key, data []byte, metaOnly bool) (engine.Record, error) {
	var br boltRecord
	if err := msgpack.Unmarshal(data, &br); err != nil {
		return engine.Record{}, engine.Wrap(engine.StatusCorrupt, err)
	}
	rec := engine.Record{
		Key:        key,
		Version:    br.Version,
		Flags:      engine.Flags(br.Flags),
		Sequence:   engine.Sequence(br.Sequence),
		Expiration: br.Expiration,
		Exists:     true,
	}
	if !metaOnly {
		rec.Body = br.Body
	}
	return rec, nil
}
