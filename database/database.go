package database

import (
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/tevino/abool"

	"github.com/docbase/docbase/engine"
	"github.com/docbase/docbase/formats/bindoc"
	"github.com/docbase/docbase/log"
)

// Config holds the options a Database is opened with.
type Config struct {
	// Engine names the registered engine backend. Defaults to "sqlite".
	Engine          string
	ReadOnly        bool
	EncryptionKey   []byte
	MaxRevTreeDepth uint32
}

const defaultMaxRevTreeDepth = 20

// The info keystore holds file-level metadata records.
const infoStoreName = "info"

// A Database is an open data file plus its keystore handles. All Databases
// on the same path share one FileState, and with it the writer gate.
type Database struct {
	path    string
	cfg     Config
	backend *engine.Backend
	state   *FileState
	deleted *abool.AtomicBool

	file      engine.DataFile
	defaultKS KeyStore
	stores    map[string]KeyStore

	docKeys     *bindoc.SharedKeys
	privateUUID []byte
	publicUUID  []byte
}

// Open opens or creates the database at path.
func Open(path string, cfg Config) (*Database, error) {
	if cfg.Engine == "" {
		cfg.Engine = "sqlite"
	}
	if cfg.MaxRevTreeDepth == 0 {
		cfg.MaxRevTreeDepth = defaultMaxRevTreeDepth
	}
	backend, err := engine.GetBackend(cfg.Engine)
	if err != nil {
		return nil, err
	}

	db := &Database{
		path:    path,
		cfg:     cfg,
		backend: backend,
		state:   fileStateForPath(path),
		deleted: abool.New(),
		docKeys: bindoc.NewSharedKeys(),
	}
	if err := db.reopen(path); err != nil {
		return nil, err
	}
	if err := db.loadUUIDs(); err != nil {
		_ = db.file.Close()
		return nil, err
	}
	return db, nil
}

func (db *Database) reopen(path string) error {
	if db.cfg.EncryptionKey != nil && db.backend.RegisterEncryptionKey != nil {
		db.backend.RegisterEncryptionKey(path, db.cfg.EncryptionKey)
	}

	file, err := db.backend.Open(path, engine.Config{
		ReadOnly:      db.cfg.ReadOnly,
		EncryptionKey: db.cfg.EncryptionKey,
	})
	if err != nil {
		return err
	}

	file.SetLogCallback(func(status engine.Status, message string, handle interface{}) {
		// Read misses are routine when versioned documents probe for
		// revisions that have been compacted away.
		if status == engine.StatusNotFound {
			return
		}
		log.Warningf("database: engine error %s: %s (handle=%p)", status, message, handle)
	})

	store, err := file.OpenStore(engine.DefaultStoreName)
	if err != nil {
		_ = file.Close()
		return err
	}

	db.file = file
	db.defaultKS = &basicKeyStore{db: db, store: store}
	db.stores = map[string]KeyStore{engine.DefaultStoreName: db.defaultKS}
	return nil
}

func (db *Database) loadUUIDs() error {
	info, err := db.file.OpenStore(infoStoreName)
	if err != nil {
		return err
	}

	load := func(key string) ([]byte, error) {
		rec, err := info.Get([]byte(key), false)
		if err != nil {
			return nil, err
		}
		if rec.Exists {
			return rec.Body, nil
		}
		if db.cfg.ReadOnly {
			return nil, nil
		}
		id, err := uuid.NewV4()
		if err != nil {
			return nil, err
		}
		t, err := db.BeginTransaction()
		if err != nil {
			return nil, err
		}
		defer func() { _ = t.End() }()
		rec2 := engine.Record{Key: []byte(key), Body: id.Bytes()}
		if _, err := info.Set(&rec2); err != nil {
			return nil, t.Check(err)
		}
		return id.Bytes(), nil
	}

	if db.privateUUID, err = load("privateUUID"); err != nil {
		return err
	}
	if db.publicUUID, err = load("publicUUID"); err != nil {
		return err
	}
	return nil
}

// check translates engine failures into database errors.
func (db *Database) check(err error) error {
	if err == nil {
		return nil
	}
	if engine.IsNotFound(err) {
		return ErrNotFound
	}
	return err
}

// Filename returns the path of the open file.
func (db *Database) Filename() string { return db.path }

// IsReadOnly reports whether the database was opened read-only.
func (db *Database) IsReadOnly() bool { return db.cfg.ReadOnly }

// IsDeleted reports whether the database has been deleted.
func (db *Database) IsDeleted() bool { return db.deleted.IsSet() }

// MaxRevTreeDepth returns the configured revision-tree depth limit.
func (db *Database) MaxRevTreeDepth() uint32 { return db.cfg.MaxRevTreeDepth }

// DocumentKeys returns the shared keys table used for document bodies in
// this database.
func (db *Database) DocumentKeys() *bindoc.SharedKeys { return db.docKeys }

// PrivateUUID returns the database's private UUID.
func (db *Database) PrivateUUID() []byte { return db.privateUUID }

// PublicUUID returns the database's public UUID.
func (db *Database) PublicUUID() []byte { return db.publicUUID }

// File exposes the underlying engine file.
func (db *Database) File() engine.DataFile { return db.file }

// FileState returns the process-wide per-path state shared by all Databases
// on this path.
func (db *Database) FileState() *FileState { return db.state }

// Info returns engine information about the open file.
func (db *Database) Info() (engine.FileInfo, error) {
	if db.deleted.IsSet() {
		return engine.FileInfo{}, ErrDeleted
	}
	return db.file.Info()
}

// DefaultKeyStore returns the file's default keystore.
func (db *Database) DefaultKeyStore() KeyStore { return db.defaultKS }

// OpenKeyStore opens (or returns the cached handle of) the named keystore.
func (db *Database) OpenKeyStore(name string) (KeyStore, error) {
	if db.deleted.IsSet() {
		return nil, ErrDeleted
	}
	if ks, ok := db.stores[name]; ok {
		return ks, nil
	}
	store, err := db.file.OpenStore(name)
	if err != nil {
		return nil, db.check(err)
	}
	ks := &basicKeyStore{db: db, store: store}
	db.stores[name] = ks
	return ks, nil
}

// CloseKeyStore closes and uncaches the named keystore handle.
func (db *Database) CloseKeyStore(name string) error {
	ks, ok := db.stores[name]
	if !ok {
		return nil
	}
	delete(db.stores, name)
	return db.check(ks.Store().Close())
}

// DeleteKeyStore closes the named keystore and removes its data.
func (db *Database) DeleteKeyStore(name string) error {
	if db.deleted.IsSet() {
		return ErrDeleted
	}
	if err := db.CloseKeyStore(name); err != nil {
		return err
	}
	return db.check(db.file.RemoveStore(name))
}

// Contains reports whether ks is a keystore of this database, i.e. the cache
// maps its name to the same handle.
func (db *Database) Contains(ks KeyStore) bool {
	cached, ok := db.stores[ks.Name()]
	return ok && cached.Store() == ks.Store()
}

// Commit flushes committed state to durable storage.
func (db *Database) Commit() error {
	if db.deleted.IsSet() {
		return ErrDeleted
	}
	return db.check(db.file.Flush())
}

// Compact reclaims unused space in the file.
func (db *Database) Compact() error {
	if db.deleted.IsSet() {
		return ErrDeleted
	}
	return db.check(db.file.Compact())
}

// CopyToFile copies the whole database file to dstPath, optionally encrypted
// with a different key.
func (db *Database) CopyToFile(dstPath string, encryptionKey []byte) error {
	if db.deleted.IsSet() {
		return ErrDeleted
	}
	return db.check(db.file.CopyToFile(dstPath, encryptionKey))
}

// DeleteDatabase closes the file and destroys it on disk. With andReopen the
// database is recreated empty afterwards.
func (db *Database) DeleteDatabase(andReopen bool) error {
	// A no-op transaction ensures no writer is racing the delete.
	t, err := db.BeginRawTransaction(false)
	if err != nil {
		return err
	}
	defer func() { _ = t.End() }()

	path := db.path
	if err := db.file.Close(); err != nil {
		return t.Check(err)
	}
	db.markDeleted()

	// Destroying may reopen the file internally, so the encryption key must
	// be registered again first.
	if db.cfg.EncryptionKey != nil && db.backend.RegisterEncryptionKey != nil {
		db.backend.RegisterEncryptionKey(path, db.cfg.EncryptionKey)
	}
	if err := db.backend.Destroy(path, engine.Config{EncryptionKey: db.cfg.EncryptionKey}); err != nil {
		return t.Check(err)
	}

	if andReopen {
		if err := db.reopen(path); err != nil {
			return t.Check(err)
		}
		db.deleted.UnSet()
		// Release the writer slot before loading UUIDs, which needs its own
		// transaction.
		if err := t.End(); err != nil {
			return err
		}
		return db.loadUUIDs()
	}
	return nil
}

func (db *Database) markDeleted() {
	db.deleted.Set()
	db.defaultKS = nil
	db.stores = make(map[string]KeyStore)
}

// Close closes the file, which transitively closes all keystore handles.
func (db *Database) Close() error {
	if db.deleted.IsSet() {
		return nil
	}
	db.stores = make(map[string]KeyStore)
	db.defaultKS = nil
	return db.file.Close()
}

// RawGet reads a raw document from the named keystore. The record's Version
// field carries the document meta.
func (db *Database) RawGet(storeName string, key []byte) (engine.Record, error) {
	if db.deleted.IsSet() {
		return engine.Record{}, ErrDeleted
	}
	ks, err := db.OpenKeyStore(storeName)
	if err != nil {
		return engine.Record{}, err
	}
	return ks.Get(key, false)
}

// RawPutIn writes a raw document within an existing transaction.
func (db *Database) RawPutIn(t *Transaction, storeName string, key, meta, body []byte) error {
	ks, err := db.OpenKeyStore(storeName)
	if err != nil {
		return t.Check(err)
	}
	rec := engine.Record{Key: key, Version: meta, Body: body}
	if _, err := ks.Set(&rec, t, nil, true); err != nil {
		return t.Check(err)
	}
	return nil
}

// RawPut writes a raw document in its own transaction.
func (db *Database) RawPut(storeName string, key, meta, body []byte) error {
	t, err := db.BeginTransaction()
	if err != nil {
		return err
	}
	defer func() { _ = t.End() }()
	if err := db.RawPutIn(t, storeName, key, meta, body); err != nil {
		return err
	}
	return t.End()
}

func (db *Database) String() string {
	return fmt.Sprintf("Database(%s)", db.path)
}
