package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/docbase/docbase/engine"
	"github.com/docbase/docbase/log"
)

func init() {
	_ = engine.Register("sqlite", &engine.Backend{
		Open:                  Open,
		Destroy:               Destroy,
		RegisterEncryptionKey: RegisterEncryptionKey,
	})
}

var (
	registeredKeys     = make(map[string][]byte)
	registeredKeysLock sync.Mutex
)

// RegisterEncryptionKey records the key to apply when the file at path is
// (re)opened internally.
func RegisterEncryptionKey(path string, key []byte) {
	registeredKeysLock.Lock()
	defer registeredKeysLock.Unlock()

	if key == nil {
		delete(registeredKeys, path)
		return
	}
	registeredKeys[path] = key
}

func registeredKey(path string) []byte {
	registeredKeysLock.Lock()
	defer registeredKeysLock.Unlock()

	return registeredKeys[path]
}

// DataFile is a sqlite-backed engine data file.
type DataFile struct {
	path string
	cfg  engine.Config
	db   *sql.DB

	mu       sync.Mutex
	writerTx *sql.Tx
	stores   map[string]*Store
	logCb    engine.LogCallback
}

// Open opens or creates the data file at path.
func Open(path string, cfg engine.Config) (engine.DataFile, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	if cfg.ReadOnly {
		dsn += "&mode=ro"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, engine.Wrap(engine.StatusIOError, err)
	}

	key := cfg.EncryptionKey
	if key == nil {
		key = registeredKey(path)
	}
	if key != nil {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA key = \"x'%x'\"", key)); err != nil {
			_ = db.Close()
			return nil, engine.Wrap(engine.StatusInvalidConfig, err)
		}
	}

	df := &DataFile{
		path:   path,
		cfg:    cfg,
		db:     db,
		stores: make(map[string]*Store),
	}
	if !cfg.ReadOnly {
		if err := df.initSchema(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return df, nil
}

// Destroy removes the data file at path. The file must be closed.
func Destroy(path string, cfg engine.Config) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return engine.Wrap(engine.StatusIOError, err)
		}
	}
	return nil
}

func (df *DataFile) initSchema() error {
	_, err := df.db.Exec(
		`CREATE TABLE IF NOT EXISTS kv_sequences (store TEXT PRIMARY KEY, seq INTEGER NOT NULL)`)
	if err != nil {
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

func (df *DataFile) report(status engine.Status, msg string) {
	df.mu.Lock()
	cb := df.logCb
	df.mu.Unlock()

	if cb != nil {
		cb(status, msg, df)
	} else {
		log.Warningf("sqlite: %s: %s", status, msg)
	}
}

// dbtx is the common query/exec surface of *sql.DB and *sql.Tx.
type dbtx interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// conn returns the active writer transaction if one is open, so the writer
// observes its own uncommitted writes, or the connection pool otherwise.
func (df *DataFile) conn() dbtx {
	df.mu.Lock()
	defer df.mu.Unlock()

	if df.writerTx != nil {
		return df.writerTx
	}
	return df.db
}

// OpenStore opens (creating if necessary) the named keystore.
func (df *DataFile) OpenStore(name string) (engine.Store, error) {
	if err := checkStoreName(name); err != nil {
		return nil, err
	}

	df.mu.Lock()
	defer df.mu.Unlock()

	if s, ok := df.stores[name]; ok {
		return s, nil
	}

	// Run the DDL inside the active writer transaction when one is open, so
	// store creation neither blocks on it nor escapes it.
	var c dbtx = df.db
	if df.writerTx != nil {
		c = df.writerTx
	}

	if !df.cfg.ReadOnly {
		table := storeTable(name)
		_, err := c.Exec(fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				version BLOB,
				body BLOB,
				flags INTEGER NOT NULL DEFAULT 0,
				sequence INTEGER NOT NULL,
				expiration INTEGER NOT NULL DEFAULT 0
			)`, table))
		if err != nil {
			return nil, engine.Wrap(engine.StatusIOError, err)
		}
		_, err = c.Exec(fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS "kv_%s_by_seq" ON %s (sequence)`,
			strings.ReplaceAll(name, `"`, ``), table))
		if err != nil {
			return nil, engine.Wrap(engine.StatusIOError, err)
		}
		_, err = c.Exec(
			`INSERT OR IGNORE INTO kv_sequences (store, seq) VALUES (?, 0)`, name)
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
	if err := checkStoreName(name); err != nil {
		return err
	}

	df.mu.Lock()
	delete(df.stores, name)
	df.mu.Unlock()

	c := df.conn()
	if _, err := c.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, storeTable(name))); err != nil {
		return engine.Wrap(engine.StatusIOError, err)
	}
	if _, err := c.Exec(`DELETE FROM kv_sequences WHERE store = ?`, name); err != nil {
		return engine.Wrap(engine.StatusIOError, err)
	}
	return nil
}

// Begin starts the writer transaction.
func (df *DataFile) Begin() error {
	tx, err := df.db.Begin()
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

type readTx struct {
	tx *sql.Tx
}

func (r *readTx) End() error {
	return r.tx.Rollback()
}

// BeginRead opens a read snapshot.
func (df *DataFile) BeginRead() (engine.ReadTx, error) {
	tx, err := df.db.Begin()
	if err != nil {
		return nil, engine.Wrap(engine.StatusBusy, err)
	}
	return &readTx{tx: tx}, nil
}

// Flush checkpoints the write-ahead log into the main file.
func (df *DataFile) Flush() error {
	if _, err := df.db.Exec(`PRAGMA wal_checkpoint(PASSIVE)`); err != nil {
		return engine.Wrap(engine.StatusIOError, err)
	}
	return nil
}

// Compact reclaims unused space in the file.
func (df *DataFile) Compact() error {
	if _, err := df.db.Exec(`VACUUM`); err != nil {
		return engine.Wrap(engine.StatusIOError, err)
	}
	return nil
}

// CopyToFile copies the whole file to dstPath, optionally registering an
// encryption key for the target.
func (df *DataFile) CopyToFile(dstPath string, encryptionKey []byte) error {
	if encryptionKey != nil {
		RegisterEncryptionKey(dstPath, encryptionKey)
	}
	if _, err := df.db.Exec(`VACUUM INTO ?`, dstPath); err != nil {
		return engine.Wrap(engine.StatusIOError, err)
	}
	return nil
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

func checkStoreName(name string) error {
	if name == "" {
		return engine.Errf(engine.StatusInvalidConfig, "empty keystore name")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return engine.Errf(engine.StatusInvalidConfig, "invalid keystore name %q", name)
		}
	}
	return nil
}

func storeTable(name string) string {
	return `"kv_` + strings.ReplaceAll(name, `"`, ``) + `"`
}
