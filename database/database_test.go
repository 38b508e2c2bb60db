package database

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/docbase/docbase/engine"
	_ "github.com/docbase/docbase/engine/sqlite"
)

func openTestDB(t *testing.T, path string) *Database {
	t.Helper()
	db, err := Open(path, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func openBoth(t *testing.T, db *Database) *BothKeyStore {
	t.Helper()
	live, err := db.OpenKeyStore("docs")
	require.NoError(t, err)
	dead, err := db.OpenKeyStore("del_docs")
	require.NoError(t, err)
	both, err := NewBothKeyStore(live, dead)
	require.NoError(t, err)
	return both
}

func TestWriterGateExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.db")
	db1 := openTestDB(t, path)
	db2 := openTestDB(t, path)

	t1, err := db1.BeginTransaction()
	require.NoError(t, err)

	var order int32
	acquired := make(chan struct{})
	go func() {
		t2, err := db2.BeginTransaction()
		if err != nil {
			t.Error(err)
			close(acquired)
			return
		}
		atomic.StoreInt32(&order, 1)
		_ = t2.End()
		close(acquired)
	}()

	// The second transaction must block while the first holds the slot.
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&order), "second writer should be blocked")

	require.NoError(t, t1.End())
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second writer never acquired the slot")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&order))
}

func TestTransactionDispositions(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "tx.db"))
	ks := db.DefaultKeyStore()

	// Default disposition commits.
	tx, err := db.BeginTransaction()
	require.NoError(t, err)
	rec := engine.Record{Key: []byte("a"), Body: []byte("V")}
	_, err = ks.Set(&rec, tx, nil, true)
	require.NoError(t, err)
	require.NoError(t, tx.End())

	got, err := ks.Get([]byte("a"), false)
	require.NoError(t, err)
	require.True(t, got.Exists)

	// Abort rolls back.
	tx, err = db.BeginTransaction()
	require.NoError(t, err)
	rec2 := engine.Record{Key: []byte("b"), Body: []byte("V")}
	_, err = ks.Set(&rec2, tx, nil, true)
	require.NoError(t, err)
	tx.Abort()
	require.NoError(t, tx.End())

	got, err = ks.Get([]byte("b"), false)
	require.NoError(t, err)
	require.False(t, got.Exists)

	// Check flips disposition to abort.
	tx, err = db.BeginTransaction()
	require.NoError(t, err)
	require.Error(t, tx.Check(ErrNotFound))
	require.Equal(t, TxAbort, tx.Disposition())
	require.NoError(t, tx.End())
}

func TestMVCCCreateIfAbsent(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "mvcc.db"))
	both := openBoth(t, db)

	tx, err := db.BeginTransaction()
	require.NoError(t, err)
	defer func() { _ = tx.End() }()

	zero := engine.Sequence(0)
	rec := engine.Record{Key: []byte("a"), Body: []byte("V")}
	seq, err := both.Set(&rec, tx, &zero, true)
	require.NoError(t, err)
	require.Equal(t, engine.Sequence(1), seq)

	rec2 := engine.Record{Key: []byte("a"), Body: []byte("V2")}
	seq, err = both.Set(&rec2, tx, &zero, true)
	require.NoError(t, err)
	require.Zero(t, seq)

	one := engine.Sequence(1)
	rec3 := engine.Record{Key: []byte("a"), Body: []byte("V2"), Sequence: 0}
	seq, err = both.Set(&rec3, tx, &one, true)
	require.NoError(t, err)
	require.Equal(t, engine.Sequence(2), seq)
}

func TestLiveDeadMigration(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "migrate.db"))
	both := openBoth(t, db)

	tx, err := db.BeginTransaction()
	require.NoError(t, err)
	defer func() { _ = tx.End() }()

	// Live write.
	rec := engine.Record{Key: []byte("a"), Body: []byte("V")}
	seq, err := both.Set(&rec, tx, nil, true)
	require.NoError(t, err)
	require.Equal(t, engine.Sequence(1), seq)
	inLive, err := both.LiveStore().Get([]byte("a"), true)
	require.NoError(t, err)
	require.True(t, inLive.Exists)

	// Deletion migrates to the dead store.
	tomb := engine.Record{Key: []byte("a"), Flags: engine.FlagDeleted}
	seq, err = both.Set(&tomb, tx, nil, true)
	require.NoError(t, err)
	require.Equal(t, engine.Sequence(2), seq)
	inLive, err = both.LiveStore().Get([]byte("a"), true)
	require.NoError(t, err)
	require.False(t, inLive.Exists)
	inDead, err := both.DeadStore().Get([]byte("a"), true)
	require.NoError(t, err)
	require.True(t, inDead.Exists)

	// Resurrecting with the tombstone's sequence migrates back.
	two := engine.Sequence(2)
	live := engine.Record{Key: []byte("a"), Body: []byte("V'")}
	seq, err = both.Set(&live, tx, &two, true)
	require.NoError(t, err)
	require.Equal(t, engine.Sequence(3), seq)
	inDead, err = both.DeadStore().Get([]byte("a"), true)
	require.NoError(t, err)
	require.False(t, inDead.Exists)
	inLive, err = both.LiveStore().Get([]byte("a"), true)
	require.NoError(t, err)
	require.True(t, inLive.Exists)
}

func TestMergeEnumeration(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "merge.db"))
	both := openBoth(t, db)

	tx, err := db.BeginTransaction()
	require.NoError(t, err)

	for _, key := range []string{"a", "c", "e"} {
		rec := engine.Record{Key: []byte(key), Body: []byte("live")}
		_, err := both.LiveStore().Set(&rec, tx, nil, true)
		require.NoError(t, err)
	}
	for _, key := range []string{"b", "c", "d"} {
		rec := engine.Record{Key: []byte(key), Body: []byte("dead"), Flags: engine.FlagDeleted}
		_, err := both.DeadStore().Set(&rec, tx, nil, true)
		require.NoError(t, err)
	}
	require.NoError(t, tx.End())

	e, err := both.NewEnumeratorImpl(false, 0, engine.EnumeratorOptions{
		Sort:           engine.SortUnsorted, // silently upgraded to ascending
		IncludeDeleted: true,
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	var keys []string
	var cBody string
	for {
		ok, err := e.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, string(e.Key()))
		if string(e.Key()) == "c" {
			var rec engine.Record
			require.NoError(t, e.Read(&rec))
			cBody = string(rec.Body)
		}
	}
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, keys)
	// On the tie, the live record wins.
	require.Equal(t, "live", cBody)
}

func TestMergeEnumerationDescending(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "mergedesc.db"))
	both := openBoth(t, db)

	tx, err := db.BeginTransaction()
	require.NoError(t, err)
	for _, key := range []string{"a", "c"} {
		rec := engine.Record{Key: []byte(key)}
		_, err := both.LiveStore().Set(&rec, tx, nil, true)
		require.NoError(t, err)
	}
	rec := engine.Record{Key: []byte("b"), Flags: engine.FlagDeleted}
	_, err = both.DeadStore().Set(&rec, tx, nil, true)
	require.NoError(t, err)
	require.NoError(t, tx.End())

	e, err := both.NewEnumeratorImpl(false, 0, engine.EnumeratorOptions{
		Sort:           engine.SortDescending,
		IncludeDeleted: true,
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	var keys []string
	for {
		ok, err := e.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, string(e.Key()))
	}
	require.Equal(t, []string{"c", "b", "a"}, keys)
}

func TestNextExpiration(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "exp.db"))
	both := openBoth(t, db)

	next, err := both.NextExpiration()
	require.NoError(t, err)
	require.Zero(t, next)

	tx, err := db.BeginTransaction()
	require.NoError(t, err)
	rec := engine.Record{Key: []byte("a"), Expiration: 700}
	_, err = both.LiveStore().Set(&rec, tx, nil, true)
	require.NoError(t, err)
	require.NoError(t, tx.End())

	next, err = both.NextExpiration()
	require.NoError(t, err)
	require.Equal(t, int64(700), next)

	tx, err = db.BeginTransaction()
	require.NoError(t, err)
	tomb := engine.Record{Key: []byte("b"), Flags: engine.FlagDeleted, Expiration: 300}
	_, err = both.DeadStore().Set(&tomb, tx, nil, true)
	require.NoError(t, err)
	require.NoError(t, tx.End())

	next, err = both.NextExpiration()
	require.NoError(t, err)
	require.Equal(t, int64(300), next)
}

func TestRecordCount(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "count.db"))
	both := openBoth(t, db)

	tx, err := db.BeginTransaction()
	require.NoError(t, err)
	for _, key := range []string{"a", "b"} {
		rec := engine.Record{Key: []byte(key)}
		_, err := both.Set(&rec, tx, nil, true)
		require.NoError(t, err)
	}
	tomb := engine.Record{Key: []byte("c"), Flags: engine.FlagDeleted}
	_, err = both.Set(&tomb, tx, nil, true)
	require.NoError(t, err)
	require.NoError(t, tx.End())

	n, err := both.Count(false)
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)
	n, err = both.Count(true)
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)
}

func TestWithDocBodies(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "bodies.db"))
	both := openBoth(t, db)

	tx, err := db.BeginTransaction()
	require.NoError(t, err)
	live := engine.Record{Key: []byte("live"), Body: []byte("L")}
	_, err = both.Set(&live, tx, nil, true)
	require.NoError(t, err)
	dead := engine.Record{Key: []byte("dead"), Body: []byte("D"), Flags: engine.FlagDeleted}
	_, err = both.Set(&dead, tx, nil, true)
	require.NoError(t, err)
	require.NoError(t, tx.End())

	bodies, err := both.WithDocBodies([][]byte{
		[]byte("live"), []byte("missing"), []byte("dead"),
	}, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("L"), bodies[0])
	require.Nil(t, bodies[1])
	require.Equal(t, []byte("D"), bodies[2])
}

func TestKeyStoreCache(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "cache.db"))

	ks1, err := db.OpenKeyStore("extra")
	require.NoError(t, err)
	ks2, err := db.OpenKeyStore("extra")
	require.NoError(t, err)
	require.Same(t, ks1, ks2)
	require.True(t, db.Contains(ks1))

	require.NoError(t, db.CloseKeyStore("extra"))
	require.False(t, db.Contains(ks1))
}

func TestDeleteDatabaseAndReopen(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "del.db"))
	ks := db.DefaultKeyStore()

	tx, err := db.BeginTransaction()
	require.NoError(t, err)
	rec := engine.Record{Key: []byte("a"), Body: []byte("V")}
	_, err = ks.Set(&rec, tx, nil, true)
	require.NoError(t, err)
	require.NoError(t, tx.End())

	require.NoError(t, db.DeleteDatabase(true))
	require.False(t, db.IsDeleted())

	got, err := db.DefaultKeyStore().Get([]byte("a"), false)
	require.NoError(t, err)
	require.False(t, got.Exists)
}

func TestDeletedDatabaseFailsDeterministically(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "del2.db"))
	require.NoError(t, db.DeleteDatabase(false))
	require.True(t, db.IsDeleted())

	_, err := db.OpenKeyStore("x")
	require.ErrorIs(t, err, ErrDeleted)
	_, err = db.BeginTransaction()
	require.ErrorIs(t, err, ErrDeleted)
	require.ErrorIs(t, db.Compact(), ErrDeleted)
}

func TestUUIDsPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uuid.db")
	db := openTestDB(t, path)
	priv := db.PrivateUUID()
	require.Len(t, priv, 16)
	require.NoError(t, db.Close())

	db2, err := Open(path, Config{})
	require.NoError(t, err)
	defer func() { _ = db2.Close() }()
	require.Equal(t, priv, db2.PrivateUUID())
}
