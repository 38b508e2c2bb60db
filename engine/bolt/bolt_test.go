package bolt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docbase/docbase/engine"
)

func openTestFile(t *testing.T) engine.DataFile {
	t.Helper()
	df, err := Open(filepath.Join(t.TempDir(), "test.bolt"), engine.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = df.Close() })
	return df
}

func TestRecordRoundtrip(t *testing.T) {
	df := openTestFile(t)
	store, err := df.OpenStore("docs")
	require.NoError(t, err)

	rec := engine.Record{Key: []byte("a"), Version: []byte("1-x"), Body: []byte("V"), Expiration: 99}
	seq, err := store.Set(&rec)
	require.NoError(t, err)
	require.Equal(t, engine.Sequence(1), seq)

	got, err := store.Get([]byte("a"), false)
	require.NoError(t, err)
	require.True(t, got.Exists)
	require.Equal(t, []byte("V"), got.Body)
	require.Equal(t, []byte("1-x"), got.Version)
	require.Equal(t, int64(99), got.Expiration)

	meta, err := store.Get([]byte("a"), true)
	require.NoError(t, err)
	require.True(t, meta.Exists)
	require.Nil(t, meta.Body)

	n, err := store.Count()
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
}

func TestMVCCAndSharedSequences(t *testing.T) {
	df := openTestFile(t)
	live, err := df.OpenStore("docs")
	require.NoError(t, err)
	dead, err := df.OpenStore("del_docs")
	require.NoError(t, err)
	require.NoError(t, dead.ShareSequencesWith(live))

	r1 := engine.Record{Key: []byte("a"), Body: []byte("V")}
	seq, err := live.SetReplacing(&r1, 0, true)
	require.NoError(t, err)
	require.Equal(t, engine.Sequence(1), seq)

	r2 := engine.Record{Key: []byte("a"), Body: []byte("V2")}
	seq, err = live.SetReplacing(&r2, 0, true)
	require.NoError(t, err)
	require.Zero(t, seq)

	tomb := engine.Record{Key: []byte("b"), Flags: engine.FlagDeleted}
	seq, err = dead.Set(&tomb)
	require.NoError(t, err)
	require.Equal(t, engine.Sequence(2), seq)

	seq, err = live.SetReplacing(&r2, 1, true)
	require.NoError(t, err)
	require.Equal(t, engine.Sequence(3), seq)
}

func TestEnumerateBySequence(t *testing.T) {
	df := openTestFile(t)
	store, err := df.OpenStore("docs")
	require.NoError(t, err)

	for _, key := range []string{"c", "a", "b"} {
		rec := engine.Record{Key: []byte(key)}
		_, err := store.Set(&rec)
		require.NoError(t, err)
	}
	// Rewrite "c" so it moves to the end of the sequence order.
	rec := engine.Record{Key: []byte("c"), Body: []byte("V2")}
	_, err = store.Set(&rec)
	require.NoError(t, err)

	e, err := store.NewEnumerator(true, 1, engine.EnumeratorOptions{Sort: engine.SortAscending, IncludeDeleted: true})
	require.NoError(t, err)
	var keys []string
	for {
		ok, err := e.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, string(e.Key()))
	}
	require.NoError(t, e.Close())
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestTransactionRollback(t *testing.T) {
	df := openTestFile(t)
	store, err := df.OpenStore("docs")
	require.NoError(t, err)

	require.NoError(t, df.Begin())
	rec := engine.Record{Key: []byte("a")}
	_, err = store.Set(&rec)
	require.NoError(t, err)

	got, err := store.Get([]byte("a"), true)
	require.NoError(t, err)
	require.True(t, got.Exists)

	require.NoError(t, df.Abort())
	got, err = store.Get([]byte("a"), true)
	require.NoError(t, err)
	require.False(t, got.Exists)
}

func TestQueriesUnsupported(t *testing.T) {
	df := openTestFile(t)
	_, err := df.Prepare("SELECT 1")
	require.ErrorIs(t, err, engine.ErrUnsupported)
}
