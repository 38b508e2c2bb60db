package vdoc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docbase/docbase/database"
	_ "github.com/docbase/docbase/engine/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "vdoc.db"), database.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := Open(db)
	require.NoError(t, err)
	return store
}

func putRev(t *testing.T, s *Store, req *PutRequest) *Document {
	t.Helper()
	tx, err := s.Database().BeginTransaction()
	require.NoError(t, err)
	doc, err := s.PutExistingRevision(tx, req)
	require.NoError(t, err)
	require.NoError(t, tx.End())
	return doc
}

func TestPutAndGet(t *testing.T) {
	s := openTestStore(t)

	doc := putRev(t, s, &PutRequest{
		DocID: "d1", RevID: "1-aa", Body: []byte("B1"), AllowConflict: true,
	})
	require.True(t, doc.Exists)
	require.Equal(t, "1-aa", doc.CurrentRevID())

	got, err := s.Get("d1")
	require.NoError(t, err)
	require.True(t, got.Exists)
	require.Equal(t, "1-aa", got.CurrentRevID())
	require.NoError(t, got.SelectRevision("1-aa"))
	require.Equal(t, []byte("B1"), got.SelectedRev().Body)

	missing, err := s.Get("nope")
	require.NoError(t, err)
	require.False(t, missing.Exists)
}

func TestRevisionHistoryWalk(t *testing.T) {
	s := openTestStore(t)

	putRev(t, s, &PutRequest{DocID: "d1", RevID: "1-aa", Body: []byte("B1"), AllowConflict: true})
	putRev(t, s, &PutRequest{
		DocID: "d1", RevID: "2-bb", History: []string{"1-aa"},
		Body: []byte("B2"), AllowConflict: true,
	})
	putRev(t, s, &PutRequest{
		DocID: "d1", RevID: "3-cc", History: []string{"2-bb", "1-aa"},
		Body: []byte("B3"), AllowConflict: true,
	})

	doc, err := s.Get("d1")
	require.NoError(t, err)
	require.Equal(t, "3-cc", doc.CurrentRevID())
	require.NoError(t, doc.SelectRevision("3-cc"))
	require.Equal(t, []string{"3-cc", "2-bb", "1-aa"}, doc.History())

	require.True(t, doc.SelectParentRevision())
	require.Equal(t, "2-bb", doc.SelectedRev().RevID)
	require.True(t, doc.SelectParentRevision())
	require.Equal(t, "1-aa", doc.SelectedRev().RevID)
	require.False(t, doc.SelectParentRevision())
}

func TestPutExistingRevisionIdempotent(t *testing.T) {
	s := openTestStore(t)

	doc := putRev(t, s, &PutRequest{DocID: "d1", RevID: "1-aa", Body: []byte("B"), AllowConflict: true})
	seq1 := doc.Sequence

	// Inserting the same revision again consumes no sequence.
	doc2 := putRev(t, s, &PutRequest{DocID: "d1", RevID: "1-aa", Body: []byte("B"), AllowConflict: true})
	require.Equal(t, seq1, doc2.Sequence)

	last, err := s.LastSequence()
	require.NoError(t, err)
	require.Equal(t, seq1, last)
}

func TestDeletionMovesToDeadStore(t *testing.T) {
	s := openTestStore(t)

	putRev(t, s, &PutRequest{DocID: "d1", RevID: "1-aa", Body: []byte("B"), AllowConflict: true})
	putRev(t, s, &PutRequest{
		DocID: "d1", RevID: "2-bb", History: []string{"1-aa"},
		Deleted: true, AllowConflict: true,
	})

	inLive, err := s.KeyStore().LiveStore().Get([]byte("d1"), true)
	require.NoError(t, err)
	require.False(t, inLive.Exists)
	inDead, err := s.KeyStore().DeadStore().Get([]byte("d1"), true)
	require.NoError(t, err)
	require.True(t, inDead.Exists)

	doc, err := s.Get("d1")
	require.NoError(t, err)
	require.True(t, doc.Exists)
	require.True(t, doc.Flags.Deleted())
}

func TestPossibleAncestors(t *testing.T) {
	s := openTestStore(t)

	putRev(t, s, &PutRequest{DocID: "d1", RevID: "1-aa", AllowConflict: true})
	putRev(t, s, &PutRequest{DocID: "d1", RevID: "2-bb", History: []string{"1-aa"}, AllowConflict: true})

	doc, err := s.Get("d1")
	require.NoError(t, err)
	require.Equal(t, []string{"2-bb", "1-aa"}, doc.PossibleAncestorsOf("3-xx", 0))
	require.Equal(t, []string{"2-bb"}, doc.PossibleAncestorsOf("3-xx", 1))
	require.Equal(t, []string{"1-aa"}, doc.PossibleAncestorsOf("2-zz", 0))
	require.Empty(t, doc.PossibleAncestorsOf("1-zz", 0))
}

func TestChangesAndObserver(t *testing.T) {
	s := openTestStore(t)

	putRev(t, s, &PutRequest{DocID: "d1", RevID: "1-aa", AllowConflict: true})
	putRev(t, s, &PutRequest{DocID: "d2", RevID: "1-bb", AllowConflict: true})
	putRev(t, s, &PutRequest{
		DocID: "d1", RevID: "2-cc", History: []string{"1-aa"},
		Deleted: true, AllowConflict: true,
	})

	changes, err := s.Changes(0, 10)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	require.Equal(t, "d2", changes[0].DocID)
	require.Equal(t, "d1", changes[1].DocID)
	require.True(t, changes[1].Deleted)
	require.Equal(t, "2-cc", changes[1].RevID)

	// Changes strictly after a sequence.
	later, err := s.Changes(changes[0].Sequence, 10)
	require.NoError(t, err)
	require.Len(t, later, 1)
	require.Equal(t, "d1", later[0].DocID)

	// Observer drains only what happened after registration.
	notified := make(chan struct{}, 8)
	obs, err := s.AddObserver(func() { notified <- struct{}{} })
	require.NoError(t, err)
	defer obs.Close()

	pending, _, err := obs.GetChanges(100)
	require.NoError(t, err)
	require.Empty(t, pending)

	putRev(t, s, &PutRequest{DocID: "d3", RevID: "1-dd", AllowConflict: true})
	s.NotifyCommitted()
	<-notified

	pending, external, err := obs.GetChanges(100)
	require.NoError(t, err)
	require.False(t, external)
	require.Len(t, pending, 1)
	require.Equal(t, "d3", pending[0].DocID)

	// Drained; nothing more.
	pending, _, err = obs.GetChanges(100)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestGeneration(t *testing.T) {
	require.Equal(t, uint64(12), Generation("12-abc"))
	require.Equal(t, uint64(1), Generation("1-cc"))
	require.Zero(t, Generation("abc"))
	require.Zero(t, Generation(""))
}
