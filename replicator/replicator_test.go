package replicator

import (
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/docbase/docbase/database"
	_ "github.com/docbase/docbase/engine/sqlite"
	"github.com/docbase/docbase/formats/bindoc"
	"github.com/docbase/docbase/transport"
	"github.com/docbase/docbase/vdoc"
)

type testPeer struct {
	actor *DBActor
	conn  *transport.LoopbackConnection // the peer's side of the pipe
	db    *database.Database
	docs  *vdoc.Store
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "repl.db"), database.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	docs, err := vdoc.Open(db)
	require.NoError(t, err)

	actorSide, peerSide := transport.Pipe()
	actor := NewDBActor(actorSide, db, docs, "ws://remote.example/db")
	t.Cleanup(actor.Stop)

	return &testPeer{actor: actor, conn: peerSide, db: db, docs: docs}
}

// request sends a message from the peer side and waits for the reply.
func (p *testPeer) request(t *testing.T, msg *transport.MessageBuilder) (*transport.MessageIn, error) {
	t.Helper()
	type result struct {
		reply *transport.MessageIn
		err   error
	}
	results := make(chan result, 1)
	err := p.conn.SendRequest(msg, func(reply *transport.MessageIn, err error) {
		results <- result{reply, err}
	})
	require.NoError(t, err)
	select {
	case r := <-results:
		return r.reply, r.err
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return nil, nil
	}
}

func (p *testPeer) putRev(t *testing.T, req *vdoc.PutRequest) {
	t.Helper()
	tx, err := p.db.BeginTransaction()
	require.NoError(t, err)
	_, err = p.docs.PutExistingRevision(tx, req)
	require.NoError(t, err)
	require.NoError(t, tx.End())
}

func TestLocalCheckpointRoundtrip(t *testing.T) {
	p := newTestPeer(t)

	done := make(chan struct{})
	p.actor.SetCheckpoint([]byte("progress"), func() { close(done) })
	<-done

	type cp struct {
		id   string
		body []byte
		err  error
	}
	got := make(chan cp, 1)
	p.actor.GetCheckpoint(func(id string, body []byte, err error) {
		got <- cp{id, body, err}
	})
	c := <-got
	require.NoError(t, c.err)
	require.True(t, strings.HasPrefix(c.id, "cp-"))
	require.Equal(t, []byte("progress"), c.body)
}

func TestLocalCheckpointMissingIsEmpty(t *testing.T) {
	p := newTestPeer(t)

	got := make(chan []byte, 1)
	p.actor.GetCheckpoint(func(id string, body []byte, err error) {
		require.NoError(t, err)
		got <- body
	})
	require.Empty(t, <-got)
}

func TestPeerCheckpointRevArithmetic(t *testing.T) {
	p := newTestPeer(t)

	set := func(rev string, body string) (*transport.MessageIn, error) {
		msg := transport.NewMessage("setCheckpoint").
			SetProperty("client", "X").
			SetBody([]byte(body))
		if rev != "" {
			msg.SetProperty("rev", rev)
		}
		return p.request(t, msg)
	}

	reply, err := set("", "B1")
	require.NoError(t, err)
	require.Equal(t, "1-cc", reply.Property("rev"))

	reply, err = set("1-cc", "B2")
	require.NoError(t, err)
	require.Equal(t, "2-cc", reply.Property("rev"))

	// A stale rev conflicts and leaves the stored checkpoint untouched.
	_, err = set("1-cc", "B3")
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, transport.HTTPDomain, remote.Domain)
	require.Equal(t, 409, remote.Code)

	reply, err = p.request(t, transport.NewMessage("getCheckpoint").SetProperty("client", "X"))
	require.NoError(t, err)
	require.Equal(t, "2-cc", reply.Property("rev"))
	require.Equal(t, []byte("B2"), reply.Body())
}

func TestPeerCheckpointErrors(t *testing.T) {
	p := newTestPeer(t)

	// Missing client property.
	_, err := p.request(t, transport.NewMessage("getCheckpoint"))
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, transport.BLIPDomain, remote.Domain)
	require.Equal(t, 400, remote.Code)

	// Unknown peer checkpoint.
	_, err = p.request(t, transport.NewMessage("getCheckpoint").SetProperty("client", "nope"))
	require.ErrorAs(t, err, &remote)
	require.Equal(t, transport.HTTPDomain, remote.Domain)
	require.Equal(t, 404, remote.Code)
}

type testPusher struct {
	mu      sync.Mutex
	batches [][]Rev
	notify  chan struct{}
}

func newTestPusher() *testPusher {
	return &testPusher{notify: make(chan struct{}, 16)}
}

func (p *testPusher) GotChanges(changes []Rev, err error) {
	p.mu.Lock()
	p.batches = append(p.batches, changes)
	p.mu.Unlock()
	p.notify <- struct{}{}
}

func (p *testPusher) batch(i int) []Rev {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batches[i]
}

func TestGetChangesOneShot(t *testing.T) {
	p := newTestPeer(t)
	p.putRev(t, &vdoc.PutRequest{DocID: "d1", RevID: "1-aa", AllowConflict: true})
	p.putRev(t, &vdoc.PutRequest{DocID: "d2", RevID: "1-bb", AllowConflict: true})

	pusher := newTestPusher()
	p.actor.GetChanges(0, 10, false, pusher)
	<-pusher.notify

	changes := pusher.batch(0)
	require.Len(t, changes, 2)
	require.Equal(t, "d1", changes[0].DocID)
	require.Equal(t, "1-aa", changes[0].RevID)
	require.Equal(t, "d2", changes[1].DocID)
}

func TestGetChangesContinuous(t *testing.T) {
	p := newTestPeer(t)
	p.putRev(t, &vdoc.PutRequest{DocID: "d1", RevID: "1-aa", AllowConflict: true})

	pusher := newTestPusher()
	p.actor.GetChanges(0, 100, true, pusher)
	<-pusher.notify
	require.Len(t, pusher.batch(0), 1)

	// A later insert through the actor reaches the pusher via the observer.
	inserted := make(chan error, 1)
	p.actor.InsertRevision(&RevToInsert{
		DocID: "d2", RevID: "1-bb",
		OnInserted: func(err error) { inserted <- err },
	})
	require.NoError(t, <-inserted)

	select {
	case <-pusher.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("continuous feed never fired")
	}
	changes := pusher.batch(1)
	require.Len(t, changes, 1)
	require.Equal(t, "d2", changes[0].DocID)
}

func TestInsertCoalescing(t *testing.T) {
	p := newTestPeer(t)

	var commits int32
	obs, err := p.docs.AddObserver(func() { atomic.AddInt32(&commits, 1) })
	require.NoError(t, err)
	defer obs.Close()

	var done sync.WaitGroup
	insert := func(n, offset int) {
		for i := 0; i < n; i++ {
			done.Add(1)
			p.actor.InsertRevision(&RevToInsert{
				DocID: "doc-" + string(rune('a'+offset)) + "-" + strings.Repeat("x", i%7),
				RevID: "1-aa",
				OnInserted: func(err error) {
					require.NoError(t, err)
					done.Done()
				},
			})
		}
	}

	// A small burst coalesces into a single transaction on the timer.
	insert(30, 0)
	done.Wait()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&commits))
}

func TestInsertFlushesAtLimit(t *testing.T) {
	p := newTestPeer(t)

	var commits int32
	obs, err := p.docs.AddObserver(func() { atomic.AddInt32(&commits, 1) })
	require.NoError(t, err)
	defer obs.Close()

	var done sync.WaitGroup
	for i := 0; i < 150; i++ {
		done.Add(1)
		p.actor.InsertRevision(&RevToInsert{
			DocID: "doc-" + strings.Repeat("y", i%11) + "-" + strings.Repeat("z", i/11),
			RevID: "1-aa",
			OnInserted: func(err error) {
				require.NoError(t, err)
				done.Done()
			},
		})
	}
	done.Wait()
	time.Sleep(100 * time.Millisecond)

	// The first hundred flush at the queue cap, the rest on the timer.
	require.Equal(t, int32(2), atomic.LoadInt32(&commits))
}

func TestFindOrRequestRevs(t *testing.T) {
	p := newTestPeer(t)
	p.putRev(t, &vdoc.PutRequest{DocID: "d1", RevID: "1-aa", AllowConflict: true})
	p.putRev(t, &vdoc.PutRequest{DocID: "d1", RevID: "2-bb", History: []string{"1-aa"}, AllowConflict: true})

	req := transport.NewMessageIn("changes", nil,
		[]byte(`[[1,"d0","1-xx"],[2,"d1","2-bb"],[3,"d1","3-cc"]]`), nil)

	seqCh := make(chan []string, 1)
	p.actor.FindOrRequestRevs(req, func(requested []string) { seqCh <- requested })
	require.Equal(t, []string{"1", "3"}, <-seqCh)
}

func TestFindOrRequestRevsResponse(t *testing.T) {
	p := newTestPeer(t)
	p.putRev(t, &vdoc.PutRequest{DocID: "d1", RevID: "1-aa", AllowConflict: true})
	p.putRev(t, &vdoc.PutRequest{DocID: "d1", RevID: "2-bb", History: []string{"1-aa"}, AllowConflict: true})

	responses := make(chan *transport.MessageIn, 1)
	responder := &captureResponder{responses: responses}
	req := transport.NewMessageIn("changes", nil,
		[]byte(`[[1,"d0","1-xx"],[2,"d1","2-bb"],[3,"d1","3-cc"]]`), responder)

	p.actor.FindOrRequestRevs(req, nil)

	select {
	case reply := <-responses:
		require.Equal(t, "20", reply.Property("maxHistory"))
		body := gjson.ParseBytes(reply.Body()).Array()
		require.Len(t, body, 3)
		// Unknown doc: empty ancestor list.
		require.Empty(t, body[0].Array())
		// Known rev: zero.
		require.Equal(t, int64(0), body[1].Int())
		// Unknown rev of a known doc: its ancestors.
		ancestors := body[2].Array()
		require.Len(t, ancestors, 2)
		require.Equal(t, "2-bb", ancestors[0].String())
		require.Equal(t, "1-aa", ancestors[1].String())
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
}

type captureResponder struct {
	responses chan *transport.MessageIn
}

func (r *captureResponder) Respond(response *transport.MessageBuilder) {
	r.responses <- transport.NewMessageIn(response.Name, response.Properties, response.Body, nil)
}

func (r *captureResponder) RespondWithError(domain string, code int) {}

func TestSendRevision(t *testing.T) {
	p := newTestPeer(t)

	// The revision body is a binary document under the db's document keys.
	enc := bindoc.NewEncoder()
	enc.SetSharedKeys(p.db.DocumentKeys())
	enc.BeginMap()
	_ = enc.WriteKey("greeting")
	_ = enc.WriteString("hello")
	_ = enc.EndMap()
	body, err := enc.FinishDoc()
	require.NoError(t, err)

	p.putRev(t, &vdoc.PutRequest{DocID: "d1", RevID: "1-aa", Body: body.Data(), AllowConflict: true})
	p.putRev(t, &vdoc.PutRequest{
		DocID: "d1", RevID: "2-bb", History: []string{"1-aa"},
		Body: body.Data(), AllowConflict: true,
	})

	received := make(chan *transport.MessageIn, 1)
	p.conn.RegisterHandler("rev", func(req *transport.MessageIn) {
		received <- req
	})

	p.actor.SendRevision(RevRequest{DocID: "d1", RevID: "2-bb", Sequence: 2, MaxHistory: 20}, nil)

	select {
	case msg := <-received:
		require.Equal(t, "d1", msg.Property("id"))
		require.Equal(t, "2-bb", msg.Property("rev"))
		require.Equal(t, "2", msg.Property("sequence"))
		require.Equal(t, "1-aa", msg.Property("history"))
		require.Empty(t, msg.Property("deleted"))

		doc, err := bindoc.FromData(msg.Body(), p.db.DocumentKeys())
		require.NoError(t, err)
		require.Equal(t, "hello", doc.Root().Get("greeting").String())
	case <-time.After(2 * time.Second):
		t.Fatal("revision never sent")
	}
}

func TestSendRevisionStopsAtKnownAncestor(t *testing.T) {
	p := newTestPeer(t)
	p.putRev(t, &vdoc.PutRequest{DocID: "d1", RevID: "1-aa", AllowConflict: true})
	p.putRev(t, &vdoc.PutRequest{DocID: "d1", RevID: "2-bb", History: []string{"1-aa"}, AllowConflict: true})
	p.putRev(t, &vdoc.PutRequest{
		DocID: "d1", RevID: "3-cc", History: []string{"2-bb", "1-aa"}, AllowConflict: true,
	})

	received := make(chan *transport.MessageIn, 1)
	p.conn.RegisterHandler("rev", func(req *transport.MessageIn) {
		received <- req
	})

	p.actor.SendRevision(RevRequest{
		DocID: "d1", RevID: "3-cc", Sequence: 3, MaxHistory: 20,
		AncestorRevIDs: []string{"2-bb"},
	}, nil)

	select {
	case msg := <-received:
		require.Equal(t, "2-bb", msg.Property("history"))
	case <-time.After(2 * time.Second):
		t.Fatal("revision never sent")
	}
}
