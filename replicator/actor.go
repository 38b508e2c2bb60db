package replicator

import (
	"time"

	"github.com/tevino/abool"

	"github.com/docbase/docbase/log"
)

const mailboxDepth = 256

// actor is a single-consumer mailbox. Public operations enqueue closures;
// one goroutine drains them, so actor state needs no locks.
type actor struct {
	name    string
	queue   chan func()
	stopped *abool.AtomicBool
	done    chan struct{}
}

func newActor(name string) *actor {
	a := &actor{
		name:    name,
		queue:   make(chan func(), mailboxDepth),
		stopped: abool.New(),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *actor) run() {
	defer close(a.done)
	for fn := range a.queue {
		fn()
	}
}

// enqueue posts fn to the mailbox. Posts to a stopped actor are dropped.
func (a *actor) enqueue(fn func()) {
	if a.stopped.IsSet() {
		log.Tracef("replicator: %s: dropping enqueue after stop", a.name)
		return
	}
	defer func() {
		// The queue may close concurrently with a late enqueue.
		_ = recover()
	}()
	a.queue <- fn
}

// enqueueAfter posts fn to the mailbox after a delay.
func (a *actor) enqueueAfter(d time.Duration, fn func()) {
	time.AfterFunc(d, func() {
		a.enqueue(fn)
	})
}

// stop shuts the mailbox down and waits for queued work to finish.
func (a *actor) stop() {
	if !a.stopped.SetToIf(false, true) {
		return
	}
	close(a.queue)
	<-a.done
}
