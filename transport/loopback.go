package transport

import (
	"errors"
	"sync"

	"github.com/docbase/docbase/log"
)

// Pipe returns two in-process connections wired to each other. Requests
// sent on one side are dispatched to the other side's handlers on a fresh
// goroutine, as a network transport would.
func Pipe() (*LoopbackConnection, *LoopbackConnection) {
	a := newLoopback()
	b := newLoopback()
	a.peer, b.peer = b, a
	return a, b
}

// LoopbackConnection is the in-process transport used for tests and
// same-process replication.
type LoopbackConnection struct {
	mu       sync.Mutex
	handlers map[string]Handler
	peer     *LoopbackConnection
	closed   bool
}

func newLoopback() *LoopbackConnection {
	return &LoopbackConnection{
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler routes incoming requests with the given name.
func (c *LoopbackConnection) RegisterHandler(name string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[name] = handler
}

func (c *LoopbackConnection) handlerFor(name string) Handler {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.handlers[name]
}

// loopbackResponder routes a single response back to the sender's callback.
type loopbackResponder struct {
	once    sync.Once
	onReply ReplyCallback
}

func (r *loopbackResponder) Respond(response *MessageBuilder) {
	r.once.Do(func() {
		if r.onReply != nil {
			r.onReply(NewMessageIn(response.Name, response.Properties, response.Body, nil), nil)
		}
	})
}

func (r *loopbackResponder) RespondWithError(domain string, code int) {
	r.once.Do(func() {
		if r.onReply != nil {
			r.onReply(nil, &RemoteError{Domain: domain, Code: code})
		}
	})
}

// SendRequest dispatches a request to the peer's handler.
func (c *LoopbackConnection) SendRequest(msg *MessageBuilder, onReply ReplyCallback) error {
	c.mu.Lock()
	peer := c.peer
	closed := c.closed
	c.mu.Unlock()

	if closed || peer == nil {
		return errors.New("transport: connection closed")
	}
	handler := peer.handlerFor(msg.Name)
	if handler == nil {
		return errors.New("transport: no handler for " + msg.Name)
	}

	var responder Responder
	if !msg.NoReply {
		responder = &loopbackResponder{onReply: onReply}
	} else if onReply != nil {
		log.Warningf("transport: reply callback on a noreply message is ignored")
	}

	req := NewMessageIn(msg.Name, msg.Properties, msg.Body, responder)
	go handler(req)
	return nil
}

// Close closes the connection.
func (c *LoopbackConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	return nil
}
