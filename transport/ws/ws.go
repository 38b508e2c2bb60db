// Package ws carries transport messages over a websocket. Each frame is a
// msgpack-encoded envelope; request/response pairing uses a per-connection
// serial number.
package ws

import (
	"bytes"
	"compress/flate"
	"errors"
	"io"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/docbase/docbase/log"
	"github.com/docbase/docbase/transport"
)

// Frame kinds.
const (
	frameRequest = iota
	frameResponse
	frameError
)

type envelope struct {
	Kind       int                  `msgpack:"k"`
	Serial     uint64               `msgpack:"n"`
	Name       string               `msgpack:"m"`
	Properties transport.Properties `msgpack:"p"`
	Body       []byte               `msgpack:"b"`
	Compressed bool                 `msgpack:"z"`
	NoReply    bool                 `msgpack:"q"`
	Domain     string               `msgpack:"d"`
	Code       int                  `msgpack:"c"`
}

// Connection is a transport connection over a websocket.
type Connection struct {
	ws *websocket.Conn

	mu       sync.Mutex
	handlers map[string]transport.Handler
	pending  map[uint64]transport.ReplyCallback
	serial   uint64
	closed   bool
}

// New wraps an established websocket and starts its read loop.
func New(ws *websocket.Conn) *Connection {
	c := &Connection{
		ws:       ws,
		handlers: make(map[string]transport.Handler),
		pending:  make(map[uint64]transport.ReplyCallback),
	}
	go c.readLoop()
	return c
}

// RegisterHandler routes incoming requests with the given name.
func (c *Connection) RegisterHandler(name string, handler transport.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[name] = handler
}

// SendRequest sends a request frame. onReply may be nil for no-reply sends.
func (c *Connection) SendRequest(msg *transport.MessageBuilder, onReply transport.ReplyCallback) error {
	env := &envelope{
		Kind:       frameRequest,
		Name:       msg.Name,
		Properties: msg.Properties,
		Body:       msg.Body,
		NoReply:    msg.NoReply,
	}
	if msg.Compressed && len(msg.Body) > 0 {
		deflated, err := deflate(msg.Body)
		if err != nil {
			return err
		}
		env.Body = deflated
		env.Compressed = true
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("ws: connection closed")
	}
	c.serial++
	env.Serial = c.serial
	if !msg.NoReply && onReply != nil {
		c.pending[env.Serial] = onReply
	}
	c.mu.Unlock()

	return c.writeFrame(env)
}

func (c *Connection) writeFrame(env *envelope) error {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Connection) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var env envelope
		if err := msgpack.Unmarshal(data, &env); err != nil {
			log.Warningf("ws: dropping malformed frame: %s", err)
			continue
		}
		if env.Compressed {
			body, err := inflate(env.Body)
			if err != nil {
				log.Warningf("ws: dropping frame with corrupt body: %s", err)
				continue
			}
			env.Body = body
			env.Compressed = false
		}
		c.dispatch(&env)
	}
}

func (c *Connection) dispatch(env *envelope) {
	switch env.Kind {
	case frameRequest:
		c.mu.Lock()
		handler := c.handlers[env.Name]
		c.mu.Unlock()

		var responder transport.Responder
		if !env.NoReply {
			responder = &wsResponder{conn: c, serial: env.Serial}
		}
		req := transport.NewMessageIn(env.Name, env.Properties, env.Body, responder)
		if handler == nil {
			req.RespondWithError(transport.BLIPDomain, 404)
			return
		}
		go handler(req)

	case frameResponse, frameError:
		c.mu.Lock()
		onReply := c.pending[env.Serial]
		delete(c.pending, env.Serial)
		c.mu.Unlock()
		if onReply == nil {
			return
		}
		if env.Kind == frameError {
			onReply(nil, &transport.RemoteError{Domain: env.Domain, Code: env.Code})
			return
		}
		onReply(transport.NewMessageIn(env.Name, env.Properties, env.Body, nil), nil)
	}
}

// fail terminates all pending replies.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]transport.ReplyCallback)
	c.closed = true
	c.mu.Unlock()

	for _, onReply := range pending {
		onReply(nil, err)
	}
}

// Close closes the websocket.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.ws.Close()
}

type wsResponder struct {
	conn   *Connection
	serial uint64
	once   sync.Once
}

func (r *wsResponder) Respond(response *transport.MessageBuilder) {
	r.once.Do(func() {
		err := r.conn.writeFrame(&envelope{
			Kind:       frameResponse,
			Serial:     r.serial,
			Name:       response.Name,
			Properties: response.Properties,
			Body:       response.Body,
		})
		if err != nil {
			log.Warningf("ws: response write failed: %s", err)
		}
	})
}

func (r *wsResponder) RespondWithError(domain string, code int) {
	r.once.Do(func() {
		err := r.conn.writeFrame(&envelope{
			Kind:   frameError,
			Serial: r.serial,
			Domain: domain,
			Code:   code,
		})
		if err != nil {
			log.Warningf("ws: error response write failed: %s", err)
		}
	})
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
