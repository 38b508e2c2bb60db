package transport

import (
	"errors"
	"testing"
	"time"
)

func TestPipeRequestResponse(t *testing.T) {
	a, b := Pipe()

	b.RegisterHandler("echo", func(req *MessageIn) {
		response := NewMessage("echo")
		response.SetProperty("saw", req.Property("word"))
		response.SetBody(req.Body())
		req.Respond(response)
	})

	replies := make(chan *MessageIn, 1)
	msg := NewMessage("echo").SetProperty("word", "banana").SetBody([]byte("body"))
	err := a.SendRequest(msg, func(reply *MessageIn, err error) {
		if err != nil {
			t.Errorf("unexpected error: %s", err)
		}
		replies <- reply
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case reply := <-replies:
		if reply.Property("saw") != "banana" {
			t.Errorf("saw = %q", reply.Property("saw"))
		}
		if string(reply.Body()) != "body" {
			t.Errorf("body = %q", reply.Body())
		}
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}
}

func TestPipeErrorResponse(t *testing.T) {
	a, b := Pipe()
	b.RegisterHandler("fail", func(req *MessageIn) {
		req.RespondWithError(HTTPDomain, 409)
	})

	errs := make(chan error, 1)
	err := a.SendRequest(NewMessage("fail"), func(reply *MessageIn, err error) {
		errs <- err
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errs:
		var remote *RemoteError
		if !errors.As(err, &remote) {
			t.Fatalf("expected RemoteError, got %v", err)
		}
		if remote.Domain != HTTPDomain || remote.Code != 409 {
			t.Errorf("remote = %v", remote)
		}
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}
}

func TestPipeNoHandler(t *testing.T) {
	a, _ := Pipe()
	if err := a.SendRequest(NewMessage("unknown"), nil); err == nil {
		t.Fatal("expected an error for an unhandled message")
	}
}

func TestPipeClosed(t *testing.T) {
	a, b := Pipe()
	b.RegisterHandler("x", func(req *MessageIn) {})
	_ = a.Close()
	if err := a.SendRequest(NewMessage("x"), nil); err == nil {
		t.Fatal("expected an error on a closed connection")
	}
}
