package jim

import (
	"errors"
	"net"
	"strings"
	"testing"
)

// pipe returns both ends of an in-memory connection.
func pipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestWriteReadFrame(t *testing.T) {
	client, server := pipe(t)

	go func() {
		_ = WriteFrame(client, Message{Sender: "a", Destination: "b", Time: "t", Text: "hello"})
	}()

	f, err := ReadFrame(server)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	msg, ok := f.(Message)
	if !ok {
		t.Fatalf("got %T, want Message", f)
	}
	if msg.Text != "hello" {
		t.Errorf("Text = %q, want hello", msg.Text)
	}
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	client, _ := pipe(t)

	big := Message{Sender: "a", Destination: "b", Text: strings.Repeat("x", MaxFrameSize)}
	err := WriteFrame(client, big)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("got %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrameInvalidUTF8(t *testing.T) {
	client, server := pipe(t)

	go func() {
		_, _ = client.Write([]byte{0xff, 0xfe, 0xfd})
	}()

	_, err := ReadFrame(server)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("got %v, want ErrMalformedFrame", err)
	}
}

func TestReadFrameGarbage(t *testing.T) {
	client, server := pipe(t)

	go func() {
		_, _ = client.Write([]byte("}{ definitely not json"))
	}()

	_, err := ReadFrame(server)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("got %v, want ErrMalformedFrame", err)
	}
}

func TestReadFramePropagatesClose(t *testing.T) {
	client, server := pipe(t)
	client.Close()

	if _, err := ReadFrame(server); err == nil {
		t.Error("expected error reading from closed connection")
	}
}
