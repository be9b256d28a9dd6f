package jim

import (
	"fmt"
	"net"
	"unicode/utf8"
)

// MaxFrameSize is the wire ceiling for one frame. The protocol has no length
// prefix or delimiter: each frame must fit in a single write and be consumed
// by a single read of this size.
const MaxFrameSize = 1024

// ReadFrame reads one frame from conn. It performs exactly one Read call;
// deadlines are the caller's responsibility. Bytes that are not valid UTF-8
// or do not decode to a JSON object yield ErrMalformedFrame.
func ReadFrame(conn net.Conn) (Frame, error) {
	buf := make([]byte, MaxFrameSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	data := buf[:n]
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrMalformedFrame)
	}
	return Decode(data)
}

// WriteFrame encodes f and sends it in a single write. Frames that would
// exceed MaxFrameSize are rejected with ErrFrameTooLarge before any bytes
// reach the wire.
func WriteFrame(conn net.Conn, f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	_, err = conn.Write(data)
	return err
}
