package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
)

var (
	ErrShortFrame      = errors.New("protocol: buffer shorter than frame")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
)

// Encode builds a single frame: [type:1][length:4 BE][payload...].
func Encode(t PacketType, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode parses one frame from the start of b. Bytes past the frame are ignored.
// A zero length yields a nil payload.
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d byte header", ErrShortFrame, len(b))
	}

	f := Frame{Type: PacketType(b[0])}
	length := binary.BigEndian.Uint32(b[1:HeaderSize])
	if length == 0 {
		return f, nil
	}

	if uint64(len(b)-HeaderSize) < uint64(length) {
		return Frame{}, fmt.Errorf("%w: want %d payload bytes, have %d",
			ErrShortFrame, length, len(b)-HeaderSize)
	}

	f.Payload = make([]byte, length)
	copy(f.Payload, b[HeaderSize:HeaderSize+int(length)])
	return f, nil
}

// ReadFrame reads exactly one frame from a stream, reassembling it across
// fragmented reads. Blocks until a full frame is available or r fails.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	f := Frame{Type: PacketType(header[0])}
	length := binary.BigEndian.Uint32(header[1:])
	if length == 0 {
		return f, nil
	}

	if length > MaxPayloadSize {
		return Frame{}, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, length, MaxPayloadSize)
	}

	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, fmt.Errorf("failed to read %s payload (%d bytes): %w", f.Type, length, err)
	}

	return f, nil
}

// WriteFrame encodes and writes a frame in a single Write call.
func WriteFrame(w io.Writer, t PacketType, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	if _, err := w.Write(Encode(t, payload)); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", t, err)
	}
	return nil
}

const randomAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandomString returns n random alphanumeric characters. Used as keep-alive filler.
func RandomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = randomAlphabet[rand.Intn(len(randomAlphabet))]
	}
	return string(b)
}
