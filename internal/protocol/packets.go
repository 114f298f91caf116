// Package protocol implements the framed binary protocol spoken between crss
// and the game server status plugin. Every frame is a 1-byte packet type,
// a 4-byte big-endian payload length and the payload itself.
package protocol

import "fmt"

// PacketType identifies the kind of a frame.
type PacketType byte

// Client -> server packets.
const (
	PktKeepAlive PacketType = 0x00 // Liveness probe, no reply
	PktHello     PacketType = 0x01 // Handshake carrying the shared server key
	PktBye       PacketType = 0x0F // Graceful close
)

// Server -> client packets.
const (
	PktAck PacketType = 0xFF // Acknowledgement, payload[0] is the acked type
)

// Packets valid in both directions.
const (
	PktError   PacketType = 0xFE
	PktInfo    PacketType = 0x10 // Server info (JSON)
	PktPlayers PacketType = 0x11 // Online player ids (JSON array)
	PktPlayer  PacketType = 0x12 // Single player (JSON), request payload is the player id
)

// Class groups packet types by the direction they travel in.
type Class int

const (
	ClassUnknown Class = iota
	ClassClient
	ClassServer
	ClassUniversal
)

var packetNames = map[PacketType]string{
	PktKeepAlive: "keep_alive",
	PktHello:     "hello",
	PktBye:       "bye",
	PktAck:       "ack",
	PktError:     "error",
	PktInfo:      "info",
	PktPlayers:   "players",
	PktPlayer:    "player",
}

// String returns the lowercase packet name, or a hex form for unknown types.
func (t PacketType) String() string {
	if name, ok := packetNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02X)", byte(t))
}

// Valid reports whether t is one of the defined packet types.
func (t PacketType) Valid() bool {
	_, ok := packetNames[t]
	return ok
}

// Class returns the direction class of t.
func (t PacketType) Class() Class {
	switch t {
	case PktKeepAlive, PktHello, PktBye:
		return ClassClient
	case PktAck:
		return ClassServer
	case PktError, PktInfo, PktPlayers, PktPlayer:
		return ClassUniversal
	default:
		return ClassUnknown
	}
}

// HeaderSize is the size of the type byte plus the length prefix.
const HeaderSize = 5

// MaxPayloadSize bounds a single frame's payload when reading from a stream.
const MaxPayloadSize = 16 << 20

// Frame is one decoded protocol message.
type Frame struct {
	Type    PacketType
	Payload []byte
}

// Len returns the encoded size of the frame.
func (f Frame) Len() int {
	return HeaderSize + len(f.Payload)
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame[%s, %d bytes]", f.Type, len(f.Payload))
}
