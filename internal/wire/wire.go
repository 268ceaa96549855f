package wire

import (
	"encoding/binary"
	"fmt"
)

// Packet types carried in the header's type field.
const (
	TypeAudio     uint16 = 0x0001
	TypeControl   uint16 = 0x0002
	TypeHeartbeat uint16 = 0x0003
)

// HeaderSize is the fixed size of the datagram header in bytes.
const HeaderSize = 8

// IDSize is the width of the endpoint id field.
const IDSize = 4

// ServerID is the id a heartbeat reply is sent from.
const ServerID = "SRVR"

// Header represents the 8-byte datagram header.
// Layout: [ID:4][Sequence:2][Type:2]
type Header struct {
	RawID    [IDSize]byte
	Sequence uint16
	Type     uint16
}

// Packet is a fully parsed datagram: header plus opaque payload bytes.
type Packet struct {
	Header  Header
	Payload []byte
}

// EncodeID right-pads id with NUL bytes to IDSize, truncating if longer.
func EncodeID(id string) [IDSize]byte {
	var out [IDSize]byte
	copy(out[:], id)
	return out
}

// StripID removes the trailing NUL padding from a raw id field.
func StripID(raw [IDSize]byte) string {
	n := len(raw)
	for n > 0 && raw[n-1] == 0 {
		n--
	}
	return string(raw[:n])
}

// ID returns the header's endpoint id with NUL padding stripped.
func (h Header) ID() string {
	return StripID(h.RawID)
}

// IsValidType reports whether t is one of the defined packet types.
func IsValidType(t uint16) bool {
	return t == TypeAudio || t == TypeControl || t == TypeHeartbeat
}

// ParseHeader parses the fixed 8-byte header from the front of data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("wire: header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	var h Header
	copy(h.RawID[:], data[0:4])
	h.Sequence = binary.BigEndian.Uint16(data[4:6])
	h.Type = binary.BigEndian.Uint16(data[6:8])

	return h, nil
}

// ParsePacket parses a full datagram: 8-byte header followed by an opaque
// payload of any length, including zero.
func ParsePacket(data []byte) (*Packet, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to parse packet: %w", err)
	}

	payload := make([]byte, len(data)-HeaderSize)
	copy(payload, data[HeaderSize:])

	return &Packet{Header: header, Payload: payload}, nil
}

// BuildPacket serializes id, sequence, packet type, and payload into a
// single datagram ready for transmission.
func BuildPacket(id string, sequence uint16, packetType uint16, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	encoded := EncodeID(id)
	copy(out[0:4], encoded[:])
	binary.BigEndian.PutUint16(out[4:6], sequence)
	binary.BigEndian.PutUint16(out[6:8], packetType)
	copy(out[HeaderSize:], payload)
	return out
}

// HeartbeatReply builds the server's best-effort heartbeat acknowledgment:
// id "SRVR", sequence 0, type heartbeat, empty payload.
func HeartbeatReply() []byte {
	return BuildPacket(ServerID, 0, TypeHeartbeat, nil)
}

// TypeName returns a human-readable name for a packet type, for logging.
func TypeName(t uint16) string {
	switch t {
	case TypeAudio:
		return "audio"
	case TypeControl:
		return "control"
	case TypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("unknown(0x%04x)", t)
	}
}

// String returns a human-readable representation of the header.
func (h Header) String() string {
	return fmt.Sprintf("Header{ID:%q, Seq:%d, Type:%s}", h.ID(), h.Sequence, TypeName(h.Type))
}
