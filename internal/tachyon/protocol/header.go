// Package protocol implements the Tachyon wire format: the fixed 7-byte
// packet header, the SACK payload, and the wraparound sequence and deadline
// arithmetic shared by the sender and receiver.
package protocol

import (
	"encoding/binary"
	"errors"
)

const (
	// ChannelData carries reliable application payloads.
	ChannelData byte = 0x00

	// ChannelUnreliable carries best-effort application payloads.
	ChannelUnreliable byte = 0x01

	// ChannelAck carries SACK payloads and no application data.
	ChannelAck byte = 0x02

	// HeaderSize is the fixed header length: channel(1) + seq(2) + ts(4).
	HeaderSize = 7

	// MaxDatagramSize bounds a whole packet, header included.
	MaxDatagramSize = 64 * 1024

	// MaxPayloadSize is the largest application payload a packet can carry.
	MaxPayloadSize = MaxDatagramSize - HeaderSize
)

// ErrMalformed reports a packet too short to contain a header.
var ErrMalformed = errors.New("malformed packet: short header")

// PackHeader encodes a header in network byte order. Inputs are already
// masked to their field widths by their types.
func PackHeader(channel byte, seq uint16, ts uint32) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = channel
	binary.BigEndian.PutUint16(buf[1:3], seq)
	binary.BigEndian.PutUint32(buf[3:7], ts)
	return buf
}

// BuildPacket encodes a header followed by payload into one datagram.
func BuildPacket(channel byte, seq uint16, ts uint32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = channel
	binary.BigEndian.PutUint16(buf[1:3], seq)
	binary.BigEndian.PutUint32(buf[3:7], ts)
	copy(buf[HeaderSize:], payload)
	return buf
}

// UnpackHeader decodes a datagram into its header fields and payload view.
// The payload aliases pkt; callers that retain it past the next socket read
// must copy it first.
func UnpackHeader(pkt []byte) (channel byte, seq uint16, ts uint32, payload []byte, err error) {
	if len(pkt) < HeaderSize {
		return 0, 0, 0, nil, ErrMalformed
	}
	channel = pkt[0]
	seq = binary.BigEndian.Uint16(pkt[1:3])
	ts = binary.BigEndian.Uint32(pkt[3:7])
	payload = pkt[HeaderSize:]
	return channel, seq, ts, payload, nil
}
