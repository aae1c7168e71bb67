package protocol

import "encoding/binary"

const (
	// MaxSackBlocks is the number of selective-ack block slots on the wire.
	MaxSackBlocks = 4

	// SackSize is the fixed SACK payload length:
	// cum_ack(2) + MaxSackBlocks * {start(2), end(2)}.
	SackSize = 2 + MaxSackBlocks*4
)

// SackBlock is one contiguous acknowledged range, both ends inclusive.
type SackBlock struct {
	Start uint16
	End   uint16
}

// PackSack encodes a cumulative ack and up to MaxSackBlocks blocks into the
// fixed 18-byte SACK payload. Unused slots are zero-padded; blocks beyond
// the fourth are dropped.
func PackSack(cumAck uint16, blocks []SackBlock) []byte {
	buf := make([]byte, SackSize)
	binary.BigEndian.PutUint16(buf[0:2], cumAck)
	n := len(blocks)
	if n > MaxSackBlocks {
		n = MaxSackBlocks
	}
	for i := 0; i < n; i++ {
		off := 2 + i*4
		binary.BigEndian.PutUint16(buf[off:off+2], blocks[i].Start)
		binary.BigEndian.PutUint16(buf[off+2:off+4], blocks[i].End)
	}
	return buf
}

// UnpackSack decodes a SACK payload. Short payloads are zero-extended. A
// (0,0) slot at index >= 1 terminates the block list; a (0,0) slot at index
// 0 is a real block acknowledging sequence 0. A block is kept only if its
// start is not strictly after its end in wraparound order.
func UnpackSack(payload []byte) (cumAck uint16, blocks []SackBlock) {
	var buf [SackSize]byte
	copy(buf[:], payload)

	cumAck = binary.BigEndian.Uint16(buf[0:2])
	for i := 0; i < MaxSackBlocks; i++ {
		off := 2 + i*4
		start := binary.BigEndian.Uint16(buf[off : off+2])
		end := binary.BigEndian.Uint16(buf[off+2 : off+4])
		if start == 0 && end == 0 && i > 0 {
			break
		}
		if !SeqInRange(start, start, end) {
			continue
		}
		blocks = append(blocks, SackBlock{Start: start, End: end})
	}
	return cumAck, blocks
}
