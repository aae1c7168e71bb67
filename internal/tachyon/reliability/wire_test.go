package reliability

import (
	"errors"
	"net"
	"sync"

	"github.com/tachyonflow/tachyonflow/internal/tachyon/protocol"
)

// fakeWire records every datagram instead of touching a socket.
type fakeWire struct {
	mu      sync.Mutex
	packets [][]byte
	failing bool
}

func (w *fakeWire) WriteTo(p []byte, addr *net.UDPAddr) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failing {
		return errors.New("wire down")
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	w.packets = append(w.packets, cp)
	return nil
}

func (w *fakeWire) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.packets)
}

// dataSeqs returns the sequence numbers of all DATA packets, in send order.
func (w *fakeWire) dataSeqs() []uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var seqs []uint16
	for _, p := range w.packets {
		channel, seq, _, _, err := protocol.UnpackHeader(p)
		if err == nil && channel == protocol.ChannelData {
			seqs = append(seqs, seq)
		}
	}
	return seqs
}

// sack parses packet i as an ACK and returns its cumulative ack and blocks.
func (w *fakeWire) sack(i int) (uint16, []protocol.SackBlock) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _, _, payload, err := protocol.UnpackHeader(w.packets[i])
	if err != nil {
		return 0, nil
	}
	return protocol.UnpackSack(payload)
}

var testAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4242}
