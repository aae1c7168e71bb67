package reliability

import (
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tachyonflow/tachyonflow/internal/tachyon/metrics"
	"github.com/tachyonflow/tachyonflow/internal/tachyon/protocol"
)

const (
	// DefaultRecvWindow bounds how far ahead of the delivery point the
	// reorder buffer accepts sequences.
	DefaultRecvWindow = 512

	// SkipTimeoutMillis caps head-of-line blocking on a missing sequence.
	SkipTimeoutMillis = 200

	// DefaultRecvTimeout is the socket read timeout when no skip deadline
	// is armed.
	DefaultRecvTimeout = 50 * time.Millisecond
)

// Delivery is one item handed to the application. Reliable deliveries carry
// their sequence; unreliable ones do not. RTT is the wraparound difference
// between local receipt and the sender's header timestamp.
type Delivery struct {
	Seq      uint16
	Reliable bool
	SenderTS uint32
	Payload  []byte
	RTT      uint32
}

type bufferedPacket struct {
	payload []byte
	ts      uint32
}

// Receiver reassembles the reliable channel for one remote peer and passes
// the unreliable channel straight through.
type Receiver struct {
	mu      sync.Mutex
	wire    Wire
	log     *zap.Logger
	metrics *metrics.Metrics

	deliveries chan<- Delivery

	nextExpected uint16
	buffer       map[uint16]bufferedPacket
	window       uint16

	skipDeadline uint32
	skipArmed    bool
	skipTimeout  uint32

	totalDelivered uint64
	totalSkipped   uint64
	duplicates     uint64
}

// NewReceiver creates a receiver delivering into the given queue and
// acknowledging through wire. A zero window selects DefaultRecvWindow.
func NewReceiver(wire Wire, deliveries chan<- Delivery, window uint16, log *zap.Logger, m *metrics.Metrics) *Receiver {
	if window == 0 {
		window = DefaultRecvWindow
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New("tachyon")
	}
	return &Receiver{
		wire:        wire,
		log:         log,
		metrics:     m,
		deliveries:  deliveries,
		buffer:      make(map[uint16]bufferedPacket),
		window:      window,
		skipTimeout: SkipTimeoutMillis,
	}
}

// HandleReliable processes one DATA-channel packet. The packet is absorbed
// first (stale and duplicate copies are discarded), then a SACK reporting
// the resulting state is sent back; acknowledging every copy is what
// retires sender state when earlier ACKs were lost.
func (r *Receiver) HandleReliable(seq uint16, ts uint32, payload []byte, from *net.UDPAddr) {
	r.mu.Lock()
	switch {
	case protocol.SeqBefore(seq, r.nextExpected):
		r.duplicates++
		r.metrics.DroppedPackets.WithLabelValues("stale").Inc()
	case r.contains(seq):
		r.duplicates++
		r.metrics.DroppedPackets.WithLabelValues("duplicate").Inc()
	case !protocol.InWindow(seq, r.nextExpected, r.window):
		r.metrics.DroppedPackets.WithLabelValues("window").Inc()
	default:
		r.buffer[seq] = bufferedPacket{payload: payload, ts: ts}
		r.drainLocked()
		if len(r.buffer) > 0 && !r.contains(r.nextExpected) && !r.skipArmed {
			r.skipDeadline = protocol.MakeDeadline(protocol.NowMillis(), r.skipTimeout)
			r.skipArmed = true
		}
	}
	ack := r.buildSackLocked()
	r.mu.Unlock()

	if err := r.wire.WriteTo(ack, from); err != nil {
		r.log.Warn("ack send failed", zap.Uint16("seq", seq), zap.Error(err))
		return
	}
	r.metrics.PacketsSent.WithLabelValues("ack").Inc()
}

// HandleUnreliable delivers a best-effort payload immediately. No
// buffering, no ack, no state change.
func (r *Receiver) HandleUnreliable(ts uint32, payload []byte) {
	r.mu.Lock()
	r.deliverLocked(Delivery{
		Reliable: false,
		SenderTS: ts,
		Payload:  payload,
		RTT:      protocol.Elapsed(ts),
	})
	r.mu.Unlock()
}

// OnIdle runs the hole-skip state machine. The pump calls it whenever the
// socket read times out, and may call it opportunistically.
func (r *Receiver) OnIdle(now uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buffer) == 0 {
		r.skipArmed = false
		return
	}
	if !r.skipArmed || protocol.TimeToDeadline(now, r.skipDeadline) > 0 {
		return
	}
	if r.contains(r.nextExpected) {
		return
	}

	skipped := r.nextExpected
	r.log.Warn("skip timeout reached, abandoning sequence", zap.Uint16("seq", skipped))
	r.totalSkipped++
	r.metrics.SkippedSequences.Inc()

	r.nextExpected = protocol.SeqInc(r.nextExpected)
	r.skipArmed = false
	r.drainLocked()

	if len(r.buffer) > 0 && !r.contains(r.nextExpected) {
		r.skipDeadline = protocol.MakeDeadline(now, r.skipTimeout)
		r.skipArmed = true
	}
}

// NextTimeout returns the socket read timeout: the time to the skip
// deadline, clamped to [0, DefaultRecvTimeout].
func (r *Receiver) NextTimeout(now uint32) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.skipArmed {
		return DefaultRecvTimeout
	}
	remaining := time.Duration(protocol.TimeToDeadline(now, r.skipDeadline)) * time.Millisecond
	if remaining > DefaultRecvTimeout {
		return DefaultRecvTimeout
	}
	return remaining
}

func (r *Receiver) contains(seq uint16) bool {
	_, ok := r.buffer[seq]
	return ok
}

// drainLocked delivers every consecutively buffered packet starting at
// nextExpected. Any progress clears the skip deadline.
func (r *Receiver) drainLocked() {
	progressed := false
	for {
		bp, ok := r.buffer[r.nextExpected]
		if !ok {
			break
		}
		delete(r.buffer, r.nextExpected)
		r.deliverLocked(Delivery{
			Seq:      r.nextExpected,
			Reliable: true,
			SenderTS: bp.ts,
			Payload:  bp.payload,
			RTT:      protocol.Elapsed(bp.ts),
		})
		r.nextExpected = protocol.SeqInc(r.nextExpected)
		progressed = true
	}
	if progressed {
		r.skipArmed = false
	}
}

func (r *Receiver) deliverLocked(d Delivery) {
	select {
	case r.deliveries <- d:
		r.totalDelivered++
		if d.Reliable {
			r.metrics.Deliveries.WithLabelValues("data").Inc()
		} else {
			r.metrics.Deliveries.WithLabelValues("unreliable").Inc()
		}
		r.metrics.RTTMillis.Observe(float64(d.RTT))
	default:
		r.log.Warn("delivery queue full, dropping",
			zap.Uint16("seq", d.Seq),
			zap.Bool("reliable", d.Reliable))
		r.metrics.QueueDrops.Inc()
	}
}

// buildSackLocked frames the current cumulative point and SACK blocks as an
// ACK-channel packet.
func (r *Receiver) buildSackLocked() []byte {
	payload := protocol.PackSack(r.nextExpected, r.sackBlocksLocked())
	return protocol.BuildPacket(protocol.ChannelAck, r.nextExpected, protocol.NowMillis(), payload)
}

// sackBlocksLocked coalesces the buffered sequences beyond nextExpected
// into maximal runs, wraparound-sorted, at most MaxSackBlocks of them. The
// sender learns any dropped runs from later SACKs.
func (r *Receiver) sackBlocksLocked() []protocol.SackBlock {
	if len(r.buffer) == 0 {
		return nil
	}
	keys := make([]uint16, 0, len(r.buffer))
	for seq := range r.buffer {
		keys = append(keys, seq)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i]-r.nextExpected < keys[j]-r.nextExpected
	})

	var blocks []protocol.SackBlock
	for _, seq := range keys {
		if n := len(blocks); n > 0 && seq == blocks[n-1].End+1 {
			blocks[n-1].End = seq
			continue
		}
		if len(blocks) == protocol.MaxSackBlocks {
			break
		}
		blocks = append(blocks, protocol.SackBlock{Start: seq, End: seq})
	}
	return blocks
}

// NextExpected returns the lowest sequence not yet delivered.
func (r *Receiver) NextExpected() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextExpected
}

// BufferedCount returns the number of out-of-order packets held.
func (r *Receiver) BufferedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// Stats returns receiver counters.
func (r *Receiver) Stats() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]uint64{
		"delivered":  r.totalDelivered,
		"skipped":    r.totalSkipped,
		"duplicates": r.duplicates,
		"buffered":   uint64(len(r.buffer)),
	}
}
