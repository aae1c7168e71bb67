// Package reliability implements the Tachyon protocol engine: the sender's
// sliding window, retransmission timers, and RTO estimator, and the
// receiver's reorder buffer, SACK generator, and hole-skip state machine.
package reliability

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tachyonflow/tachyonflow/internal/tachyon/metrics"
	"github.com/tachyonflow/tachyonflow/internal/tachyon/protocol"
)

const (
	// DefaultSendWindow is the default cap on inflight reliable packets.
	DefaultSendWindow = 256

	// minSendGap is the minimum spacing between consecutive sends.
	minSendGap = time.Millisecond
)

// Wire is the write side of the datagram socket shared by both halves of
// the engine. Writes may be concurrent; UDP sendto is atomic per datagram.
type Wire interface {
	WriteTo(p []byte, addr *net.UDPAddr) error
}

// inflightPacket is a sent but unacknowledged reliable packet. The packet
// bytes and sequence never change after creation; only the timer and the
// retransmit count do.
type inflightPacket struct {
	packet      []byte
	retransmits int
	timer       *time.Timer
}

// Sender manages the reliable send window and the unreliable channel for
// one remote peer.
type Sender struct {
	mu      sync.Mutex
	wire    Wire
	remote  *net.UDPAddr
	log     *zap.Logger
	metrics *metrics.Metrics

	window   uint16
	nextSeq  uint16
	base     uint16
	inflight map[uint16]*inflightPacket
	pending  [][]byte

	est   *rtoEstimator
	pacer *rate.Limiter

	useq   uint16
	closed bool

	totalSent    uint64
	totalRetrans uint64
	totalAcked   uint64
}

// NewSender creates a sender writing to remote through wire. A zero window
// selects DefaultSendWindow. remote may be nil for a receive-only endpoint;
// the caller must then never submit sends.
func NewSender(wire Wire, remote *net.UDPAddr, window uint16, log *zap.Logger, m *metrics.Metrics) *Sender {
	if window == 0 {
		window = DefaultSendWindow
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New("tachyon")
	}
	s := &Sender{
		wire:     wire,
		remote:   remote,
		log:      log,
		metrics:  m,
		window:   window,
		inflight: make(map[uint16]*inflightPacket),
		est:      newRTOEstimator(DefaultRTOMillis),
		pacer:    rate.NewLimiter(rate.Every(minSendGap), 1),
	}
	m.RTOMillis.Set(float64(s.est.rto))
	return s
}

// SendReliable submits a payload for in-order, acknowledged delivery. It
// never blocks the caller beyond the 1ms pacing gap and never fails: when
// the window is full the payload queues until acknowledgments free space.
func (s *Sender) SendReliable(payload []byte) {
	owned := make([]byte, len(payload))
	copy(owned, payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.nextSeq-s.base >= s.window {
		s.pending = append(s.pending, owned)
		s.metrics.PendingPayloads.Set(float64(len(s.pending)))
		return
	}
	s.emitOneLocked(owned)
}

// SendUnreliable transmits a payload once on the unreliable channel. No
// retransmission, no ack, no buffering; transmit errors are logged and
// swallowed.
func (s *Sender) SendUnreliable(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	pkt := protocol.BuildPacket(protocol.ChannelUnreliable, s.useq, protocol.NowMillis(), payload)
	if err := s.wire.WriteTo(pkt, s.remote); err != nil {
		s.log.Warn("unreliable send failed", zap.Uint16("useq", s.useq), zap.Error(err))
	}
	s.useq = protocol.SeqInc(s.useq)
	s.metrics.PacketsSent.WithLabelValues("unreliable").Inc()
}

// emitOneLocked allocates the next sequence, transmits, and arms the
// retransmit timer. Window space must already be checked.
func (s *Sender) emitOneLocked(payload []byte) {
	seq := s.nextSeq
	pkt := protocol.BuildPacket(protocol.ChannelData, seq, protocol.NowMillis(), payload)

	s.paceLocked()
	if err := s.wire.WriteTo(pkt, s.remote); err != nil {
		s.log.Warn("reliable send failed", zap.Uint16("seq", seq), zap.Error(err))
	}

	entry := &inflightPacket{packet: pkt}
	entry.timer = time.AfterFunc(time.Duration(s.est.rto)*time.Millisecond, func() {
		s.retransmit(seq, entry)
	})
	s.inflight[seq] = entry
	s.nextSeq = protocol.SeqInc(s.nextSeq)

	s.totalSent++
	s.metrics.PacketsSent.WithLabelValues("data").Inc()
	s.metrics.InflightPackets.Set(float64(len(s.inflight)))
}

func (s *Sender) paceLocked() {
	if d := s.pacer.Reserve().Delay(); d > 0 {
		time.Sleep(d)
	}
}

// retransmit fires when entry's timer expires. The entry identity check
// makes a timer that lost the race with an ACK harmless, even after the
// sequence number has been reused.
func (s *Sender) retransmit(seq uint16, entry *inflightPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	current, ok := s.inflight[seq]
	if !ok || current != entry {
		return
	}

	entry.retransmits++
	s.log.Debug("retransmit",
		zap.Uint16("seq", seq),
		zap.Int("attempt", entry.retransmits))
	if err := s.wire.WriteTo(entry.packet, s.remote); err != nil {
		s.log.Warn("retransmit failed", zap.Uint16("seq", seq), zap.Error(err))
	}

	entry.timer = time.AfterFunc(s.backoffLocked(entry.retransmits), func() {
		s.retransmit(seq, entry)
	})
	s.totalRetrans++
	s.metrics.Retransmissions.Inc()
}

// backoffLocked returns min(rto * 2^retransmits, RTOMax) as a duration.
func (s *Sender) backoffLocked(retransmits int) time.Duration {
	ms := s.est.rto
	for i := 0; i < retransmits && ms < MaxRTOMillis; i++ {
		ms *= 2
	}
	if ms > MaxRTOMillis {
		ms = MaxRTOMillis
	}
	return time.Duration(ms) * time.Millisecond
}

// HandleSack ingests one ACK-channel packet: an RTT sample from the header
// timestamp plus the cumulative and selective acknowledgment payload. Late
// and duplicate SACKs are harmless no-ops.
func (s *Sender) HandleSack(ts uint32, payload []byte) {
	sample := int64(protocol.Elapsed(ts))
	cumAck, blocks := protocol.UnpackSack(payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	retiredRetransmitted := false

	// Cumulative: everything before cumAck is delivered.
	for protocol.SeqBefore(s.base, cumAck) && s.base != s.nextSeq {
		if e := s.dropInflightLocked(s.base); e != nil && e.retransmits > 0 {
			retiredRetransmitted = true
		}
		s.base = protocol.SeqInc(s.base)
	}

	// Selective: each block names a received range beyond the cumulative
	// point. Entries already gone are ignored.
	for _, b := range blocks {
		cur := b.Start
		for {
			if e := s.dropInflightLocked(cur); e != nil && e.retransmits > 0 {
				retiredRetransmitted = true
			}
			if cur == b.End {
				break
			}
			cur = protocol.SeqInc(cur)
		}
	}

	// Karn: a sample from a SACK that retired a retransmitted entry is
	// ambiguous; skip it.
	if !retiredRetransmitted {
		s.metrics.RTTMillis.Observe(float64(sample))
		if s.est.observe(sample) {
			s.rescheduleLocked()
		}
		s.metrics.RTOMillis.Set(float64(s.est.rto))
	}

	// Fill freed window space from the pending queue, FIFO.
	for len(s.pending) > 0 && s.nextSeq-s.base < s.window {
		payload := s.pending[0]
		s.pending = s.pending[1:]
		s.emitOneLocked(payload)
	}
	s.metrics.PendingPayloads.Set(float64(len(s.pending)))
	s.metrics.InflightPackets.Set(float64(len(s.inflight)))
}

// dropInflightLocked removes seq from the window and cancels its timer.
func (s *Sender) dropInflightLocked(seq uint16) *inflightPacket {
	entry, ok := s.inflight[seq]
	if !ok {
		return nil
	}
	entry.timer.Stop()
	delete(s.inflight, seq)
	s.totalAcked++
	return entry
}

// rescheduleLocked re-arms every inflight timer at now + rto, keeping
// retransmit counts. Called when the estimator moves abruptly so stale
// deadlines cannot dominate. A timer that has already fired is left alone:
// its pending callback retransmits and re-arms it.
func (s *Sender) rescheduleLocked() {
	d := time.Duration(s.est.rto) * time.Millisecond
	for seq, entry := range s.inflight {
		seq, entry := seq, entry
		if !entry.timer.Stop() {
			continue
		}
		entry.timer = time.AfterFunc(d, func() {
			s.retransmit(seq, entry)
		})
	}
}

// Close cancels every timer and clears all sender state. Submissions after
// Close are discarded.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, entry := range s.inflight {
		entry.timer.Stop()
	}
	s.inflight = make(map[uint16]*inflightPacket)
	s.pending = nil
	s.nextSeq = 0
	s.base = 0
}

// RTO returns the current retransmission timeout.
func (s *Sender) RTO() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.est.rto) * time.Millisecond
}

// SRTT returns the current smoothed RTT.
func (s *Sender) SRTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.est.srtt) * time.Millisecond
}

// InflightCount returns the number of unacknowledged reliable packets.
func (s *Sender) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// PendingCount returns the number of payloads queued for window space.
func (s *Sender) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stats returns sender counters.
func (s *Sender) Stats() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]uint64{
		"sent":          s.totalSent,
		"retransmitted": s.totalRetrans,
		"acked":         s.totalAcked,
		"inflight":      uint64(len(s.inflight)),
		"pending":       uint64(len(s.pending)),
		"rto_ms":        uint64(s.est.rto),
		"srtt_ms":       uint64(s.est.srtt),
	}
}
