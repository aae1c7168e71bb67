// Package tachyon implements a hybrid reliable/unreliable datagram
// transport over UDP: an in-order, exactly-once channel with selective
// acknowledgment, adaptive retransmission, and bounded head-of-line
// blocking, next to a best-effort channel with per-packet latency
// measurement.
package tachyon

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tachyonflow/tachyonflow/internal/tachyon/fec"
	"github.com/tachyonflow/tachyonflow/internal/tachyon/metrics"
	"github.com/tachyonflow/tachyonflow/internal/tachyon/protocol"
	"github.com/tachyonflow/tachyonflow/internal/tachyon/reliability"
	"github.com/tachyonflow/tachyonflow/internal/tachyon/transport"
)

var (
	// ErrNoRemote is returned by Send on a receive-only endpoint.
	ErrNoRemote = errors.New("endpoint has no remote peer")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("endpoint closed")
)

const (
	deliveryQueueSize = 1024
	pumpJoinTimeout   = 1 * time.Second
)

// Delivery re-exports the engine's delivery item.
type Delivery = reliability.Delivery

// Endpoint is one side of a Tachyon association: a bound UDP socket, the
// sender and receiver state machines, and the I/O pump that feeds them.
type Endpoint struct {
	guid    uuid.UUID
	log     *zap.Logger
	metrics *metrics.Metrics

	conn   *transport.Conn
	remote *net.UDPAddr

	sender   *reliability.Sender
	receiver *reliability.Receiver

	deliveries chan reliability.Delivery

	fecEnc *fec.Encoder
	fecDec *fec.Decoder

	stop   chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

// New binds the local socket, resolves the optional remote, and starts the
// I/O pump. A nil logger disables logging.
func New(config *Config, logger *zap.Logger) (*Endpoint, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	guid, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate endpoint id: %w", err)
	}
	logger = logger.With(zap.String("endpoint", guid.String()[:8]))

	conn, err := transport.Listen("udp", fmt.Sprintf("%s:%d", config.LocalHost, config.LocalPort), config.Transport)
	if err != nil {
		return nil, err
	}

	var remote *net.UDPAddr
	if config.RemoteHost != "" {
		remote, err = net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", config.RemoteHost, config.RemotePort))
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to resolve remote address: %w", err)
		}
	}

	m := metrics.New("tachyon")
	deliveries := make(chan reliability.Delivery, deliveryQueueSize)

	e := &Endpoint{
		guid:       guid,
		log:        logger,
		metrics:    m,
		conn:       conn,
		remote:     remote,
		sender:     reliability.NewSender(conn, remote, config.SendWindow, logger, m),
		receiver:   reliability.NewReceiver(conn, deliveries, config.RecvWindow, logger, m),
		deliveries: deliveries,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	if config.FECEnabled {
		fecConfig := &fec.Config{
			DataShards:   config.FECDataShards,
			ParityShards: config.FECParityShards,
		}
		if e.fecEnc, err = fec.NewEncoder(fecConfig); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create FEC encoder: %w", err)
		}
		if e.fecDec, err = fec.NewDecoder(fecConfig); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create FEC decoder: %w", err)
		}
	}

	logger.Info("endpoint up",
		zap.String("local", conn.LocalAddr().String()),
		zap.Stringer("remote", remote))

	go e.pump()
	return e, nil
}

// Send submits a payload on the reliable or unreliable channel. It never
// blocks beyond the 1ms pacing gap; a full reliable window queues the
// payload instead of failing.
func (e *Endpoint) Send(data []byte, reliable bool) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.remote == nil {
		return ErrNoRemote
	}
	if reliable {
		e.sender.SendReliable(data)
		return nil
	}
	if e.fecEnc != nil {
		shards, err := e.fecEnc.Protect(data)
		if err != nil {
			return fmt.Errorf("fec encode: %w", err)
		}
		for _, shard := range shards {
			e.sender.SendUnreliable(shard)
		}
		return nil
	}
	e.sender.SendUnreliable(data)
	return nil
}

// Receive returns the next delivered item without blocking. The second
// result is false when nothing is ready or the endpoint is closed.
func (e *Endpoint) Receive() (Delivery, bool) {
	if e.closed.Load() {
		return Delivery{}, false
	}
	select {
	case d := <-e.deliveries:
		return d, true
	default:
		return Delivery{}, false
	}
}

// Close shuts the endpoint down: cancels every retransmit timer, closes the
// socket to unblock the pump, and joins the pump with a bounded wait.
// Idempotent.
func (e *Endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stop)
	e.sender.Close()
	e.conn.Close()
	select {
	case <-e.done:
	case <-time.After(pumpJoinTimeout):
		e.log.Warn("pump did not exit before timeout")
	}
	e.log.Info("endpoint closed")
	return nil
}

// GUID returns the endpoint's identity.
func (e *Endpoint) GUID() uuid.UUID {
	return e.guid
}

// LocalAddr returns the bound address, including the real port when the
// endpoint was configured with port 0.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr()
}

// MetricsRegistry returns the endpoint's Prometheus registry for scraping.
func (e *Endpoint) MetricsRegistry() *prometheus.Registry {
	return e.metrics.Registry()
}

// Stats merges sender and receiver counters.
func (e *Endpoint) Stats() map[string]uint64 {
	stats := e.sender.Stats()
	for k, v := range e.receiver.Stats() {
		stats[k] = v
	}
	return stats
}

// pump is the endpoint's single socket reader: it reads with a timeout
// derived from the receiver's skip deadline, feeds idle ticks on timeout,
// and dispatches packets by channel tag.
func (e *Endpoint) pump() {
	defer close(e.done)
	buf := make([]byte, transport.MaxDatagramSize)

	for {
		select {
		case <-e.stop:
			return
		default:
		}

		timeout := e.receiver.NextTimeout(protocol.NowMillis())
		n, from, err := e.conn.ReadFrom(buf, timeout)
		if err != nil {
			if transport.IsTimeout(err) {
				e.receiver.OnIdle(protocol.NowMillis())
				continue
			}
			select {
			case <-e.stop:
				return
			default:
			}
			e.log.Warn("socket read failed", zap.Error(err))
			continue
		}

		if n < protocol.HeaderSize {
			e.metrics.DroppedPackets.WithLabelValues("runt").Inc()
			continue
		}
		channel, seq, ts, payload, err := protocol.UnpackHeader(buf[:n])
		if err != nil {
			e.metrics.DroppedPackets.WithLabelValues("malformed").Inc()
			continue
		}

		switch channel {
		case protocol.ChannelData:
			e.metrics.PacketsReceived.WithLabelValues("data").Inc()
			e.receiver.HandleReliable(seq, ts, clone(payload), from)
		case protocol.ChannelUnreliable:
			e.metrics.PacketsReceived.WithLabelValues("unreliable").Inc()
			if e.fecDec != nil {
				recovered, err := e.fecDec.Absorb(payload)
				if err != nil {
					e.log.Debug("fec absorb failed", zap.Error(err))
					continue
				}
				if recovered == nil {
					continue
				}
				e.metrics.RecoveredPayloads.Inc()
				e.receiver.HandleUnreliable(ts, recovered)
				continue
			}
			e.receiver.HandleUnreliable(ts, clone(payload))
		case protocol.ChannelAck:
			e.metrics.PacketsReceived.WithLabelValues("ack").Inc()
			e.sender.HandleSack(ts, payload)
		default:
			e.metrics.DroppedPackets.WithLabelValues("unknown_channel").Inc()
		}
	}
}

func clone(p []byte) []byte {
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
