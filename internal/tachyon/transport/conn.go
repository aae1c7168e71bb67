// Package transport provides the UDP socket primitive for the Tachyon
// engine: bind, timed reads, and concurrent datagram writes.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	// DefaultReadBufferSize is the default kernel receive buffer.
	DefaultReadBufferSize = 1 << 20

	// DefaultWriteBufferSize is the default kernel send buffer.
	DefaultWriteBufferSize = 1 << 20

	// MaxDatagramSize bounds a single read.
	MaxDatagramSize = 64 * 1024
)

// Config contains socket tuning for a Conn.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultConfig returns the default socket configuration.
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
	}
}

// Conn is a bound UDP socket. Reads are expected from a single goroutine;
// writes may come from many (sendto is atomic per datagram).
type Conn struct {
	udpConn   *net.UDPConn
	localAddr *net.UDPAddr

	mu     sync.Mutex
	closed bool
}

// Listen binds a UDP socket on the given address.
func Listen(network, address string, config *Config) (*Conn, error) {
	if config == nil {
		config = DefaultConfig()
	}

	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	udpConn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen UDP: %w", err)
	}

	if err := udpConn.SetReadBuffer(config.ReadBufferSize); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("failed to set read buffer: %w", err)
	}
	if err := udpConn.SetWriteBuffer(config.WriteBufferSize); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("failed to set write buffer: %w", err)
	}

	return &Conn{
		udpConn:   udpConn,
		localAddr: udpConn.LocalAddr().(*net.UDPAddr),
	}, nil
}

// ReadFrom reads one datagram into buf, waiting at most timeout. Use
// IsTimeout to distinguish an expired deadline from other failures.
func (c *Conn) ReadFrom(buf []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	if err := c.udpConn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, fmt.Errorf("failed to set read deadline: %w", err)
	}
	return c.udpConn.ReadFromUDP(buf)
}

// WriteTo sends one datagram to addr.
func (c *Conn) WriteTo(p []byte, addr *net.UDPAddr) error {
	if addr == nil {
		return errors.New("no destination address")
	}
	_, err := c.udpConn.WriteToUDP(p, addr)
	return err
}

// LocalAddr returns the bound address, with the real port when the socket
// was bound to port 0.
func (c *Conn) LocalAddr() *net.UDPAddr {
	return c.localAddr
}

// Close closes the socket and unblocks any pending read. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.udpConn.Close()
}

// IsTimeout reports whether err is an expired read deadline.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
