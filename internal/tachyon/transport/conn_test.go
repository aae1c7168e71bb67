package transport

import (
	"bytes"
	"testing"
	"time"
)

func TestLoopbackSendReceive(t *testing.T) {
	a, err := Listen("udp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer a.Close()

	b, err := Listen("udp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer b.Close()

	msg := []byte("ping")
	if err := a.WriteTo(msg, b.LocalAddr()); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	buf := make([]byte, MaxDatagramSize)
	n, from, err := b.ReadFrom(buf, time.Second)
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Errorf("read %q, want %q", buf[:n], msg)
	}
	if from.Port != a.LocalAddr().Port {
		t.Errorf("source port = %d, want %d", from.Port, a.LocalAddr().Port)
	}
}

func TestReadTimeout(t *testing.T) {
	c, err := Listen("udp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer c.Close()

	buf := make([]byte, 64)
	_, _, err = c.ReadFrom(buf, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if !IsTimeout(err) {
		t.Errorf("IsTimeout(%v) = false, want true", err)
	}
}

func TestWriteToNilAddr(t *testing.T) {
	c, err := Listen("udp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer c.Close()

	if err := c.WriteTo([]byte("x"), nil); err == nil {
		t.Error("write without a destination should fail")
	}
}

func TestCloseIdempotent(t *testing.T) {
	c, err := Listen("udp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
