package tachyon

import (
	"github.com/tachyonflow/tachyonflow/internal/tachyon/fec"
	"github.com/tachyonflow/tachyonflow/internal/tachyon/reliability"
	"github.com/tachyonflow/tachyonflow/internal/tachyon/transport"
)

// Config contains configuration for an Endpoint. Leaving RemoteHost empty
// creates a receive-only endpoint.
type Config struct {
	// Local bind address.
	LocalHost string
	LocalPort int

	// Remote peer. Optional; sends fail with ErrNoRemote without it.
	RemoteHost string
	RemotePort int

	// Window sizes, in packets.
	SendWindow uint16
	RecvWindow uint16

	// FEC protection for the unreliable channel. Both peers must agree.
	FECEnabled      bool
	FECDataShards   int
	FECParityShards int

	// Transport configuration.
	Transport *transport.Config
}

// DefaultConfig returns a receive-only default configuration.
func DefaultConfig() *Config {
	return &Config{
		LocalHost:       "0.0.0.0",
		SendWindow:      reliability.DefaultSendWindow,
		RecvWindow:      reliability.DefaultRecvWindow,
		FECEnabled:      false,
		FECDataShards:   fec.DefaultDataShards,
		FECParityShards: fec.DefaultParityShards,
		Transport:       transport.DefaultConfig(),
	}
}
