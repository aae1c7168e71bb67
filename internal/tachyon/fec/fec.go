// Package fec protects unreliable-channel payloads with Reed-Solomon
// coding: a payload is split into data shards, parity shards are appended,
// and the receiver reconstructs the payload from any sufficient subset.
package fec

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"
)

const (
	// DefaultDataShards is the default number of data shards per payload.
	DefaultDataShards = 10

	// DefaultParityShards is the default number of parity shards per payload.
	DefaultParityShards = 3

	// shardHeaderSize frames each shard:
	// group(4) + index(1) + data(1) + parity(1) + reserved(1) + length(4).
	shardHeaderSize = 12

	// maxGroups bounds the decoder's group table; the oldest group is
	// evicted when it fills.
	maxGroups = 64
)

// Config contains the shard geometry. Both peers must agree on it.
type Config struct {
	DataShards   int
	ParityShards int
}

// DefaultConfig returns the default shard geometry.
func DefaultConfig() *Config {
	return &Config{
		DataShards:   DefaultDataShards,
		ParityShards: DefaultParityShards,
	}
}

func validate(config *Config) error {
	if config.DataShards < 1 || config.DataShards > 255 {
		return fmt.Errorf("invalid data shards: %d (must be 1-255)", config.DataShards)
	}
	if config.ParityShards < 1 || config.ParityShards > 255 {
		return fmt.Errorf("invalid parity shards: %d (must be 1-255)", config.ParityShards)
	}
	if config.DataShards+config.ParityShards > 256 {
		return fmt.Errorf("too many shards: %d (must be <= 256)", config.DataShards+config.ParityShards)
	}
	return nil
}

// Encoder splits payloads into framed shards.
type Encoder struct {
	mu           sync.Mutex
	dataShards   int
	parityShards int
	enc          reedsolomon.Encoder
	group        uint32
}

// NewEncoder creates an encoder with the given geometry.
func NewEncoder(config *Config) (*Encoder, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := validate(config); err != nil {
		return nil, err
	}
	enc, err := reedsolomon.New(config.DataShards, config.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon encoder: %w", err)
	}
	return &Encoder{
		dataShards:   config.DataShards,
		parityShards: config.ParityShards,
		enc:          enc,
	}, nil
}

// Protect splits payload into data shards, computes parity, and returns
// every shard framed with its group header, ready to transmit.
func (e *Encoder) Protect(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	shardLen := (len(payload) + e.dataShards - 1) / e.dataShards
	total := e.dataShards + e.parityShards
	shards := make([][]byte, total)
	for i := 0; i < e.dataShards; i++ {
		shards[i] = make([]byte, shardLen)
		if lo := i * shardLen; lo < len(payload) {
			copy(shards[i], payload[lo:])
		}
	}
	for i := e.dataShards; i < total; i++ {
		shards[i] = make([]byte, shardLen)
	}
	if err := e.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("Reed-Solomon encoding failed: %w", err)
	}

	group := e.group
	e.group++

	framed := make([][]byte, total)
	for i, shard := range shards {
		buf := make([]byte, shardHeaderSize+len(shard))
		binary.BigEndian.PutUint32(buf[0:4], group)
		buf[4] = byte(i)
		buf[5] = byte(e.dataShards)
		buf[6] = byte(e.parityShards)
		binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload)))
		copy(buf[shardHeaderSize:], shard)
		framed[i] = buf
	}
	return framed, nil
}

type decodeGroup struct {
	shards   [][]byte
	received int
	length   uint32
	done     bool
}

// Decoder reassembles payloads from framed shards.
type Decoder struct {
	mu           sync.Mutex
	dataShards   int
	parityShards int
	enc          reedsolomon.Encoder

	groups map[uint32]*decodeGroup
	order  []uint32

	recovered uint64
	failed    uint64
}

// NewDecoder creates a decoder with the given geometry.
func NewDecoder(config *Config) (*Decoder, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := validate(config); err != nil {
		return nil, err
	}
	enc, err := reedsolomon.New(config.DataShards, config.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon encoder: %w", err)
	}
	return &Decoder{
		dataShards:   config.DataShards,
		parityShards: config.ParityShards,
		enc:          enc,
		groups:       make(map[uint32]*decodeGroup),
	}, nil
}

// Absorb ingests one framed shard. It returns the reconstructed payload the
// first time a group has enough shards, and nil otherwise; duplicate shards
// and shards of an already-decoded group are ignored.
func (d *Decoder) Absorb(shard []byte) ([]byte, error) {
	if len(shard) < shardHeaderSize {
		return nil, fmt.Errorf("shard too short: %d bytes", len(shard))
	}
	group := binary.BigEndian.Uint32(shard[0:4])
	index := int(shard[4])
	data := int(shard[5])
	parity := int(shard[6])
	length := binary.BigEndian.Uint32(shard[8:12])

	if data != d.dataShards || parity != d.parityShards {
		return nil, fmt.Errorf("shard geometry mismatch: got %d+%d, want %d+%d",
			data, parity, d.dataShards, d.parityShards)
	}
	total := d.dataShards + d.parityShards
	if index >= total {
		return nil, fmt.Errorf("invalid shard index: %d", index)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.groups[group]
	if !ok {
		if len(d.order) >= maxGroups {
			delete(d.groups, d.order[0])
			d.order = d.order[1:]
		}
		g = &decodeGroup{shards: make([][]byte, total)}
		d.groups[group] = g
		d.order = append(d.order, group)
	}
	if g.done || g.shards[index] != nil {
		return nil, nil
	}

	body := make([]byte, len(shard)-shardHeaderSize)
	copy(body, shard[shardHeaderSize:])
	g.shards[index] = body
	g.received++
	g.length = length

	if g.received < d.dataShards {
		return nil, nil
	}

	if err := d.enc.ReconstructData(g.shards); err != nil {
		d.failed++
		return nil, fmt.Errorf("Reed-Solomon reconstruction failed: %w", err)
	}
	g.done = true

	payload := make([]byte, 0, int(g.length))
	for i := 0; i < d.dataShards; i++ {
		payload = append(payload, g.shards[i]...)
	}
	if uint32(len(payload)) < g.length {
		d.failed++
		return nil, fmt.Errorf("reconstructed group shorter than payload: %d < %d", len(payload), g.length)
	}
	d.recovered++
	return payload[:g.length], nil
}

// Stats returns decoder counters.
func (d *Decoder) Stats() map[string]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]uint64{
		"recovered": d.recovered,
		"failed":    d.failed,
		"groups":    uint64(len(d.groups)),
	}
}
