package fec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtectAbsorbRoundTrip(t *testing.T) {
	cfg := &Config{DataShards: 4, ParityShards: 2}
	enc, err := NewEncoder(cfg)
	require.NoError(t, err)
	dec, err := NewDecoder(cfg)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("tachyon"), 100)
	shards, err := enc.Protect(payload)
	require.NoError(t, err)
	require.Len(t, shards, 6)

	var recovered []byte
	for _, shard := range shards {
		out, err := dec.Absorb(shard)
		require.NoError(t, err)
		if out != nil {
			recovered = out
		}
	}
	assert.Equal(t, payload, recovered)
}

func TestRecoveryWithLostShards(t *testing.T) {
	cfg := &Config{DataShards: 4, ParityShards: 2}
	enc, _ := NewEncoder(cfg)
	dec, _ := NewDecoder(cfg)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	shards, err := enc.Protect(payload)
	require.NoError(t, err)

	// Drop two data shards; parity must cover them.
	var recovered []byte
	for i, shard := range shards {
		if i == 1 || i == 2 {
			continue
		}
		out, err := dec.Absorb(shard)
		require.NoError(t, err)
		if out != nil {
			recovered = out
		}
	}
	assert.Equal(t, payload, recovered)
}

func TestTooManyLossesStaysIncomplete(t *testing.T) {
	cfg := &Config{DataShards: 4, ParityShards: 2}
	enc, _ := NewEncoder(cfg)
	dec, _ := NewDecoder(cfg)

	shards, err := enc.Protect([]byte("not enough pieces survive"))
	require.NoError(t, err)

	// Only three of six shards arrive: below the data-shard threshold.
	for _, i := range []int{0, 3, 5} {
		out, err := dec.Absorb(shards[i])
		require.NoError(t, err)
		assert.Nil(t, out)
	}
}

func TestDuplicateShardsIgnored(t *testing.T) {
	cfg := &Config{DataShards: 2, ParityShards: 1}
	enc, _ := NewEncoder(cfg)
	dec, _ := NewDecoder(cfg)

	payload := []byte("doubled up")
	shards, err := enc.Protect(payload)
	require.NoError(t, err)

	out, err := dec.Absorb(shards[0])
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = dec.Absorb(shards[0])
	require.NoError(t, err)
	assert.Nil(t, out, "duplicate shard must not count toward the threshold")

	out, err = dec.Absorb(shards[1])
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	// A late shard of a decoded group is ignored.
	out, err = dec.Absorb(shards[2])
	require.NoError(t, err)
	assert.Nil(t, out)

	assert.Equal(t, uint64(1), dec.Stats()["recovered"])
}

func TestGeometryMismatchRejected(t *testing.T) {
	enc, _ := NewEncoder(&Config{DataShards: 4, ParityShards: 2})
	dec, _ := NewDecoder(&Config{DataShards: 5, ParityShards: 2})

	shards, err := enc.Protect([]byte("wrong shape"))
	require.NoError(t, err)

	_, err = dec.Absorb(shards[0])
	assert.Error(t, err)
}

func TestShardTooShortRejected(t *testing.T) {
	dec, _ := NewDecoder(nil)
	_, err := dec.Absorb([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestInvalidConfigRejected(t *testing.T) {
	_, err := NewEncoder(&Config{DataShards: 0, ParityShards: 1})
	assert.Error(t, err)
	_, err = NewEncoder(&Config{DataShards: 1, ParityShards: 0})
	assert.Error(t, err)
	_, err = NewDecoder(&Config{DataShards: 200, ParityShards: 100})
	assert.Error(t, err)
}

func TestEmptyPayloadRejected(t *testing.T) {
	enc, _ := NewEncoder(nil)
	_, err := enc.Protect(nil)
	assert.Error(t, err)
}

func TestGroupTableEviction(t *testing.T) {
	cfg := &Config{DataShards: 2, ParityShards: 1}
	enc, _ := NewEncoder(cfg)
	dec, _ := NewDecoder(cfg)

	// Leave every group one shard short so the table only grows.
	for i := 0; i < maxGroups+8; i++ {
		shards, err := enc.Protect([]byte{byte(i), byte(i >> 8)})
		require.NoError(t, err)
		_, err = dec.Absorb(shards[0])
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, dec.Stats()["groups"], uint64(maxGroups))
}
