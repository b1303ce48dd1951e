package wagergame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createRegistrySession(id string, kind Kind) *Session {
	return NewSession(SessionConfig{
		ID:       id,
		Kind:     kind,
		Stake:    10,
		Duration: time.Minute,
		HouseID:  testHouse(),
		Seed:     1,
	})
}

func TestRegistry_OpenAndGet(t *testing.T) {
	r := NewRegistry(nil)
	s := createRegistrySession("s1", PoolBet)

	require.NoError(t, r.Open(s))
	assert.Equal(t, s, r.Get("s1"))
	assert.Equal(t, s, r.ByKind(PoolBet))
	assert.Nil(t, r.Get("missing"))
	assert.Nil(t, r.ByKind(BinaryChoice))
}

func TestRegistry_RejectsDuplicateID(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Open(createRegistrySession("s1", PoolBet)))

	err := r.Open(createRegistrySession("s1", BinaryChoice))
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestRegistry_KindsAreExclusive(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Open(createRegistrySession("s1", PoolBet)))

	// A second pool session cannot open while the first is running.
	err := r.Open(createRegistrySession("s2", PoolBet))
	assert.ErrorIs(t, err, ErrAlreadyOpen)

	// A different kind can.
	require.NoError(t, r.Open(createRegistrySession("s3", BinaryChoice)))

	// Closing the first frees the kind again.
	require.NoError(t, r.Close("s1"))
	require.NoError(t, r.Open(createRegistrySession("s4", PoolBet)))
}

func TestRegistry_DoubleCloseFails(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Open(createRegistrySession("s1", PoolBet)))

	require.NoError(t, r.Close("s1"))
	err := r.Close("s1")
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Open(createRegistrySession("s1", PoolBet)))
	require.NoError(t, r.Open(createRegistrySession("s2", BinaryChoice)))

	assert.Len(t, r.Snapshot(), 2)
	require.NoError(t, r.Close("s2"))
	assert.Len(t, r.Snapshot(), 1)
}
