package cascade

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubhostPoolCarvesBridge(t *testing.T) {
	pool, err := NewSubhostPool(netip.MustParsePrefix("192.168.5.0/24"), 64, 16)
	require.NoError(t, err)
	assert.Equal(t, 11, pool.Free())

	first, err := pool.Take()
	require.NoError(t, err)
	assert.Equal(t, "192.168.5.64", first.From().String())
	assert.Equal(t, "192.168.5.79", first.To().String())

	var last = first
	for pool.Free() > 0 {
		last, err = pool.Take()
		require.NoError(t, err)
	}
	assert.Equal(t, "192.168.5.239", last.To().String())

	_, err = pool.Take()
	assert.ErrorIs(t, err, ErrNoSubhostRange)

	pool.Release(first)
	pool.Release(first)
	assert.Equal(t, 1, pool.Free())
	again, err := pool.Take()
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Len(t, pool.Leased(), 11)
}

func TestSubhostPoolRejectsBadInput(t *testing.T) {
	_, err := NewSubhostPool(netip.MustParsePrefix("fd00::/64"), 64, 16)
	assert.Error(t, err)
	_, err = NewSubhostPool(netip.MustParsePrefix("192.168.5.0/24"), 0, 16)
	assert.Error(t, err)
	_, err = NewSubhostPool(netip.MustParsePrefix("192.168.5.0/28"), 8, 16)
	assert.Error(t, err)
}
