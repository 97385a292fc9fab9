//go:build linux || darwin

package wakefd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFD_SignalDrain(t *testing.T) {
	fd, err := New()
	require.NoError(t, err)
	defer fd.Close()

	ready, err := fd.Ready()
	require.NoError(t, err)
	assert.False(t, ready, "fresh descriptor must not be readable")

	require.NoError(t, fd.Signal())
	require.NoError(t, fd.Signal())

	ready, err = fd.Ready()
	require.NoError(t, err)
	assert.True(t, ready)

	fd.Drain()

	ready, err = fd.Ready()
	require.NoError(t, err)
	assert.False(t, ready, "drain must consume every pending wake-up")
}

func TestFD_Close(t *testing.T) {
	fd, err := New()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fd.ReadFD(), 0)

	require.NoError(t, fd.Close())
	assert.ErrorIs(t, fd.Close(), ErrClosed)
	assert.ErrorIs(t, fd.Signal(), ErrClosed)

	_, err = fd.Ready()
	assert.ErrorIs(t, err, ErrClosed)

	// no-op once closed
	fd.Drain()
}
