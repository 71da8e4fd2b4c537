package hero

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataSVM(t *testing.T) {
	dev, _, _ := testEnv(t, DeviceSVM)

	// Host and device share addresses
	addr, err := dev.DataAlloc(64, 0x80002000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x80002000), addr)

	assert.NoError(t, dev.DataSubmit(addr, 0x80002000, []byte{1, 2, 3, 4}))
	assert.NoError(t, dev.DataRetrieve(make([]byte, 4), 0x80002000, addr))
	assert.NoError(t, dev.DataDelete(addr))

	// A device address other than the host address can't be shared
	assert.Error(t, dev.DataSubmit(addr+8, 0x80002000, []byte{1, 2, 3, 4}))
	assert.Error(t, dev.DataRetrieve(make([]byte, 4), 0x80002000, addr+8))
}

func TestDataMemcpy(t *testing.T) {
	dev, _, _ := testEnv(t, DeviceMemcpy)

	addr, err := dev.DataAlloc(16, 0x7fff0000)
	require.NoError(t, err)
	assert.NotEqual(t, uint64(0x7fff0000), addr)

	in := []byte("hello, device!")
	require.NoError(t, dev.DataSubmit(addr, 0x7fff0000, in))

	out := make([]byte, len(in))
	require.NoError(t, dev.DataRetrieve(out, 0x7fff0000, addr))
	assert.Equal(t, in, out)

	require.NoError(t, dev.DataDelete(addr))
	assert.Error(t, dev.DataDelete(addr))
}

func TestDataMemcpyHugeAlloc(t *testing.T) {
	dev, _, _ := testEnv(t, DeviceMemcpy)

	_, err := dev.DataAlloc(0xFFFFFFFFFFFFFFFC, 1)
	require.Error(t, err)

	a, err := dev.DataAlloc(16, 1)
	require.NoError(t, err)
	b, err := dev.DataAlloc(16, 1)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
