//go:build linux
// +build linux

package hero

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/cilium/ebpf/asm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deviceFile creates a zeroed file of `size` bytes standing in for the character device of the driver.
func deviceFile(t *testing.T, size int64) *os.File {
	t.Helper()

	f, err := os.Create(filepath.Join(t.TempDir(), "hero"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	require.NoError(t, f.Truncate(size))
	return f
}

func mapFile(t *testing.T, size uint32) *MappedMemory {
	t.Helper()

	f := deviceFile(t, int64(size))
	m, err := MapMemory(int(f.Fd()), 0, size)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMappedMemoryRoundTrip(t *testing.T) {
	m := mapFile(t, 4096)
	assert.Equal(t, uint32(4096), m.Len())

	tests := []struct {
		name   string
		offset uint32
		size   asm.Size
		value  uint64
	}{
		{name: "byte", offset: 0x11, size: asm.Byte, value: 0xAB},
		{name: "half", offset: 0x22, size: asm.Half, value: 0xBEEF},
		{name: "word", offset: 0x30, size: asm.Word, value: 0xDEADBEEF},
		{name: "dword", offset: 0x48, size: asm.DWord, value: 0x1122334455667788},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, m.Store(tt.offset, tt.value, tt.size))
			v, err := m.Load(tt.offset, tt.size)
			require.NoError(t, err)
			assert.Equal(t, tt.value, v)
		})
	}

	// Values wider than the access are cut off
	require.NoError(t, m.Store(0x60, 0x1FF, asm.Byte))
	v, err := m.Load(0x60, asm.Byte)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xFF), v)
}

func TestMappedMemoryLayout(t *testing.T) {
	m := mapFile(t, 4096)

	require.NoError(t, m.Store(0, 0x1122334455667788, asm.DWord))
	// Low word first, little endian within the word
	assert.Equal(t, uint64(0x1122334455667788), binary.LittleEndian.Uint64(m.mapping[:8]))

	lo, err := m.Load(0, asm.Word)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x55667788), lo)
	hi, err := m.Load(4, asm.Word)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x11223344), hi)

	b1, err := m.Load(1, asm.Byte)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x77), b1)
	h2, err := m.Load(2, asm.Half)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x5566), h2)
}

func TestMappedMemorySubWordStore(t *testing.T) {
	m := mapFile(t, 4096)
	require.NoError(t, m.Store(0, 0x55667788, asm.Word))

	// The neighbouring bytes of the word survive
	require.NoError(t, m.Store(3, 0xAA, asm.Byte))
	w, err := m.Load(0, asm.Word)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xAA667788), w)

	require.NoError(t, m.Store(0, 0x1234, asm.Half))
	w, err = m.Load(0, asm.Word)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xAA661234), w)

	require.NoError(t, m.Store(2, 0, asm.Half))
	w, err = m.Load(0, asm.Word)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x00001234), w)

	// The next word is untouched
	next, err := m.Load(4, asm.Word)
	require.NoError(t, err)
	assert.Zero(t, next)
}

func TestMappedMemoryBadAccess(t *testing.T) {
	m := mapFile(t, 4096)

	tests := []struct {
		name   string
		offset uint32
		size   asm.Size
	}{
		{name: "unaligned half", offset: 1, size: asm.Half},
		{name: "unaligned word", offset: 2, size: asm.Word},
		{name: "unaligned dword", offset: 4, size: asm.DWord},
		{name: "past end", offset: 4096, size: asm.Byte},
		{name: "straddles end", offset: 4092, size: asm.DWord},
		{name: "far past end", offset: 0xFFFFFFF0, size: asm.Word},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Load(tt.offset, tt.size)
			assert.Error(t, err)
			assert.Error(t, m.Store(tt.offset, 1, tt.size))
		})
	}

	// Failed stores leave the memory alone
	for _, b := range m.mapping {
		require.Zero(t, b)
	}
}

func TestMapMemoryErrors(t *testing.T) {
	f := deviceFile(t, 4096)

	_, err := MapMemory(int(f.Fd()), 0, 4094)
	assert.Error(t, err)

	// Offsets must be page aligned
	_, err = MapMemory(int(f.Fd()), 4, 4092)
	assert.Error(t, err)

	m, err := MapMemory(int(f.Fd()), 0, 4096)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func mappedConfig() *Config {
	cfg := testConfig()
	cfg.Apertures[0].Offset = 0
	cfg.Apertures[2].Offset = 0x10000
	cfg.Shared.Offset = 0x20000
	return cfg
}

func TestOpenMappedPlatform(t *testing.T) {
	f := deviceFile(t, 0x40000)
	p, err := OpenMappedPlatform(f.Name(), mappedConfig())
	require.NoError(t, err)

	apertures, err := p.Apertures()
	require.NoError(t, err)
	require.Len(t, apertures, 3)
	// The alias shares the mapping of L1
	assert.Same(t, apertures[0].Memory, apertures[1].Memory)

	mem, off, err := p.Translate(0x1b000100, 4)
	require.NoError(t, err)
	require.NoError(t, mem.Store(off, 0xCAFEF00D, asm.Word))
	mem, off, err = p.Translate(0x10000100, 4)
	require.NoError(t, err)
	v, err := mem.Load(off, asm.Word)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xCAFEF00D), v)

	mem, off, err = p.Translate(0x1c000010, 4)
	require.NoError(t, err)
	require.NoError(t, mem.Store(off, 0x0BADC0DE, asm.Word))

	r, err := p.Alloc(0x10)
	require.NoError(t, err)
	require.NoError(t, r.Memory.Store(r.Offset, 0x1122334455667788, asm.DWord))

	require.NoError(t, p.Close())

	// Stores went through to the file at the configured offsets
	raw, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCAFEF00D), binary.LittleEndian.Uint32(raw[0x100:]))
	assert.Equal(t, uint32(0x0BADC0DE), binary.LittleEndian.Uint32(raw[0x10010:]))
	assert.Equal(t, uint64(0x1122334455667788), binary.LittleEndian.Uint64(raw[0x20000+r.Offset:]))
}

func TestOpenMappedPlatformLoad(t *testing.T) {
	f := deviceFile(t, 0x40000)
	cfg := mappedConfig()
	p, err := OpenMappedPlatform(f.Name(), cfg)
	require.NoError(t, err)
	defer p.Close()

	dev, err := NewDevice(DeviceSVM, p, append(cfg.DeviceOpts(),
		DeviceOptMailbox(&mockMailbox{}),
		DeviceOptShared(p),
	)...)
	require.NoError(t, err)

	sess, err := dev.Load(Image{Bytes: testImage()})
	require.NoError(t, err)
	defer sess.Close()

	raw, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x13, 0x00, 0x00, 0x00, 0x67, 0x80, 0x00, 0x00}, raw[0x200:0x208])
	want := make([]byte, 0x40)
	copy(want, []byte{1, 2, 3, 4, 5, 6})
	assert.Equal(t, want, raw[0x10000:0x10040])
}

func TestOpenMappedPlatformErrors(t *testing.T) {
	_, err := OpenMappedPlatform(filepath.Join(t.TempDir(), "missing"), mappedConfig())
	assert.Error(t, err)

	// L2 can't be mapped at an offset which isn't page aligned, L1 is unmapped again
	f := deviceFile(t, 0x40000)
	cfg := mappedConfig()
	cfg.Apertures[2].Offset = 0x10004
	_, err = OpenMappedPlatform(f.Name(), cfg)
	assert.Error(t, err)

	bad := mappedConfig()
	bad.Shared.Size = 0
	_, err = OpenMappedPlatform(f.Name(), bad)
	assert.Error(t, err)
}
