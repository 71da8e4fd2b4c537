package hero

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cilium/ebpf/asm"
)

// WordSize is the access granularity of device memory. The interconnect only tolerates aligned accesses of this
// size, so everything this package writes to an aperture goes through Store with asm.Word.
const WordSize = 4

// ApertureMemory is the host-side view of a window of device memory.
type ApertureMemory interface {
	// Load reads a single, naturally aligned, integer value of 1, 2, 4 or 8 bytes at a specific offset
	Load(offset uint32, size asm.Size) (uint64, error)
	// Store writes a single, naturally aligned, integer value of 1, 2, 4 or 8 bytes to a specific offset
	Store(offset uint32, value uint64, size asm.Size) error
	// Len is the number of bytes addressable through this memory
	Len() uint32
}

var _ ApertureMemory = (*PlainMemory)(nil)

// PlainMemory is the simplest implementation of ApertureMemory possible, it is just a []byte. It stands in for
// device memory in simulation and tests. If ByteOrder is not set little endian is used, which is what the cores of
// the accelerator use. Accesses are serialized, so a simulated device may share the memory with the host.
type PlainMemory struct {
	Backing   []byte
	ByteOrder binary.ByteOrder

	mu sync.Mutex
}

// NewPlainMemory allocates a zeroed PlainMemory of `size` bytes.
func NewPlainMemory(size uint32) *PlainMemory {
	return &PlainMemory{Backing: make([]byte, size)}
}

func (pm *PlainMemory) Len() uint32 {
	return uint32(len(pm.Backing))
}

func (pm *PlainMemory) check(offset uint32, size asm.Size) (int, error) {
	bytes := size.Sizeof()
	if bytes <= 0 {
		return 0, fmt.Errorf("unknown size '%v'", size)
	}
	if int(offset)%bytes != 0 {
		return 0, fmt.Errorf("unaligned %d byte access at offset 0x%x", bytes, offset)
	}
	if int(offset)+bytes > len(pm.Backing) {
		return 0, fmt.Errorf(
			"accessing %d bytes at offset 0x%x is out of the memory bounds of %d bytes",
			bytes,
			offset,
			len(pm.Backing),
		)
	}
	return bytes, nil
}

// Load loads a scalar value of the given `size` and `offset` from the memory.
func (pm *PlainMemory) Load(offset uint32, size asm.Size) (uint64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, err := pm.check(offset, size); err != nil {
		return 0, err
	}

	if pm.ByteOrder == nil {
		pm.ByteOrder = binary.LittleEndian
	}

	switch size {
	case asm.Byte:
		return uint64(pm.Backing[offset]), nil
	case asm.Half:
		return uint64(pm.ByteOrder.Uint16(pm.Backing[offset : offset+2])), nil
	case asm.Word:
		return uint64(pm.ByteOrder.Uint32(pm.Backing[offset : offset+4])), nil
	default:
		return pm.ByteOrder.Uint64(pm.Backing[offset : offset+8]), nil
	}
}

// Store stores a scalar value of the given `size` at `offset` in the memory.
func (pm *PlainMemory) Store(offset uint32, value uint64, size asm.Size) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, err := pm.check(offset, size); err != nil {
		return err
	}

	if pm.ByteOrder == nil {
		pm.ByteOrder = binary.LittleEndian
	}

	switch size {
	case asm.Byte:
		pm.Backing[offset] = byte(value)
	case asm.Half:
		pm.ByteOrder.PutUint16(pm.Backing[offset:], uint16(value))
	case asm.Word:
		pm.ByteOrder.PutUint32(pm.Backing[offset:], uint32(value))
	default:
		pm.ByteOrder.PutUint64(pm.Backing[offset:], value)
	}

	return nil
}

// Region is a block of device memory which the host can address, for example a buffer allocated from shared memory.
type Region struct {
	// DeviceAddr is the address at which the accelerator sees the first byte of the region
	DeviceAddr uint64
	// Size of the region in bytes
	Size uint64
	// Memory holds the region, starting at Offset
	Memory ApertureMemory
	Offset uint32
}

// zeroWords clears `size` bytes, rounded up to whole words, starting at `offset`.
func zeroWords(mem ApertureMemory, offset uint32, size uint64) error {
	for i := uint64(0); i < wordAlign(size); i += WordSize {
		if err := mem.Store(offset+uint32(i), 0, asm.Word); err != nil {
			return err
		}
	}
	return nil
}

// storeWords copies `b` into memory one word at a time. A trailing partial word is padded with zero bytes.
func storeWords(mem ApertureMemory, offset uint32, b []byte) error {
	var word [WordSize]byte
	for i := 0; i < len(b); i += WordSize {
		n := copy(word[:], b[i:])
		for j := n; j < WordSize; j++ {
			word[j] = 0
		}
		err := mem.Store(offset+uint32(i), uint64(binary.LittleEndian.Uint32(word[:])), asm.Word)
		if err != nil {
			return err
		}
	}
	return nil
}

// loadWords reads len(b) bytes from memory one word at a time.
func loadWords(mem ApertureMemory, offset uint32, b []byte) error {
	var word [WordSize]byte
	for i := 0; i < len(b); i += WordSize {
		v, err := mem.Load(offset+uint32(i), asm.Word)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(word[:], uint32(v))
		copy(b[i:], word[:])
	}
	return nil
}

func wordAlign(n uint64) uint64 {
	return (n + WordSize - 1) &^ (WordSize - 1)
}
