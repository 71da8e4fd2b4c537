//go:build linux
// +build linux

package hero

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cilium/ebpf/asm"
	"golang.org/x/sys/unix"
)

var _ ApertureMemory = (*MappedMemory)(nil)

// MappedMemory is device memory mapped into the address space of the host process. Every access is a single
// aligned 32-bit load or store, smaller values are read-modify-written and 64-bit values are split in two words,
// low word first.
type MappedMemory struct {
	mapping []byte
}

// MapMemory maps `size` bytes at `offset` of the device file `fd`.
func MapMemory(fd int, offset int64, size uint32) (*MappedMemory, error) {
	if size%WordSize != 0 {
		return nil, fmt.Errorf("mapping size %d is not a multiple of the word size", size)
	}
	b, err := unix.Mmap(fd, offset, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap 0x%x bytes at 0x%x: %w", size, offset, err)
	}
	return &MappedMemory{mapping: b}, nil
}

func (m *MappedMemory) Len() uint32 {
	return uint32(len(m.mapping))
}

func (m *MappedMemory) word(offset uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&m.mapping[offset&^(WordSize-1)]))
}

func (m *MappedMemory) check(offset uint32, size asm.Size) error {
	bytes := size.Sizeof()
	if bytes <= 0 {
		return fmt.Errorf("unknown size '%v'", size)
	}
	if int(offset)%bytes != 0 {
		return fmt.Errorf("unaligned %d byte access at offset 0x%x", bytes, offset)
	}
	if int(offset)+bytes > len(m.mapping) {
		return fmt.Errorf("accessing %d bytes at offset 0x%x is out of the mapping of %d bytes",
			bytes, offset, len(m.mapping))
	}
	return nil
}

func (m *MappedMemory) Load(offset uint32, size asm.Size) (uint64, error) {
	if err := m.check(offset, size); err != nil {
		return 0, err
	}

	switch size {
	case asm.DWord:
		lo := atomic.LoadUint32(m.word(offset))
		hi := atomic.LoadUint32(m.word(offset + WordSize))
		return uint64(hi)<<32 | uint64(lo), nil
	case asm.Word:
		return uint64(atomic.LoadUint32(m.word(offset))), nil
	default:
		w := atomic.LoadUint32(m.word(offset))
		shift := (offset % WordSize) * 8
		mask := uint32(1)<<(uint(size.Sizeof())*8) - 1
		return uint64(w >> shift & mask), nil
	}
}

func (m *MappedMemory) Store(offset uint32, value uint64, size asm.Size) error {
	if err := m.check(offset, size); err != nil {
		return err
	}

	switch size {
	case asm.DWord:
		atomic.StoreUint32(m.word(offset), uint32(value))
		atomic.StoreUint32(m.word(offset+WordSize), uint32(value>>32))
	case asm.Word:
		atomic.StoreUint32(m.word(offset), uint32(value))
	default:
		p := m.word(offset)
		shift := (offset % WordSize) * 8
		mask := (uint32(1)<<(uint(size.Sizeof())*8) - 1) << shift
		w := atomic.LoadUint32(p)
		atomic.StoreUint32(p, w&^mask|uint32(value)<<shift&mask)
	}

	return nil
}

// Close unmaps the memory.
func (m *MappedMemory) Close() error {
	if m.mapping == nil {
		return nil
	}
	err := unix.Munmap(m.mapping)
	m.mapping = nil
	return err
}

// OpenMappedPlatform maps the apertures and shared memory described by `cfg` from the device file at `path`, for
// example the character device of the accelerator driver. Offsets in the config are offsets into that file.
func OpenMappedPlatform(path string, cfg *Config) (*MemoryPlatform, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// Mappings stay valid after the descriptor is closed
	defer unix.Close(fd)

	var mapped []*MappedMemory
	p, err := newPlatform(cfg, func(offset int64, size uint32) (ApertureMemory, error) {
		m, err := MapMemory(fd, offset, size)
		if err != nil {
			return nil, err
		}
		mapped = append(mapped, m)
		return m, nil
	})
	if err != nil {
		for _, m := range mapped {
			m.Close()
		}
		return nil, err
	}

	for _, m := range mapped {
		p.closers = append(p.closers, m.Close)
	}
	return p, nil
}
