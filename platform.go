package hero

import (
	"errors"
	"fmt"
	"math"
)

// SharedMemory is host memory the accelerator can reach directly. The console area sits at its start, the rest is
// handed out by Alloc.
type SharedMemory interface {
	Alloc(size uint64) (Region, error)
	Free(r Region) error
	// Console returns the memory holding the per-core log buffers, the buffers start at offset 0
	Console() ApertureMemory
}

// Copier moves data between host and device when they don't share an address space.
type Copier interface {
	Alloc(size uint64) (uint64, error)
	Free(addr uint64) error
	HostToDevice(dst uint64, src []byte) error
	DeviceToHost(dst []byte, src uint64) error
}

var (
	_ Memory       = (*MemoryPlatform)(nil)
	_ SharedMemory = (*MemoryPlatform)(nil)
)

// MemoryPlatform implements the memory collaborators of a device from a Config. The memory behind it is either
// plain host memory (NewMemoryPlatform), which makes for a simulated device, or a mapping of a device file
// (OpenMappedPlatform).
type MemoryPlatform struct {
	apertures []Aperture
	shared    Region
	heap      regionAllocator
	closers   []func() error
}

type mapFunc func(offset int64, size uint32) (ApertureMemory, error)

// NewMemoryPlatform builds a platform backed by plain host memory.
func NewMemoryPlatform(cfg *Config) (*MemoryPlatform, error) {
	return newPlatform(cfg, func(_ int64, size uint32) (ApertureMemory, error) {
		return NewPlainMemory(size), nil
	})
}

func newPlatform(cfg *Config, mapMem mapFunc) (*MemoryPlatform, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &MemoryPlatform{}
	byName := make(map[string]ApertureMemory, len(cfg.Apertures))
	for _, ac := range cfg.Apertures {
		mem, found := byName[ac.Backing]
		if !found {
			var err error
			mem, err = mapMem(ac.Offset, uint32(ac.Size))
			if err != nil {
				p.Close()
				return nil, fmt.Errorf("map aperture '%s': %w", ac.Name, err)
			}
		}
		byName[ac.Name] = mem

		p.apertures = append(p.apertures, Aperture{
			Name:     ac.Name,
			Base:     ac.Base,
			Size:     ac.Size,
			Priority: ac.Priority,
			Memory:   mem,
		})
	}

	mem, err := mapMem(cfg.Shared.Offset, uint32(cfg.Shared.Size))
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("map shared memory: %w", err)
	}
	p.shared = Region{
		DeviceAddr: cfg.Shared.Base,
		Size:       cfg.Shared.Size,
		Memory:     mem,
	}

	// Heap blocks hold 64-bit argument slots, keep their offsets naturally aligned
	heapStart := (uint64(cfg.Console.Size) + allocAlign - 1) &^ (allocAlign - 1)
	if heapStart > cfg.Shared.Size {
		heapStart = cfg.Shared.Size
	}
	p.heap = regionAllocator{
		base: cfg.Shared.Base + heapStart,
		size: cfg.Shared.Size - heapStart,
	}

	return p, nil
}

// Apertures implements Memory
func (p *MemoryPlatform) Apertures() ([]Aperture, error) {
	ls := make([]Aperture, len(p.apertures))
	copy(ls, p.apertures)
	return ls, nil
}

// Alloc implements SharedMemory
func (p *MemoryPlatform) Alloc(size uint64) (Region, error) {
	addr, err := p.heap.alloc(size)
	if err != nil {
		return Region{}, err
	}
	return Region{
		DeviceAddr: addr,
		Size:       size,
		Memory:     p.shared.Memory,
		Offset:     uint32(addr - p.shared.DeviceAddr),
	}, nil
}

// Free implements SharedMemory
func (p *MemoryPlatform) Free(r Region) error {
	return p.heap.free(r.DeviceAddr)
}

// Console implements SharedMemory
func (p *MemoryPlatform) Console() ApertureMemory {
	return p.shared.Memory
}

// Translate resolves a device address range to the memory holding it. Shared memory is checked first, then the
// apertures in configuration order.
func (p *MemoryPlatform) Translate(addr, size uint64) (ApertureMemory, uint32, error) {
	if addr <= math.MaxUint64-size {
		s := p.shared
		if addr >= s.DeviceAddr && addr+size <= s.DeviceAddr+s.Size {
			return s.Memory, uint32(addr - s.DeviceAddr), nil
		}
		for _, a := range p.apertures {
			if a.Contains(addr, size) {
				return a.Memory, uint32(addr - a.Base), nil
			}
		}
	}
	return nil, 0, fmt.Errorf("[0x%08x, 0x%08x) is not device memory", addr, addr+size)
}

// Copier returns a Copier which moves data through the shared memory of the platform, it is what a device without
// shared virtual memory uses.
func (p *MemoryPlatform) Copier() Copier {
	return &platformCopier{p: p}
}

// Close releases the mappings of the platform.
func (p *MemoryPlatform) Close() error {
	var errs []error
	for _, closer := range p.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

type platformCopier struct {
	p *MemoryPlatform
}

func (c *platformCopier) Alloc(size uint64) (uint64, error) {
	return c.p.heap.alloc(size)
}

func (c *platformCopier) Free(addr uint64) error {
	return c.p.heap.free(addr)
}

func (c *platformCopier) HostToDevice(dst uint64, src []byte) error {
	if dst%WordSize != 0 {
		return fmt.Errorf("unaligned copy to 0x%08x", dst)
	}
	mem, off, err := c.p.Translate(dst, wordAlign(uint64(len(src))))
	if err != nil {
		return err
	}
	return storeWords(mem, off, src)
}

func (c *platformCopier) DeviceToHost(dst []byte, src uint64) error {
	if src%WordSize != 0 {
		return fmt.Errorf("unaligned copy from 0x%08x", src)
	}
	mem, off, err := c.p.Translate(src, wordAlign(uint64(len(dst))))
	if err != nil {
		return err
	}

	buf := make([]byte, wordAlign(uint64(len(dst))))
	if err := loadWords(mem, off, buf); err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}
