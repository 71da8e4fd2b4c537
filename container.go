package hero

import (
	"bytes"
	"debug/elf"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Defaults for the accelerator cores, 32-bit RISC-V.
const (
	DefaultMachine = elf.EM_RISCV
	DefaultClass   = elf.ELFCLASS32
)

// MaxImageSize caps the size of a decompressed image.
const MaxImageSize = 64 << 20

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Segment is a program header of a device image.
type Segment struct {
	Type  elf.ProgType
	Flags elf.ProgFlag
	// Vaddr is the device virtual address of the first byte of the segment
	Vaddr uint64
	// Memsz is the size of the segment in device memory, the bytes in [Filesz, Memsz) are zero
	Memsz uint64
	// Filesz is the number of bytes backed by the file, starting at Off
	Filesz uint64
	Off    uint64
}

// Loadable returns true if the segment resides in device memory at runtime.
func (s Segment) Loadable() bool {
	return s.Type == elf.PT_LOAD
}

// Container is a parsed device image: its program headers and its symbol table.
type Container struct {
	Segments []Segment
	// Symbols maps every named symbol of the symbol table to its value, the device address for functions and objects
	Symbols map[string]uint64
	Entry   uint64
	// Digest is the BLAKE3-256 hash of the (decompressed) image
	Digest [32]byte

	data []byte
}

// FileBytes returns the file-backed part of the segment.
func (c *Container) FileBytes(s Segment) []byte {
	return c.data[s.Off : s.Off+s.Filesz]
}

type parseSettings struct {
	machine elf.Machine
	class   elf.Class
}

// ParseOpt is a option which can be passed to ParseContainer.
type ParseOpt func(*parseSettings)

// ParseOptMachine sets the machine the image must be compiled for.
func ParseOptMachine(m elf.Machine) ParseOpt {
	return func(s *parseSettings) {
		s.machine = m
	}
}

// ParseOptClass sets the ELF class the image must have.
func ParseOptClass(c elf.Class) ParseOpt {
	return func(s *parseSettings) {
		s.class = c
	}
}

// ParseContainer parses a device image. The buffer is never modified, and is referenced by the returned container
// unless it had to be decompressed. Images starting with a zstd frame are decompressed first.
func ParseContainer(buf []byte, opts ...ParseOpt) (*Container, error) {
	settings := parseSettings{
		machine: DefaultMachine,
		class:   DefaultClass,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	data, err := decompressImage(buf)
	if err != nil {
		return nil, newError(KindMalformedContainer, err, "decompress")
	}

	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, newError(KindMalformedContainer, err, "not an ELF image")
	}
	defer f.Close()

	if f.Class != settings.class {
		return nil, newError(KindMalformedContainer, nil, "expected %v, got %v", settings.class, f.Class)
	}
	if f.Machine != settings.machine {
		return nil, newError(KindMalformedContainer, nil, "expected machine %v, got %v", settings.machine, f.Machine)
	}

	c := &Container{
		Segments: make([]Segment, 0, len(f.Progs)),
		Entry:    f.Entry,
		Digest:   blake3.Sum256(data),
		data:     data,
	}

	for i, p := range f.Progs {
		if p.Filesz > p.Memsz {
			return nil, newError(KindMalformedContainer, nil,
				"program header %d: file size 0x%x exceeds memory size 0x%x", i, p.Filesz, p.Memsz)
		}
		if p.Type == elf.PT_LOAD && (p.Off > uint64(len(data)) || p.Filesz > uint64(len(data))-p.Off) {
			return nil, newError(KindMalformedContainer, nil,
				"program header %d: file region [0x%x, 0x%x) is outside the image", i, p.Off, p.Off+p.Filesz)
		}
		// The word aligned end of a loaded segment must be addressable
		if p.Type == elf.PT_LOAD &&
			(p.Memsz > math.MaxUint64-(WordSize-1) || p.Vaddr > math.MaxUint64-(WordSize-1)-p.Memsz) {
			return nil, newError(KindMalformedContainer, nil,
				"program header %d: memory size 0x%x at 0x%x overflows the address space", i, p.Memsz, p.Vaddr)
		}

		c.Segments = append(c.Segments, Segment{
			Type:   p.Type,
			Flags:  p.Flags,
			Vaddr:  p.Vaddr,
			Memsz:  p.Memsz,
			Filesz: p.Filesz,
			Off:    p.Off,
		})
	}

	if symtab := f.SectionByType(elf.SHT_SYMTAB); symtab == nil {
		return nil, newError(KindMalformedContainer, nil, "no symbol table")
	}

	syms, err := f.Symbols()
	if err != nil {
		return nil, newError(KindMalformedContainer, err, "symbol table")
	}

	c.Symbols = make(map[string]uint64, len(syms))
	for _, sym := range syms {
		if sym.Name == "" {
			continue
		}
		c.Symbols[sym.Name] = sym.Value
	}

	return c, nil
}

func decompressImage(buf []byte) ([]byte, error) {
	if !bytes.HasPrefix(buf, zstdMagic) {
		return buf, nil
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	data, err := dec.DecodeAll(buf, nil)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxImageSize {
		return nil, fmt.Errorf("decompressed image is %d bytes, max is %d", len(data), MaxImageSize)
	}

	return data, nil
}
