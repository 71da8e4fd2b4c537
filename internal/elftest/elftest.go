// Package elftest builds small little-endian ELF images for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Segment is a program header plus the file bytes it covers.
type Segment struct {
	// PT_LOAD if zero
	Type  elf.ProgType
	Flags elf.ProgFlag
	Vaddr uint32
	// len(Data) if zero
	Memsz uint32
	Data  []byte
}

// Symbol is an entry of the symbol table.
type Symbol struct {
	Name  string
	Value uint32
}

// Image describes an executable.
type Image struct {
	// EM_RISCV if zero
	Machine  elf.Machine
	Entry    uint32
	Segments []Segment
	Symbols  []Symbol
	// NoSymtab leaves out the symbol table section
	NoSymtab bool
}

const (
	headerSize  = 52
	progSize    = 32
	sectionSize = 40
	symSize     = 16
)

func align4(n int) int {
	return (n + 3) &^ 3
}

// Bytes encodes the image.
func (img Image) Bytes() []byte {
	machine := img.Machine
	if machine == 0 {
		machine = elf.EM_RISCV
	}

	// Segment data follows the program headers
	off := align4(headerSize + progSize*len(img.Segments))
	dataOff := make([]int, len(img.Segments))
	for i, s := range img.Segments {
		dataOff[i] = off
		off = align4(off + len(s.Data))
	}

	// String and symbol tables
	strtab := []byte{0}
	syms := []elf.Sym32{{}}
	for _, s := range img.Symbols {
		syms = append(syms, elf.Sym32{
			Name:  uint32(len(strtab)),
			Value: s.Value,
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
			Shndx: uint16(elf.SHN_ABS),
		})
		strtab = append(strtab, s.Name...)
		strtab = append(strtab, 0)
	}
	shstrtab := []byte("\x00.symtab\x00.strtab\x00.shstrtab\x00")

	strtabOff := off
	off = align4(off + len(strtab))
	symtabOff := off
	off = align4(off + symSize*len(syms))
	shstrtabOff := off
	off = align4(off + len(shstrtab))
	shOff := off

	sections := []elf.Section32{{}}
	if !img.NoSymtab {
		sections = append(sections, elf.Section32{
			Name:      1,
			Type:      uint32(elf.SHT_SYMTAB),
			Off:       uint32(symtabOff),
			Size:      uint32(symSize * len(syms)),
			Link:      2,
			Info:      1,
			Addralign: 4,
			Entsize:   symSize,
		})
	}
	sections = append(sections, elf.Section32{
		Name:      9,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       uint32(strtabOff),
		Size:      uint32(len(strtab)),
		Addralign: 1,
	}, elf.Section32{
		Name:      17,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       uint32(shstrtabOff),
		Size:      uint32(len(shstrtab)),
		Addralign: 1,
	})

	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Phoff:     headerSize,
		Shoff:     uint32(shOff),
		Ehsize:    headerSize,
		Phentsize: progSize,
		Phnum:     uint16(len(img.Segments)),
		Shentsize: sectionSize,
		Shnum:     uint16(len(sections)),
		Shstrndx:  uint16(len(sections) - 1),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	buf := make([]byte, 0, shOff+sectionSize*len(sections))
	w := bytes.NewBuffer(buf)
	write := func(v interface{}) {
		// Writes to a bytes.Buffer don't fail
		_ = binary.Write(w, binary.LittleEndian, v)
	}
	pad := func(to int) {
		for w.Len() < to {
			w.WriteByte(0)
		}
	}

	write(&hdr)
	for i, s := range img.Segments {
		typ := s.Type
		if typ == 0 {
			typ = elf.PT_LOAD
		}
		memsz := s.Memsz
		if memsz == 0 {
			memsz = uint32(len(s.Data))
		}
		write(&elf.Prog32{
			Type:   uint32(typ),
			Off:    uint32(dataOff[i]),
			Vaddr:  s.Vaddr,
			Paddr:  s.Vaddr,
			Filesz: uint32(len(s.Data)),
			Memsz:  memsz,
			Flags:  uint32(s.Flags),
			Align:  4,
		})
	}
	for i, s := range img.Segments {
		pad(dataOff[i])
		w.Write(s.Data)
	}
	pad(strtabOff)
	w.Write(strtab)
	pad(symtabOff)
	for i := range syms {
		write(&syms[i])
	}
	pad(shstrtabOff)
	w.Write(shstrtab)
	pad(shOff)
	for i := range sections {
		write(&sections[i])
	}

	return w.Bytes()
}

const (
	header64Size = 64
	prog64Size   = 56
)

// Segment64 encodes an ELF64 image holding a single PT_LOAD segment and no sections. Any Memsz can be expressed, which
// an ELF32 image can't.
func Segment64(machine elf.Machine, vaddr, memsz uint64, data []byte) []byte {
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     vaddr,
		Phoff:     header64Size,
		Ehsize:    header64Size,
		Phentsize: prog64Size,
		Phnum:     1,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var w bytes.Buffer
	_ = binary.Write(&w, binary.LittleEndian, &hdr)
	_ = binary.Write(&w, binary.LittleEndian, &elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    header64Size + prog64Size,
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: uint64(len(data)),
		Memsz:  memsz,
		Align:  4,
	})
	w.Write(data)
	return w.Bytes()
}
