package hero

import (
	"fmt"

	"github.com/cilium/ebpf/asm"
)

// DefaultArgCapacity is the number of 64-bit words in the argument buffer of the device runtime.
const DefaultArgCapacity = 16

const argWordSize = 8

// Arg is a single kernel argument. Offset must be zero, the device runtime has no way to apply it.
type Arg struct {
	Value  uint64
	Offset int64
}

// Args turns plain values into arguments without offset.
func Args(values ...uint64) []Arg {
	args := make([]Arg, len(values))
	for i, v := range values {
		args[i].Value = v
	}
	return args
}

// argBuffer stages the words of a launch in device byte order. Its capacity is fixed when the session is loaded.
type argBuffer struct {
	slots *PlainMemory
	n     int
}

func newArgBuffer(capacity int) *argBuffer {
	return &argBuffer{
		slots: NewPlainMemory(uint32(capacity * argWordSize)),
	}
}

func (b *argBuffer) capacity() int {
	return len(b.slots.Backing) / argWordSize
}

func slotOffset(i int) uint32 {
	return uint32(i * argWordSize)
}

// stage clears the buffer and fills it with `args`, followed by `extra` if set. Nothing is changed if the arguments
// can't be staged.
func (b *argBuffer) stage(args []Arg, extra *uint64) error {
	for i, a := range args {
		if a.Offset != 0 {
			return &Error{
				Kind:    KindUnsupportedArgumentOffset,
				message: fmt.Sprintf("argument %d has offset %d", i, a.Offset),
			}
		}
	}

	n := len(args)
	if extra != nil {
		n++
	}
	if n > b.capacity() {
		limit := b.capacity()
		if extra != nil {
			limit--
		}
		return &Error{
			Kind:    KindArgumentBufferOverflow,
			message: fmt.Sprintf("%d arguments, max is %d", len(args), limit),
		}
	}

	// Every slot is written, unused ones with zero
	for i := 0; i < b.capacity(); i++ {
		var w uint64
		switch {
		case i < len(args):
			w = args[i].Value
		case i == len(args) && extra != nil:
			w = *extra
		}
		if err := b.slots.Store(slotOffset(i), w, asm.DWord); err != nil {
			return err
		}
	}
	b.n = n

	return nil
}

// slot returns the word in slot `i`.
func (b *argBuffer) slot(i int) (uint64, error) {
	return b.slots.Load(slotOffset(i), asm.DWord)
}

// storeTo writes every slot into `mem` at `offset`, which must be 8 byte aligned.
func (b *argBuffer) storeTo(mem ApertureMemory, offset uint32) error {
	for i := 0; i < b.capacity(); i++ {
		w, err := b.slot(i)
		if err != nil {
			return err
		}
		if err := mem.Store(offset+slotOffset(i), w, asm.DWord); err != nil {
			return fmt.Errorf("argument slot %d: %w", i, err)
		}
	}
	return nil
}

// bytes returns the whole buffer in device byte order, slots past the staged words are zero.
func (b *argBuffer) bytes() []byte {
	return b.slots.Backing
}

// staged returns the number of staged words.
func (b *argBuffer) staged() int {
	return b.n
}

func (b *argBuffer) sizeBytes() uint64 {
	return uint64(len(b.slots.Backing))
}
