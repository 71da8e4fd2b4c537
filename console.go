package hero

import (
	"bytes"
	"fmt"
	"io"
)

// Defaults of the console area. Each core of the cluster owns an equal slice of the area and writes a NUL
// terminated string into it.
const (
	DefaultCores       = 8
	DefaultConsoleSize = 1 << 20
)

// ConsoleLayout describes the per-core log buffers at the start of the console memory.
type ConsoleLayout struct {
	Cores int
	// Size of the whole area, split evenly between the cores
	Size uint32
}

func (l ConsoleLayout) perCore() uint32 {
	if l.Cores <= 0 {
		return 0
	}
	return (l.Size / uint32(l.Cores)) &^ (WordSize - 1)
}

// drainConsole forwards the content of every non-empty core buffer to `w`.
func drainConsole(mem ApertureMemory, layout ConsoleLayout, w io.Writer) error {
	per := layout.perCore()
	if per == 0 {
		return nil
	}

	buf := make([]byte, per)
	for core := 0; core < layout.Cores; core++ {
		off := uint32(core) * per
		if uint64(off)+uint64(per) > uint64(mem.Len()) {
			return fmt.Errorf("buffer of core %d is outside console memory", core)
		}

		// Most buffers are empty, peek at the first word before reading the whole thing.
		if err := loadWords(mem, off, buf[:WordSize]); err != nil {
			return fmt.Errorf("core %d: %w", core, err)
		}
		if buf[0] == 0 {
			continue
		}

		if err := loadWords(mem, off, buf); err != nil {
			return fmt.Errorf("core %d: %w", core, err)
		}
		text := buf
		if end := bytes.IndexByte(buf, 0); end != -1 {
			text = buf[:end]
		}

		if _, err := fmt.Fprintf(w, ">>> PRINTING BUFFER OF CORE %d:\n%s<<< END OF BUFFER\n", core, text); err != nil {
			return err
		}
	}

	return nil
}
