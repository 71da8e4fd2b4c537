package hero

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Aperture is a named window of device memory as seen from the accelerator, together with the host mapping of it.
// Two apertures may be backed by the same cells (the cluster-local L1 and its global alias are), but they are
// distinct address ranges and are looked up independently.
type Aperture struct {
	Name string
	// Base is the first device virtual address of the aperture
	Base uint64
	// Size of the aperture in bytes
	Size uint64
	// Priority breaks ties between overlapping apertures, the highest priority aperture containing a segment wins.
	// Overlapping apertures of equal priority are a configuration error.
	Priority int
	// Memory is the host mapping of the aperture, offset 0 corresponds to Base
	Memory ApertureMemory
}

// End returns the first address past the aperture.
func (a Aperture) End() uint64 {
	return a.Base + a.Size
}

// Contains returns true if [addr, addr+size) lies entirely within the aperture.
func (a Aperture) Contains(addr, size uint64) bool {
	if addr > math.MaxUint64-size {
		return false
	}
	return addr >= a.Base && addr+size <= a.End()
}

// Memory is the device memory collaborator. It describes the apertures the accelerator exposes, and is queried
// once per device.
type Memory interface {
	Apertures() ([]Aperture, error)
}

// ApertureTable is an immutable set of apertures, sorted by base address.
type ApertureTable struct {
	entries []Aperture
}

// NewApertureTable validates the given apertures and builds a lookup table from them.
func NewApertureTable(apertures []Aperture) (*ApertureTable, error) {
	if len(apertures) == 0 {
		return nil, errors.New("no apertures")
	}

	entries := make([]Aperture, len(apertures))
	copy(entries, apertures)

	names := make(map[string]bool, len(entries))
	for _, a := range entries {
		if a.Name == "" {
			return nil, fmt.Errorf("aperture at 0x%08x has no name", a.Base)
		}
		if names[a.Name] {
			return nil, fmt.Errorf("duplicate aperture '%s'", a.Name)
		}
		names[a.Name] = true

		if a.Size == 0 {
			return nil, fmt.Errorf("aperture '%s' is empty", a.Name)
		}
		if a.Base > math.MaxUint64-a.Size {
			return nil, fmt.Errorf("aperture '%s' overflows the address space", a.Name)
		}
		if a.Memory == nil {
			return nil, fmt.Errorf("aperture '%s' has no host mapping", a.Name)
		}
		if uint64(a.Memory.Len()) < a.Size {
			return nil, fmt.Errorf(
				"aperture '%s' is 0x%x bytes but its host mapping only covers 0x%x bytes",
				a.Name,
				a.Size,
				a.Memory.Len(),
			)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Base < entries[j].Base
	})

	for i := range entries {
		for j := i + 1; j < len(entries) && entries[j].Base < entries[i].End(); j++ {
			if entries[i].Priority == entries[j].Priority {
				return nil, fmt.Errorf(
					"apertures '%s' and '%s' overlap with equal priority %d",
					entries[i].Name,
					entries[j].Name,
					entries[i].Priority,
				)
			}
		}
	}

	return &ApertureTable{entries: entries}, nil
}

// Apertures returns a copy of the apertures in the table, sorted by base address.
func (t *ApertureTable) Apertures() []Aperture {
	ls := make([]Aperture, len(t.entries))
	copy(ls, t.entries)
	return ls
}

// Get returns the aperture with the given name.
func (t *ApertureTable) Get(name string) (Aperture, bool) {
	for _, a := range t.entries {
		if a.Name == name {
			return a, true
		}
	}
	return Aperture{}, false
}

// Find returns the aperture which fully contains [addr, addr+size). Among overlapping candidates the one with the
// highest priority is picked. An error is returned when no aperture contains the range, or when two candidates of
// the same priority do.
func (t *ApertureTable) Find(addr, size uint64) (Aperture, error) {
	// All candidates start at or before addr, so binary search for the first entry past it and walk back.
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Base > addr
	})

	var (
		best  Aperture
		found bool
		tie   bool
	)
	for j := i - 1; j >= 0; j-- {
		cand := t.entries[j]
		if !cand.Contains(addr, size) {
			continue
		}

		switch {
		case !found || cand.Priority > best.Priority:
			best, found, tie = cand, true, false
		case cand.Priority == best.Priority:
			tie = true
		}
	}

	if !found {
		return Aperture{}, fmt.Errorf("no aperture contains [0x%08x, 0x%08x)", addr, addr+size)
	}
	if tie {
		return Aperture{}, fmt.Errorf("[0x%08x, 0x%08x) is contained by multiple apertures of priority %d",
			addr, addr+size, best.Priority)
	}

	return best, nil
}

// String implements fmt.Stringer
func (t *ApertureTable) String() string {
	var sb strings.Builder
	for _, a := range t.entries {
		fmt.Fprintf(&sb, "0x%08x - 0x%08x - %s (priority %d)\n", a.Base, a.End(), a.Name, a.Priority)
	}
	return sb.String()
}
