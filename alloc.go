package hero

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

const allocAlign = 8

// regionAllocator hands out blocks of a device address range, first fit.
type regionAllocator struct {
	mu   sync.Mutex
	base uint64
	size uint64
	// List of allocations, sorted by address
	entries []allocation
}

type allocation struct {
	addr uint64
	size uint64
}

func (ra *regionAllocator) alloc(size uint64) (uint64, error) {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	if size == 0 {
		return 0, errors.New("zero sized allocation")
	}
	if size > ra.size {
		return 0, fmt.Errorf("out of memory, %d bytes requested", size)
	}
	size = (size + allocAlign - 1) &^ (allocAlign - 1)

	// 1. Do a naive search for an available spot
	i := len(ra.entries)
	addr := ra.base
	for j, cur := range ra.entries {
		// If there is room before the current entry
		if size <= cur.addr-addr {
			i = j
			break
		}
		addr = cur.addr + cur.size
	}
	if i == len(ra.entries) && size > ra.base+ra.size-addr {
		return 0, fmt.Errorf("out of memory, %d bytes requested", size)
	}

	// 2. Insert sorted
	ra.entries = append(ra.entries, allocation{})
	copy(ra.entries[i+1:], ra.entries[i:])
	ra.entries[i] = allocation{addr: addr, size: size}

	return addr, nil
}

func (ra *regionAllocator) free(addr uint64) error {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	i := sort.Search(len(ra.entries), func(i int) bool {
		return ra.entries[i].addr >= addr
	})
	if i >= len(ra.entries) || ra.entries[i].addr != addr {
		return fmt.Errorf("0x%08x is not allocated", addr)
	}

	copy(ra.entries[i:], ra.entries[i+1:])
	ra.entries = ra.entries[:len(ra.entries)-1]
	return nil
}
