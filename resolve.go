package hero

// OffloadEntry is an entry point or global the host runtime expects to find in the device image. On the way in Addr
// is the host address, in the resolved table it is the device address.
type OffloadEntry struct {
	Name string
	Addr uint64
	Size uint64
}

// Resolve matches the host entries against the symbols of a device image. The returned table has the same order as
// `entries`, consumers index it by position. Device symbols which the host doesn't ask for are ignored. If any entry
// has no device symbol the whole table is rejected.
func Resolve(entries []OffloadEntry, symbols map[string]uint64) ([]OffloadEntry, error) {
	// 1. Validate the host entries and build the working set
	want := make(map[string]int, len(entries))
	for i, e := range entries {
		if e.Name == "" {
			return nil, &Error{Kind: KindInvalidHostEntry, message: "host entry with empty name"}
		}
		if e.Addr == 0 {
			return nil, &Error{Kind: KindInvalidHostEntry, Symbol: e.Name, message: "host entry '" + e.Name + "' has no address"}
		}
		if _, dup := want[e.Name]; dup {
			return nil, &Error{Kind: KindInvalidHostEntry, Symbol: e.Name, message: "duplicate host entry '" + e.Name + "'"}
		}
		want[e.Name] = i
	}

	// 2. Satisfy entries from the device symbol table
	resolved := make([]OffloadEntry, len(entries))
	copy(resolved, entries)
	found := make([]bool, len(entries))
	for name, addr := range symbols {
		i, ok := want[name]
		if !ok {
			continue
		}
		resolved[i].Addr = addr
		found[i] = true
	}

	// 3. Everything the host asked for must be present
	for i, ok := range found {
		if !ok {
			return nil, &Error{
				Kind:    KindUnresolvedSymbol,
				Symbol:  entries[i].Name,
				message: "'" + entries[i].Name + "' is not in the device image",
			}
		}
	}

	return resolved, nil
}
