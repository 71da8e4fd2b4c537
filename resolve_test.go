package hero

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	resolved, err := Resolve(
		[]OffloadEntry{{Name: "foo", Addr: 0x1, Size: 8}},
		map[string]uint64{"foo": 0x10000200},
	)
	require.NoError(t, err)

	want := []OffloadEntry{{Name: "foo", Addr: 0x10000200, Size: 8}}
	if diff := cmp.Diff(want, resolved); diff != "" {
		t.Fatalf("resolved table mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveKeepsHostOrder(t *testing.T) {
	entries := []OffloadEntry{
		{Name: "zeta", Addr: 0x7000, Size: 4},
		{Name: "alpha", Addr: 0x7010, Size: 0},
		{Name: "mu", Addr: 0x7020, Size: 16},
	}
	symbols := map[string]uint64{
		"alpha":  0x10000000,
		"mu":     0x10000100,
		"zeta":   0x10000200,
		"unused": 0x10000300,
	}

	resolved, err := Resolve(entries, symbols)
	require.NoError(t, err)

	want := []OffloadEntry{
		{Name: "zeta", Addr: 0x10000200, Size: 4},
		{Name: "alpha", Addr: 0x10000000, Size: 0},
		{Name: "mu", Addr: 0x10000100, Size: 16},
	}
	if diff := cmp.Diff(want, resolved); diff != "" {
		t.Fatalf("resolved table mismatch (-want +got):\n%s", diff)
	}

	// The host table is left alone
	assert.Equal(t, uint64(0x7000), entries[0].Addr)
}

func TestResolveUnresolved(t *testing.T) {
	_, err := Resolve(
		[]OffloadEntry{{Name: "foo", Addr: 0x1}, {Name: "missing", Addr: 0x2}, {Name: "gone", Addr: 0x3}},
		map[string]uint64{"foo": 0x10000200},
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolvedSymbol))

	// The first missing entry in host order is reported
	var herr *Error
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "missing", herr.Symbol)
}

func TestResolveEmpty(t *testing.T) {
	resolved, err := Resolve(nil, map[string]uint64{"foo": 0x10000200})
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func TestResolveInvalidHostEntry(t *testing.T) {
	tests := []struct {
		name    string
		entries []OffloadEntry
	}{
		{name: "empty name", entries: []OffloadEntry{{Addr: 0x1}}},
		{name: "no address", entries: []OffloadEntry{{Name: "foo"}}},
		{name: "duplicate", entries: []OffloadEntry{{Name: "foo", Addr: 0x1}, {Name: "foo", Addr: 0x2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.entries, map[string]uint64{"foo": 0x10000200})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidHostEntry), "got %v", err)
		})
	}
}
