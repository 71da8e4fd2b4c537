package sim

import (
	"context"
	"testing"

	"github.com/cilium/ebpf/asm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dylandreimerink/hero"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testPlatform(t *testing.T) *hero.MemoryPlatform {
	t.Helper()

	cfg := hero.DefaultConfig()
	cfg.Apertures = []hero.ApertureConfig{{Name: "L1", Base: 0x10000000, Size: 0x1000}}
	cfg.Shared = hero.SharedConfig{Base: 0x80000000, Size: 0x4000}
	cfg.Console = hero.ConsoleConfig{Cores: 2, Size: 0x40}

	p, err := hero.NewMemoryPlatform(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Close()
	})
	return p
}

func TestRunStop(t *testing.T) {
	p := testPlatform(t)
	host, dev := hero.NewMailboxPair(4)
	d := New(dev, p)

	require.NoError(t, host.Write(hero.CmdStop))
	assert.NoError(t, d.Run(context.Background()))
}

func TestRunUnknownCommand(t *testing.T) {
	p := testPlatform(t)
	host, dev := hero.NewMailboxPair(4)
	d := New(dev, p)

	require.NoError(t, host.Write(hero.CmdBusy))
	assert.Error(t, d.Run(context.Background()))
}

func TestRunCancel(t *testing.T) {
	p := testPlatform(t)
	_, dev := hero.NewMailboxPair(4)
	d := New(dev, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, d.Run(ctx))
}

func TestServe(t *testing.T) {
	p := testPlatform(t)
	host, dev := hero.NewMailboxPair(8)

	var got Launch
	d := New(dev, p,
		OptConsoleLayout(hero.ConsoleLayout{Cores: 2, Size: 0x40}),
		OptArgCapacity(2),
		OptKernel(0x10000000, func(c *Call) (uint32, error) {
			got = c.Launch
			return 77, c.Printf(1, "0123456789abcdefghijklmnopqrstuvwxyz")
		}),
	)

	args, err := p.Alloc(16)
	require.NoError(t, err)

	for _, w := range []uint32{hero.CmdStart, 0x10000000, uint32(args.DeviceAddr), 1, hero.CmdStop} {
		require.NoError(t, host.Write(w))
	}
	require.NoError(t, d.Run(context.Background()))

	done, err := host.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hero.CmdDone, done)
	cycles, err := host.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(77), cycles)

	assert.Equal(t, uint32(0x10000000), got.Entry)
	assert.Equal(t, []uint64{0, 0}, got.Args)
	assert.Equal(t, []Launch{got}, d.Launches())

	// Each core owns 0x20 bytes, the text is cut to fit the NUL terminator
	b := make([]byte, 0x20)
	mem := p.Console()
	for i := 0; i < 0x20; i += hero.WordSize {
		v, err := mem.Load(uint32(0x20+i), asm.Word)
		require.NoError(t, err)
		b[i], b[i+1], b[i+2], b[i+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}
	assert.Equal(t, "0123456789abcdefghijklmnopqrstu\x00", string(b))
}

func TestPrintfUnknownCore(t *testing.T) {
	p := testPlatform(t)
	_, dev := hero.NewMailboxPair(1)
	d := New(dev, p, OptConsoleLayout(hero.ConsoleLayout{Cores: 2, Size: 0x40}))

	c := &Call{dev: d}
	assert.Error(t, c.Printf(2, "nope"))
}
