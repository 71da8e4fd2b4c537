package hero_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/dylandreimerink/hero"
	"github.com/dylandreimerink/hero/internal/elftest"
	"github.com/dylandreimerink/hero/sim"
)

// This files contains functions to be used in units tests, handy since setting up the environment can be very
// repetitive

type simEnv struct {
	dev      *hero.Device
	sim      *sim.Device
	platform *hero.MemoryPlatform
	console  *bytes.Buffer
}

// newSimEnv connects a device to a simulated accelerator running in the background. The accelerator is stopped when
// the test ends.
func newSimEnv(t *testing.T, id hero.DeviceID, devOpts []hero.DeviceOpt, simOpts ...sim.Opt) *simEnv {
	t.Helper()

	cfg := hero.DefaultConfig()
	cfg.Apertures = []hero.ApertureConfig{
		{Name: "L1", Base: 0x10000000, Size: 0x10000, Priority: 1},
		{Name: "alias", Base: 0x1b000000, Size: 0x10000, Backing: "L1"},
		{Name: "L2", Base: 0x1c000000, Size: 0x1000},
	}
	cfg.Shared = hero.SharedConfig{Base: 0x80000000, Size: 0x20000}
	cfg.Console = hero.ConsoleConfig{Cores: 8, Size: 0x1000}

	platform, err := hero.NewMemoryPlatform(cfg)
	if err != nil {
		t.Fatal(err)
	}

	hostMB, devMB := hero.NewMailboxPair(cfg.Mailbox.Depth)
	env := &simEnv{
		platform: platform,
		console:  &bytes.Buffer{},
	}

	env.sim = sim.New(devMB, platform, append([]sim.Opt{
		sim.OptConsoleLayout(hero.ConsoleLayout{Cores: cfg.Console.Cores, Size: cfg.Console.Size}),
	}, simOpts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- env.sim.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("simulated device: %v", err)
		}
	})

	opts := append(cfg.DeviceOpts(),
		hero.DeviceOptMailbox(hostMB),
		hero.DeviceOptShared(platform),
		hero.DeviceOptCopier(platform.Copier()),
		hero.DeviceOptConsole(env.console),
	)
	env.dev, err = hero.NewDevice(id, platform, append(opts, devOpts...)...)
	if err != nil {
		t.Fatal(err)
	}

	return env
}

func (env *simEnv) load(t *testing.T, names ...string) *hero.Session {
	t.Helper()

	img := elftest.Image{
		Entry: 0x10000200,
		Segments: []elftest.Segment{
			{Flags: 5, Vaddr: 0x10000200, Data: []byte{0x13, 0x00, 0x00, 0x00, 0x67, 0x80, 0x00, 0x00}},
		},
		Symbols: []elftest.Symbol{
			{Name: "foo", Value: 0x10000200},
			{Name: "bar", Value: 0x10000204},
		},
	}

	entries := make([]hero.OffloadEntry, len(names))
	for i, name := range names {
		entries[i] = hero.OffloadEntry{Name: name, Addr: uint64(0x7000 + i*8)}
	}

	sess, err := env.dev.Load(hero.Image{Bytes: img.Bytes(), Entries: entries})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		sess.Close()
	})
	return sess
}
