// Package sim contains an in-process accelerator which speaks the mailbox protocol of the device runtime. It runs
// Go functions in place of kernels, which makes it possible to exercise a hero.Device without hardware.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cilium/ebpf/asm"
	"go.uber.org/zap"

	"github.com/dylandreimerink/hero"
)

// DefaultCycles is the cycle count reported for kernels which don't report their own.
const DefaultCycles = 1000

// Launch is a single kernel launch as observed by the device.
type Launch struct {
	Entry   uint32
	ArgBuf  uint32
	Threads uint32
	// Args holds the whole argument buffer, unused slots included
	Args []uint64
}

// Call gives a kernel access to its launch and to device memory.
type Call struct {
	Launch
	dev *Device
}

// Kernel is the Go stand-in of a device function. It returns the number of cycles it took.
type Kernel func(c *Call) (uint32, error)

// Memory is the memory of the simulated cluster.
type Memory interface {
	Translate(addr, size uint64) (hero.ApertureMemory, uint32, error)
	Console() hero.ApertureMemory
}

// Device is a simulated accelerator. Call Run to start serving the mailbox.
type Device struct {
	mb      hero.Mailbox
	mem     Memory
	layout  hero.ConsoleLayout
	argCap  int
	cosched bool
	poll    time.Duration
	log     *zap.Logger

	kernels  map[uint32]Kernel
	fallback Kernel

	mu       sync.Mutex
	launches []Launch
}

// Opt is an option of New
type Opt func(*Device)

// OptConsoleLayout sets the layout of the per-core log buffers, it must match the layout of the host.
func OptConsoleLayout(l hero.ConsoleLayout) Opt {
	return func(d *Device) {
		d.layout = l
	}
}

// OptArgCapacity sets the number of words the device reads from the argument buffer.
func OptArgCapacity(n int) Opt {
	return func(d *Device) {
		d.argCap = n
	}
}

// OptCoScheduling makes the device take part in the vote handshake of hero.VoteChannel, the channel address is the
// last word of the launch arguments.
func OptCoScheduling() Opt {
	return func(d *Device) {
		d.cosched = true
	}
}

// OptLogger sets the logger of the device.
func OptLogger(l *zap.Logger) Opt {
	return func(d *Device) {
		d.log = l
	}
}

// OptKernel registers a kernel at an entry address.
func OptKernel(entry uint32, k Kernel) Opt {
	return func(d *Device) {
		d.kernels[entry] = k
	}
}

// OptDefaultKernel sets the kernel run for entries without a registered kernel. By default a line naming the entry
// is printed to the console of core 0.
func OptDefaultKernel(k Kernel) Opt {
	return func(d *Device) {
		d.fallback = k
	}
}

// New creates a simulated device serving `mb`, the device end of a mailbox.
func New(mb hero.Mailbox, mem Memory, opts ...Opt) *Device {
	d := &Device{
		mb:  mb,
		mem: mem,
		layout: hero.ConsoleLayout{
			Cores: hero.DefaultCores,
			Size:  hero.DefaultConsoleSize,
		},
		argCap:  hero.DefaultArgCapacity,
		poll:    10 * time.Microsecond,
		log:     zap.NewNop(),
		kernels: make(map[uint32]Kernel),
		fallback: func(c *Call) (uint32, error) {
			return DefaultCycles, c.Printf(0, "hello from 0x%08x\n", c.Entry)
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Launches returns the launches the device served so far.
func (d *Device) Launches() []Launch {
	d.mu.Lock()
	defer d.mu.Unlock()

	ls := make([]Launch, len(d.launches))
	copy(ls, d.launches)
	return ls
}

// Run serves the mailbox until ctx is done or the host sends CmdStop. A done ctx is not an error.
func (d *Device) Run(ctx context.Context) error {
	for {
		cmd, err := d.mb.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch cmd {
		case hero.CmdStop:
			d.log.Debug("stop")
			return nil
		case hero.CmdStart:
			if err := d.serve(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		default:
			return fmt.Errorf("unexpected command 0x%x", cmd)
		}
	}
}

func (d *Device) serve(ctx context.Context) error {
	var words [3]uint32
	for i := range words {
		w, err := d.mb.Read(ctx)
		if err != nil {
			return err
		}
		words[i] = w
	}

	l := Launch{
		Entry:   words[0],
		ArgBuf:  words[1],
		Threads: words[2],
	}
	var err error
	l.Args, err = d.readArgs(l.ArgBuf)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.launches = append(d.launches, l)
	d.mu.Unlock()

	d.log.Debug("launch",
		zap.String("entry", fmt.Sprintf("0x%08x", l.Entry)),
		zap.String("argbuf", fmt.Sprintf("0x%08x", l.ArgBuf)),
		zap.Uint32("threads", l.Threads),
	)

	if d.cosched {
		if err := d.vote(ctx, l); err != nil {
			return fmt.Errorf("vote: %w", err)
		}
	}

	if err := d.clearConsole(); err != nil {
		return err
	}

	k, found := d.kernels[l.Entry]
	if !found {
		k = d.fallback
	}
	cycles, err := k(&Call{Launch: l, dev: d})
	if err != nil {
		d.log.Warn("kernel failed", zap.Error(err))
	}

	if err := d.mb.Write(hero.CmdDone); err != nil {
		return err
	}
	return d.mb.Write(cycles)
}

func (d *Device) readArgs(addr uint32) ([]uint64, error) {
	mem, off, err := d.mem.Translate(uint64(addr), uint64(d.argCap)*8)
	if err != nil {
		return nil, fmt.Errorf("argument buffer: %w", err)
	}

	args := make([]uint64, d.argCap)
	for i := range args {
		args[i], err = mem.Load(off+uint32(i)*8, asm.DWord)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return args, nil
}

// vote answers the host side of hero.VoteChannel: wait for the request, grant it, wait for the release.
func (d *Device) vote(ctx context.Context, l Launch) error {
	if len(l.Args) == 0 {
		return errors.New("no channel argument")
	}
	// The channel address is the last staged argument, which is the last non-zero slot
	var ch uint64
	for i := len(l.Args) - 1; i >= 0; i-- {
		if l.Args[i] != 0 {
			ch = l.Args[i]
			break
		}
	}
	mem, off, err := d.mem.Translate(ch, 2*hero.WordSize)
	if err != nil {
		return err
	}

	if err := d.await(ctx, mem, off, 1); err != nil {
		return err
	}
	if err := mem.Store(off+hero.WordSize, 1, asm.Word); err != nil {
		return err
	}
	return d.await(ctx, mem, off, 0)
}

func (d *Device) await(ctx context.Context, mem hero.ApertureMemory, off uint32, want uint64) error {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		v, err := mem.Load(off, asm.Word)
		if err != nil {
			return err
		}
		if v == want {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Device) perCore() uint32 {
	if d.layout.Cores <= 0 {
		return 0
	}
	return (d.layout.Size / uint32(d.layout.Cores)) &^ (hero.WordSize - 1)
}

func (d *Device) clearConsole() error {
	per := d.perCore()
	if per == 0 {
		return nil
	}
	mem := d.mem.Console()
	for core := 0; core < d.layout.Cores; core++ {
		if err := mem.Store(uint32(core)*per, 0, asm.Word); err != nil {
			return fmt.Errorf("clear console of core %d: %w", core, err)
		}
	}
	return nil
}

// Printf writes a NUL terminated string into the console buffer of `core`, replacing what the kernel printed on that
// core before. Text which doesn't fit is cut off.
func (c *Call) Printf(core int, format string, args ...interface{}) error {
	d := c.dev
	per := d.perCore()
	if core < 0 || core >= d.layout.Cores || per == 0 {
		return fmt.Errorf("no console for core %d", core)
	}

	text := []byte(fmt.Sprintf(format, args...))
	if uint32(len(text)) > per-1 {
		text = text[:per-1]
	}
	// NUL terminator plus padding up to the next word
	buf := make([]byte, (len(text)+hero.WordSize)&^(hero.WordSize-1))
	copy(buf, text)

	mem := d.mem.Console()
	base := uint32(core) * per
	for i := 0; i < len(buf); i += hero.WordSize {
		w := uint64(buf[i]) | uint64(buf[i+1])<<8 | uint64(buf[i+2])<<16 | uint64(buf[i+3])<<24
		if err := mem.Store(base+uint32(i), w, asm.Word); err != nil {
			return err
		}
	}
	return nil
}

// Memory translates a device address range for the kernel.
func (c *Call) Memory(addr, size uint64) (hero.ApertureMemory, uint32, error) {
	return c.dev.mem.Translate(addr, size)
}
