package hero

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// Result is what the device reports back after a kernel ran.
type Result struct {
	Cycles uint32
}

// RunRegion launches the kernel at `entry` as a single team.
func (s *Session) RunRegion(ctx context.Context, entry uint64, args []Arg) (Result, error) {
	return s.RunTeamRegion(ctx, entry, args, 1, 0, 0)
}

// RunEntry launches a resolved entry by name.
func (s *Session) RunEntry(ctx context.Context, name string, args []Arg) (Result, error) {
	e, found := s.Entry(name)
	if !found {
		return Result{}, fmt.Errorf("no entry named '%s' in session", name)
	}
	return s.RunRegion(ctx, e.Addr, args)
}

// RunTeamRegion launches the kernel at `entry` and blocks until the device reported completion and the console was
// drained. The cluster always runs a single team, `teams`, `threadLimit` and `tripCount` are only logged.
//
// Argument errors are returned before the device sees anything. Once the start command went out, a failure to
// complete the handshake leaves host and device out of sync, the device is then taken out of service and every
// following call fails with ErrProtocolViolation. This includes a `ctx` which is done before the device answered.
func (s *Session) RunTeamRegion(
	ctx context.Context,
	entry uint64,
	args []Arg,
	teams, threadLimit int32,
	tripCount uint64,
) (Result, error) {
	d := s.dev
	if d.broken != nil {
		return Result{}, d.broken
	}
	if s.closed {
		return Result{}, errors.New("session is closed")
	}
	if d.state != StateIdle {
		return Result{}, fmt.Errorf("device is busy (%s)", d.state)
	}
	mb := d.settings.Mailbox
	if mb == nil {
		return Result{}, errors.New("device has no mailbox")
	}
	if entry > math.MaxUint32 {
		return Result{}, fmt.Errorf("entry 0x%x is out of reach of the device", entry)
	}

	defer func() {
		d.state = StateIdle
	}()

	log := d.log.With(zap.String("entry", fmt.Sprintf("0x%08x", entry)))
	log.Debug("launch",
		zap.Int("args", len(args)),
		zap.Int32("teams", teams),
		zap.Int32("thread_limit", threadLimit),
		zap.Uint64("trip_count", tripCount),
	)

	// ARGS_STAGED
	var extra *uint64
	if s.channel != nil {
		addr := s.channel.DeviceAddr
		extra = &addr
	}
	if err := s.args.stage(args, extra); err != nil {
		return Result{}, err
	}
	d.state = StateArgsStaged

	if err := s.transferArgs(); err != nil {
		return Result{}, fmt.Errorf("transfer arguments: %w", err)
	}

	// DISPATCHED
	d.state = StateDispatched
	var hint uint32
	if d.id == DeviceSVM {
		hint = 1
	}
	for _, w := range []uint32{CmdStart, uint32(entry), uint32(s.argAddr), hint} {
		if err := mb.Write(w); err != nil {
			return Result{}, d.poison(entry, err, "dispatch")
		}
	}
	log.Debug("dispatched",
		zap.String("argbuf", fmt.Sprintf("0x%08x", s.argAddr)),
		zap.Int("staged", s.args.staged()),
		zap.Uint32("threads", hint),
	)

	if cs := d.settings.CoScheduler; cs != nil {
		if err := cs.Sync(ctx); err != nil {
			return Result{}, d.poison(entry, err, "co-scheduling rendezvous")
		}
	}

	// AWAITING_COMPLETION
	d.state = StateAwaitingCompletion
	word, err := mb.Read(ctx)
	if err != nil {
		return Result{}, d.poison(entry, err, "waiting for completion")
	}
	if word != CmdDone {
		return Result{}, d.poison(entry, nil, "expected done (0x%x) from device, got 0x%x", CmdDone, word)
	}
	cycles, err := mb.Read(ctx)
	if err != nil {
		return Result{}, d.poison(entry, err, "reading cycle count")
	}

	// DRAINING_CONSOLE, best effort
	d.state = StateDrainingConsole
	if d.settings.Shared != nil {
		if err := drainConsole(d.settings.Shared.Console(), d.settings.ConsoleLayout, d.settings.Console); err != nil {
			log.Warn("drain console", zap.Error(err))
		}
	}

	log.Info("kernel completed", zap.Uint32("cycles", cycles))
	return Result{Cycles: cycles}, nil
}

func (s *Session) transferArgs() error {
	if s.argShare != nil {
		return s.args.storeTo(s.argShare.Memory, s.argShare.Offset)
	}
	return s.dev.settings.Copier.HostToDevice(s.argAddr, s.args.bytes())
}
