package hero

import (
	"context"
	"fmt"
	"time"

	"github.com/cilium/ebpf/asm"
)

// CoScheduler aligns the memory bursts of the accelerator with an external real-time bus arbiter. The driver
// allocates a channel in shared memory at load time and passes its device address to every kernel as an extra,
// trailing argument. Sync is the host side rendezvous, it is called right after the start command was sent.
type CoScheduler interface {
	// ChannelSize is the number of bytes the channel needs
	ChannelSize() uint64
	// Init prepares a freshly allocated channel
	Init(channel Region) error
	// Sync blocks until host and device agreed on the execution window
	Sync(ctx context.Context) error
}

// Word offsets of the vote channel.
const (
	voteRequest = 0
	voteGrant   = WordSize
	voteSize    = 2 * WordSize
)

var _ CoScheduler = (*VoteChannel)(nil)

// VoteChannel is a two word vote protocol. The host raises the request word, the device answers by raising the
// grant word once it reached its synchronization point. The host then clears grant and request, in that order,
// which releases the device.
type VoteChannel struct {
	// PollInterval is the time between two reads of the grant word, 10µs if zero
	PollInterval time.Duration

	ch *Region
}

func (v *VoteChannel) ChannelSize() uint64 {
	return voteSize
}

func (v *VoteChannel) Init(channel Region) error {
	if channel.Size < voteSize {
		return fmt.Errorf("vote channel needs %d bytes, got %d", voteSize, channel.Size)
	}
	if err := zeroWords(channel.Memory, channel.Offset, voteSize); err != nil {
		return fmt.Errorf("clear vote channel: %w", err)
	}
	v.ch = &channel
	return nil
}

func (v *VoteChannel) Sync(ctx context.Context) error {
	if v.ch == nil {
		return fmt.Errorf("vote channel is not initialized")
	}
	mem, off := v.ch.Memory, v.ch.Offset

	if err := mem.Store(off+voteRequest, 1, asm.Word); err != nil {
		return fmt.Errorf("raise request: %w", err)
	}

	interval := v.PollInterval
	if interval == 0 {
		interval = 10 * time.Microsecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		grant, err := mem.Load(off+voteGrant, asm.Word)
		if err != nil {
			return fmt.Errorf("read grant: %w", err)
		}
		if grant != 0 {
			break
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := mem.Store(off+voteGrant, 0, asm.Word); err != nil {
		return fmt.Errorf("clear grant: %w", err)
	}
	if err := mem.Store(off+voteRequest, 0, asm.Word); err != nil {
		return fmt.Errorf("clear request: %w", err)
	}

	return nil
}
