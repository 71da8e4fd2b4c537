package hero

import (
	"context"
)

// Mailbox command words.
const (
	CmdReady uint32 = 0x01
	CmdStart uint32 = 0x02
	CmdBusy  uint32 = 0x03
	CmdDone  uint32 = 0x04
	CmdStop  uint32 = 0x0F
)

// Mailbox is the word oriented control channel between host and accelerator. It only carries launch commands and
// the completion handshake, never bulk data.
type Mailbox interface {
	// Write queues a word for the other side, blocking while the FIFO is full
	Write(word uint32) error
	// Read blocks until a word from the other side is available or ctx is done
	Read(ctx context.Context) (uint32, error)
}

var _ Mailbox = (*ChannelMailbox)(nil)

// ChannelMailbox is an in-process mailbox built on channels. Mailboxes are created in connected pairs by
// NewMailboxPair, what is written to one end is read from the other.
type ChannelMailbox struct {
	in  <-chan uint32
	out chan<- uint32
}

// NewMailboxPair returns the host and device end of a mailbox with a FIFO of `depth` words in each direction.
func NewMailboxPair(depth int) (host, device *ChannelMailbox) {
	toDevice := make(chan uint32, depth)
	toHost := make(chan uint32, depth)

	host = &ChannelMailbox{in: toHost, out: toDevice}
	device = &ChannelMailbox{in: toDevice, out: toHost}
	return host, device
}

func (m *ChannelMailbox) Write(word uint32) error {
	m.out <- word
	return nil
}

func (m *ChannelMailbox) Read(ctx context.Context) (uint32, error) {
	select {
	case w := <-m.in:
		return w, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
