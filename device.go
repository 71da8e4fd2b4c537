package hero

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"

	"go.uber.org/zap"
)

// DeviceID selects how host and accelerator share memory.
type DeviceID int32

const (
	// DeviceSVM shares one virtual address space between host and accelerator, the device runtime starts a miss
	// handler thread to service its TLB misses.
	DeviceSVM DeviceID = 0
	// DeviceMemcpy gives host and accelerator independent address spaces, data moves by explicit copies.
	DeviceMemcpy DeviceID = 1
)

func (id DeviceID) String() string {
	switch id {
	case DeviceSVM:
		return "svm"
	case DeviceMemcpy:
		return "memcpy"
	default:
		return fmt.Sprintf("device(%d)", int32(id))
	}
}

// NumDevices is the number of device ids a single accelerator is exposed as.
func NumDevices() int {
	return 2
}

// DeviceSettings are the actual settings of a Device, DeviceOpt's can change an instance of these settings.
type DeviceSettings struct {
	// Mailbox to the device runtime, launches fail without one
	Mailbox Mailbox
	// Shared memory holds the argument buffer of SVM devices, the console and co-scheduling channels
	Shared SharedMemory
	// Copier moves the argument buffer of memcpy devices
	Copier Copier
	// CoScheduler, if set, takes part in every launch
	CoScheduler CoScheduler
	Logger      *zap.Logger
	// Console receives the output of the cores after every launch
	Console       io.Writer
	ConsoleLayout ConsoleLayout
	// Number of 64-bit words in the argument buffer
	ArgCapacity int
	OverlayBase uint64
	ParseOpts   []ParseOpt
}

// DeviceOpt is a option which can be used during the creation of a Device with the NewDevice function
type DeviceOpt func(*DeviceSettings)

// DeviceOptMailbox sets the mailbox used for launches
func DeviceOptMailbox(mb Mailbox) DeviceOpt {
	return func(s *DeviceSettings) {
		s.Mailbox = mb
	}
}

// DeviceOptShared sets the shared memory of the device
func DeviceOptShared(sm SharedMemory) DeviceOpt {
	return func(s *DeviceSettings) {
		s.Shared = sm
	}
}

// DeviceOptCopier sets the copier used by memcpy devices
func DeviceOptCopier(c Copier) DeviceOpt {
	return func(s *DeviceSettings) {
		s.Copier = c
	}
}

// DeviceOptCoScheduler enables real-time co-scheduling
func DeviceOptCoScheduler(cs CoScheduler) DeviceOpt {
	return func(s *DeviceSettings) {
		s.CoScheduler = cs
	}
}

// DeviceOptLogger sets the logger, by default nothing is logged
func DeviceOptLogger(l *zap.Logger) DeviceOpt {
	return func(s *DeviceSettings) {
		s.Logger = l
	}
}

// DeviceOptConsole sets the writer which receives core output, by default it is discarded
func DeviceOptConsole(w io.Writer) DeviceOpt {
	return func(s *DeviceSettings) {
		s.Console = w
	}
}

// DeviceOptConsoleLayout sets the layout of the per-core log buffers
func DeviceOptConsoleLayout(l ConsoleLayout) DeviceOpt {
	return func(s *DeviceSettings) {
		s.ConsoleLayout = l
	}
}

// DeviceOptArgCapacity sets the number of words in the argument buffer
func DeviceOptArgCapacity(n int) DeviceOpt {
	return func(s *DeviceSettings) {
		s.ArgCapacity = n
	}
}

// DeviceOptOverlayBase sets the start of the non-resident overlay region
func DeviceOptOverlayBase(addr uint64) DeviceOpt {
	return func(s *DeviceSettings) {
		s.OverlayBase = addr
	}
}

// DeviceOptParse adds options used when parsing images
func DeviceOptParse(opts ...ParseOpt) DeviceOpt {
	return func(s *DeviceSettings) {
		s.ParseOpts = append(s.ParseOpts, opts...)
	}
}

// State is the position of a device in the launch state machine.
type State int

const (
	StateIdle State = iota
	StateArgsStaged
	StateDispatched
	StateAwaitingCompletion
	StateDrainingConsole
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArgsStaged:
		return "args staged"
	case StateDispatched:
		return "dispatched"
	case StateAwaitingCompletion:
		return "awaiting completion"
	case StateDrainingConsole:
		return "draining console"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Device drives one accelerator. A device runs at most one kernel at a time and does no locking of its own, the
// caller must serialize Load and launches.
type Device struct {
	id       DeviceID
	table    *ApertureTable
	settings DeviceSettings
	log      *zap.Logger

	state   State
	broken  error
	session *Session
}

// NewDevice creates a device. The apertures of `mem` are queried once, here.
func NewDevice(id DeviceID, mem Memory, opts ...DeviceOpt) (*Device, error) {
	if id != DeviceSVM && id != DeviceMemcpy {
		return nil, fmt.Errorf("device id must be %d (svm) or %d (memcpy), got %d", DeviceSVM, DeviceMemcpy, id)
	}

	d := &Device{
		id: id,
		settings: DeviceSettings{
			Logger:  zap.NewNop(),
			Console: io.Discard,
			ConsoleLayout: ConsoleLayout{
				Cores: DefaultCores,
				Size:  DefaultConsoleSize,
			},
			ArgCapacity: DefaultArgCapacity,
			OverlayBase: DefaultOverlayBase,
		},
	}
	for _, opt := range opts {
		opt(&d.settings)
	}
	d.log = d.settings.Logger.With(zap.Stringer("device", id))

	if d.settings.ArgCapacity < 1 {
		return nil, errors.New("argument buffer needs room for at least one word")
	}
	switch {
	case id == DeviceSVM && d.settings.Shared == nil:
		return nil, errors.New("svm device needs shared memory for its argument buffer")
	case id == DeviceMemcpy && d.settings.Copier == nil:
		return nil, errors.New("memcpy device needs a copier for its argument buffer")
	case d.settings.CoScheduler != nil && d.settings.Shared == nil:
		return nil, errors.New("co-scheduling needs shared memory for its channel")
	}

	apertures, err := mem.Apertures()
	if err != nil {
		return nil, fmt.Errorf("query apertures: %w", err)
	}
	d.table, err = NewApertureTable(apertures)
	if err != nil {
		return nil, fmt.Errorf("aperture table: %w", err)
	}

	for _, a := range d.table.Apertures() {
		d.log.Debug("aperture",
			zap.String("name", a.Name),
			zap.String("lo", fmt.Sprintf("0x%08x", a.Base)),
			zap.String("hi", fmt.Sprintf("0x%08x", a.End())),
		)
	}

	return d, nil
}

// ID returns the id of the device
func (d *Device) ID() DeviceID {
	return d.id
}

// Apertures returns the aperture table of the device
func (d *Device) Apertures() *ApertureTable {
	return d.table
}

// State returns the launch state of the device
func (d *Device) State() State {
	return d.state
}

// Err returns the protocol violation which took the device out of service, if any.
func (d *Device) Err() error {
	return d.broken
}

// Session returns the loaded session, nil if no image is loaded.
func (d *Device) Session() *Session {
	return d.session
}

// Image is a device image as handed over by the host runtime. Bytes is never modified.
type Image struct {
	Bytes []byte
	// Entries the host expects the image to define
	Entries []OffloadEntry
}

// Load parses `img`, resolves its entries and writes it to device memory. Any previously loaded session is closed
// first. When Load fails nothing is retained and the device must be considered not ready.
func (d *Device) Load(img Image) (*Session, error) {
	if d.broken != nil {
		return nil, d.broken
	}
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			return nil, fmt.Errorf("close previous session: %w", err)
		}
	}

	d.log.Debug("loading image", zap.Int("size", len(img.Bytes)), zap.Int("entries", len(img.Entries)))

	// 1. Parse
	c, err := ParseContainer(img.Bytes, d.settings.ParseOpts...)
	if err != nil {
		return nil, err
	}

	// 2. Resolve, no byte is written unless every entry is found
	entries, err := Resolve(img.Entries, c.Symbols)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		d.log.Debug("resolved entry", zap.String("name", e.Name), zap.String("addr", fmt.Sprintf("0x%08x", e.Addr)))
	}

	// 3. Place segments
	report, err := LoadSegments(c, d.table, LoadOptions{
		OverlayBase: d.settings.OverlayBase,
		Logger:      d.log,
	})
	if err != nil {
		return nil, err
	}

	// 4. Session resources
	s := &Session{
		dev:     d,
		entries: entries,
		digest:  c.Digest,
		report:  report,
		args:    newArgBuffer(d.settings.ArgCapacity),
	}
	if err := s.allocate(); err != nil {
		s.Close()
		return nil, err
	}

	d.session = s
	d.log.Info("image loaded",
		zap.String("digest", hex.EncodeToString(c.Digest[:])),
		zap.Int("segments", len(report.Placements)),
		zap.Int("entries", len(entries)),
	)

	return s, nil
}

// poison takes the device out of service after the mailbox lost sync.
func (d *Device) poison(addr uint64, cause error, format string, args ...interface{}) error {
	err := newError(KindProtocolViolation, cause, format, args...)
	err.Addr = addr
	d.broken = err
	d.log.Error("device out of service", zap.Error(err), zap.Stringer("state", d.state))
	return err
}

// Session is a loaded image. It owns the resolved entry table, the argument buffer and the co-scheduling channel,
// all of which are released by Close.
type Session struct {
	dev     *Device
	entries []OffloadEntry
	digest  [32]byte
	report  LoadReport

	args     *argBuffer
	argAddr  uint64
	argShare *Region
	channel  *Region
	closed   bool
}

func (s *Session) allocate() error {
	d := s.dev
	size := s.args.sizeBytes()

	if d.id == DeviceSVM {
		r, err := d.settings.Shared.Alloc(size)
		if err != nil {
			return fmt.Errorf("allocate argument buffer: %w", err)
		}
		s.argShare = &r
		s.argAddr = r.DeviceAddr
		if r.Offset%argWordSize != 0 {
			return fmt.Errorf("argument buffer at offset 0x%x is not %d byte aligned", r.Offset, argWordSize)
		}
	} else {
		addr, err := d.settings.Copier.Alloc(size)
		if err != nil {
			return fmt.Errorf("allocate argument buffer: %w", err)
		}
		s.argAddr = addr
	}
	// The device runtime takes the buffer address as a single mailbox word
	if s.argAddr > math.MaxUint32 {
		return fmt.Errorf("argument buffer at 0x%x is out of reach of the device", s.argAddr)
	}

	if cs := d.settings.CoScheduler; cs != nil {
		r, err := d.settings.Shared.Alloc(cs.ChannelSize())
		if err != nil {
			return fmt.Errorf("allocate co-scheduling channel: %w", err)
		}
		s.channel = &r
		if err := cs.Init(r); err != nil {
			return fmt.Errorf("init co-scheduling channel: %w", err)
		}
	}

	return nil
}

// Entries returns the resolved entry table, in the order of the host entries.
func (s *Session) Entries() []OffloadEntry {
	ls := make([]OffloadEntry, len(s.entries))
	copy(ls, s.entries)
	return ls
}

// Entry looks up a resolved entry by name.
func (s *Session) Entry(name string) (OffloadEntry, bool) {
	for _, e := range s.entries {
		if e.Name == name {
			return e, true
		}
	}
	return OffloadEntry{}, false
}

// Digest returns the BLAKE3-256 digest of the loaded image.
func (s *Session) Digest() [32]byte {
	return s.digest
}

// Report returns where the segments of the image were placed.
func (s *Session) Report() LoadReport {
	return s.report
}

// ArgBufferAddr returns the device address of the argument buffer.
func (s *Session) ArgBufferAddr() uint64 {
	return s.argAddr
}

// Close releases the resources of the session. Closing a closed session is a no-op.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	d := s.dev
	var errs []error
	if s.argShare != nil {
		errs = append(errs, d.settings.Shared.Free(*s.argShare))
	} else if s.argAddr != 0 {
		errs = append(errs, d.settings.Copier.Free(s.argAddr))
	}
	if s.channel != nil {
		errs = append(errs, d.settings.Shared.Free(*s.channel))
	}

	if d.session == s {
		d.session = nil
	}
	return errors.Join(errs...)
}
