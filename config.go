package hero

import (
	"debug/elf"
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes an accelerator: its apertures, the shared memory it can reach, and the runtime conventions of
// the images it runs. It is used to build a MemoryPlatform and the matching device options.
type Config struct {
	// Device is "svm" or "memcpy"
	Device string `yaml:"device"`
	// Machine is the ELF machine images must be built for
	Machine uint16 `yaml:"machine"`
	// OverlayBase is the start of the non-resident overlay region
	OverlayBase uint64 `yaml:"overlay_base"`
	// ArgCapacity is the size of the argument buffer in 64-bit words
	ArgCapacity int `yaml:"arg_capacity"`

	Apertures []ApertureConfig `yaml:"apertures"`
	Shared    SharedConfig     `yaml:"shared"`
	Console   ConsoleConfig    `yaml:"console"`
	Mailbox   MailboxConfig    `yaml:"mailbox"`
}

// ApertureConfig configures a single aperture.
type ApertureConfig struct {
	Name     string `yaml:"name"`
	Base     uint64 `yaml:"base"`
	Size     uint64 `yaml:"size"`
	Priority int    `yaml:"priority"`
	// Backing names an earlier aperture whose memory this aperture aliases
	Backing string `yaml:"backing,omitempty"`
	// Offset of the aperture in the device file, only used for mapped platforms
	Offset int64 `yaml:"offset"`
}

// SharedConfig configures the host memory the accelerator can reach, which holds the console area, argument
// buffers and co-scheduling channels.
type SharedConfig struct {
	Base   uint64 `yaml:"base"`
	Size   uint64 `yaml:"size"`
	Offset int64  `yaml:"offset"`
}

// ConsoleConfig configures the per-core log buffers at the start of shared memory.
type ConsoleConfig struct {
	Cores int    `yaml:"cores"`
	Size  uint32 `yaml:"size"`
}

// MailboxConfig configures simulated mailboxes.
type MailboxConfig struct {
	Depth int `yaml:"depth"`
}

// DefaultConfig returns the memory map of a HERO PULP cluster: L1 and its alias view of the same cells, L2, and
// the L3 window into host DRAM.
func DefaultConfig() *Config {
	return &Config{
		Device:      "svm",
		Machine:     uint16(DefaultMachine),
		OverlayBase: DefaultOverlayBase,
		ArgCapacity: DefaultArgCapacity,
		Apertures: []ApertureConfig{
			{Name: "L1", Base: 0x10000000, Size: 0x00400000, Offset: 0x00000000},
			{Name: "alias", Base: 0x1b000000, Size: 0x00400000, Backing: "L1", Offset: 0x00000000},
			{Name: "L2", Base: 0x1c000000, Size: 0x00040000, Offset: 0x01000000},
		},
		Shared: SharedConfig{
			Base:   0x80000000,
			Size:   0x00400000,
			Offset: 0x02000000,
		},
		Console: ConsoleConfig{
			Cores: DefaultCores,
			Size:  DefaultConsoleSize,
		},
		Mailbox: MailboxConfig{
			Depth: 16,
		},
	}
}

// LoadConfig reads a YAML config file. Fields missing from the file keep their default value.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// DeviceID returns the device the config selects.
func (c *Config) DeviceID() (DeviceID, error) {
	switch c.Device {
	case "svm", "":
		return DeviceSVM, nil
	case "memcpy":
		return DeviceMemcpy, nil
	default:
		return 0, fmt.Errorf("unknown device '%s', expected svm or memcpy", c.Device)
	}
}

// Validate checks the config for consistency.
func (c *Config) Validate() error {
	if _, err := c.DeviceID(); err != nil {
		return err
	}
	if c.ArgCapacity < 1 {
		return errors.New("arg_capacity must be at least 1")
	}
	if len(c.Apertures) == 0 {
		return errors.New("no apertures configured")
	}

	seen := make(map[string]ApertureConfig, len(c.Apertures))
	for _, a := range c.Apertures {
		if a.Size == 0 || a.Size > math.MaxUint32 {
			return fmt.Errorf("aperture '%s': size 0x%x out of range", a.Name, a.Size)
		}
		if a.Backing != "" {
			backing, ok := seen[a.Backing]
			if !ok {
				return fmt.Errorf("aperture '%s': backing '%s' must be defined before it", a.Name, a.Backing)
			}
			if backing.Size < a.Size {
				return fmt.Errorf("aperture '%s' is larger than its backing '%s'", a.Name, a.Backing)
			}
		}
		seen[a.Name] = a
	}

	if c.Shared.Size == 0 || c.Shared.Size > math.MaxUint32 {
		return fmt.Errorf("shared: size 0x%x out of range", c.Shared.Size)
	}
	if c.Console.Cores < 0 {
		return errors.New("console: negative number of cores")
	}
	if uint64(c.Console.Size) >= c.Shared.Size {
		return fmt.Errorf("console: 0x%x bytes don't leave room in 0x%x bytes of shared memory",
			c.Console.Size, c.Shared.Size)
	}
	if c.Console.Size%WordSize != 0 {
		return errors.New("console: size must be a multiple of the word size")
	}

	return nil
}

// DeviceOpts returns the device options matching the runtime conventions in the config.
func (c *Config) DeviceOpts() []DeviceOpt {
	return []DeviceOpt{
		DeviceOptArgCapacity(c.ArgCapacity),
		DeviceOptOverlayBase(c.OverlayBase),
		DeviceOptParse(ParseOptMachine(elf.Machine(c.Machine))),
		DeviceOptConsoleLayout(ConsoleLayout{Cores: c.Console.Cores, Size: c.Console.Size}),
	}
}
