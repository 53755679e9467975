package machine

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const maxConfigSize = 1 << 20

// Config describes the guest address map and the devices present at boot.
type Config struct {
	RAMBase  Size   `yaml:"ram_base"`
	RAMSize  Size   `yaml:"ram_size"`
	ECAMBase Size   `yaml:"ecam_base"`
	MMIOBase Size   `yaml:"mmio_base"`
	MMIOSize Size   `yaml:"mmio_size"`
	IOBase   uint16 `yaml:"io_base"`
	IOSize   uint16 `yaml:"io_size"`

	// INTxLines routes swizzled INTA..INTD to controller lines.
	INTxLines []uint8 `yaml:"intx_lines"`

	// Seed makes device DMA payloads reproducible when set.
	Seed *uint64 `yaml:"seed,omitempty"`

	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig places one device instance on bus 0.
type DeviceConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	// Slot is the PCI device number; zero picks the lowest free slot.
	Slot uint8 `yaml:"slot"`
}

const (
	defaultRAMSize  = 16 << 20
	defaultECAMBase = 0x3000_0000
	defaultMMIOBase = 0x2000_0000
	defaultMMIOSize = 0x1000_0000
	defaultIOBase   = 0xc000
	defaultIOSize   = 0x1000
	ecamBusSize     = 1 << 20
	limit32         = 1 << 32
)

// DefaultConfig returns a machine with 16 MiB of RAM and one hello device.
func DefaultConfig() Config {
	return Config{
		Devices: []DeviceConfig{{Name: "hello0", Type: "pci-hellodev"}},
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.RAMSize == 0 {
		c.RAMSize = defaultRAMSize
	}
	if c.ECAMBase == 0 {
		c.ECAMBase = defaultECAMBase
	}
	if c.MMIOBase == 0 {
		c.MMIOBase = defaultMMIOBase
	}
	if c.MMIOSize == 0 {
		c.MMIOSize = defaultMMIOSize
	}
	if c.IOBase == 0 {
		c.IOBase = defaultIOBase
	}
	if c.IOSize == 0 {
		c.IOSize = defaultIOSize
	}
	if len(c.INTxLines) == 0 {
		c.INTxLines = []uint8{10, 11, 12, 13}
	}
	return c
}

// Validate checks the address map for overlaps and malformed fields.
func (c Config) Validate() error {
	if len(c.INTxLines) != 4 {
		return fmt.Errorf("machine config: intx_lines needs 4 entries, got %d", len(c.INTxLines))
	}
	ramEnd := uint64(c.RAMBase) + uint64(c.RAMSize)
	if ramEnd < uint64(c.RAMBase) {
		return fmt.Errorf("machine config: RAM range overflows")
	}
	type region struct {
		name       string
		base, size uint64
	}
	regions := []region{
		{"ram", uint64(c.RAMBase), uint64(c.RAMSize)},
		{"ecam", uint64(c.ECAMBase), ecamBusSize},
		{"mmio", uint64(c.MMIOBase), uint64(c.MMIOSize)},
	}
	for i, a := range regions {
		for _, b := range regions[i+1:] {
			if a.base < b.base+b.size && b.base < a.base+a.size {
				return fmt.Errorf("machine config: %s [%#x-%#x) overlaps %s [%#x-%#x)",
					a.name, a.base, a.base+a.size, b.name, b.base, b.base+b.size)
			}
		}
	}
	// BARs are 32-bit and the DMA trigger takes a 32-bit address, so RAM and
	// the BAR aperture have to sit below 4 GiB.
	for _, r := range regions {
		end := r.base + r.size
		if r.name != "ecam" && (end > limit32 || end < r.base) {
			return fmt.Errorf("machine config: %s [%#x-%#x) extends above 4 GiB", r.name, r.base, end)
		}
	}
	if uint32(c.IOBase)+uint32(c.IOSize) > 0x10000 {
		return fmt.Errorf("machine config: I/O aperture exceeds port space")
	}

	names := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("machine config: device %d has no name", i)
		}
		if d.Type == "" {
			return fmt.Errorf("machine config: device %q has no type", d.Name)
		}
		if names[d.Name] {
			return fmt.Errorf("machine config: duplicate device name %q", d.Name)
		}
		names[d.Name] = true
		if d.Slot > 0x1f {
			return fmt.Errorf("machine config: device %q slot %d out of range", d.Name, d.Slot)
		}
	}
	return nil
}

// ParseConfig decodes a YAML config, rejecting unknown fields, and applies defaults.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("machine config: decode: %w", err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a config file from fs.
func LoadConfig(fs afero.Fs, path string) (Config, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return Config{}, fmt.Errorf("machine config: %w", err)
	}
	if info.Size() > maxConfigSize {
		return Config{}, fmt.Errorf("machine config: %s is too large (%d bytes)", path, info.Size())
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Config{}, fmt.Errorf("machine config: %w", err)
	}
	return ParseConfig(data)
}

// Size is a byte count or address that accepts integers and suffixed
// strings such as "16MiB" or "0x3000_0000" in YAML.
type Size uint64

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseSize(raw)
	if err != nil {
		return err
	}
	*s = Size(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Size.
func (s Size) MarshalYAML() (any, error) {
	return fmt.Sprintf("%#x", uint64(s)), nil
}

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"KiB", 10}, {"MiB", 20}, {"GiB", 30},
	{"K", 10}, {"M", 20}, {"G", 30},
}

// ParseSize parses a plain or suffixed size. Prefixes 0x, 0o and 0b and
// underscores are accepted in the numeric part.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	var shift uint
	for _, sfx := range sizeSuffixes {
		if strings.HasSuffix(s, sfx.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, sfx.suffix))
			shift = sfx.shift
			break
		}
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v > (^uint64(0))>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return v << shift, nil
}
