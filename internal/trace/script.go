// Package trace runs scripted guest access sequences against a machine.
// Scripts are YAML documents; each step is a register, port, config or
// memory access with an optional expected value.
package trace

import (
	"bytes"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/hellodev/internal/machine"
)

// Space selects what a step accesses.
type Space string

const (
	// SpaceMMIO addresses the device's memory BAR; Offset is relative to it.
	SpaceMMIO Space = "mmio"
	// SpaceIO addresses the device's I/O BAR; Offset is relative to it.
	SpaceIO Space = "io"
	// SpaceConfig addresses the device's config header through ECAM.
	SpaceConfig Space = "config"
	// SpaceMem addresses guest RAM at Addr.
	SpaceMem Space = "mem"
	// SpaceIRQ reads the level of the device's interrupt line.
	SpaceIRQ Space = "irq"
)

// Op is the step action.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
	OpReset Op = "reset"
)

// Script is a named sequence of steps.
type Script struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Device      string   `yaml:"device"`
	Timeout     Duration `yaml:"timeout"`
	Steps       []Step   `yaml:"steps"`
}

// Step is a single guest access.
type Step struct {
	Name   string       `yaml:"name"`
	Op     Op           `yaml:"op"`
	Space  Space        `yaml:"space"`
	Device string       `yaml:"device"`
	Offset machine.Size `yaml:"offset"`

	// Addr is an absolute guest address and overrides Offset.
	Addr   *machine.Size `yaml:"addr"`
	Width  int           `yaml:"width"`
	Value  machine.Size  `yaml:"value"`
	Expect *machine.Size `yaml:"expect"`
	Repeat int           `yaml:"repeat"`
	Delay  Duration      `yaml:"delay"`
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (s *Script) normalize() error {
	for i := range s.Steps {
		st := &s.Steps[i]
		if st.Name == "" {
			st.Name = fmt.Sprintf("step %d", i+1)
		}
		if st.Op == "" {
			st.Op = OpRead
		}
		if st.Device == "" {
			st.Device = s.Device
		}
		if st.Width == 0 {
			st.Width = 4
		}
		if st.Repeat == 0 {
			st.Repeat = 1
		}
		if err := st.validate(); err != nil {
			return fmt.Errorf("trace %q: %s: %w", s.Name, st.Name, err)
		}
	}
	return nil
}

func (st *Step) validate() error {
	switch st.Op {
	case OpRead, OpWrite:
	case OpReset:
		return nil
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
	switch st.Space {
	case SpaceMMIO, SpaceIO, SpaceConfig:
		if st.Device == "" && st.Addr == nil {
			return fmt.Errorf("%s access needs a device or addr", st.Space)
		}
	case SpaceMem:
		if st.Addr == nil {
			return fmt.Errorf("mem access needs addr")
		}
	case SpaceIRQ:
		if st.Op != OpRead {
			return fmt.Errorf("irq lines are read-only")
		}
		if st.Device == "" {
			return fmt.Errorf("irq access needs a device")
		}
	default:
		return fmt.Errorf("unknown space %q", st.Space)
	}
	switch st.Width {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("invalid width %d", st.Width)
	}
	if st.Repeat < 0 {
		return fmt.Errorf("negative repeat")
	}
	return nil
}

// ParseScript decodes a YAML script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("trace: decode: %w", err)
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadScript reads a script from fs.
func LoadScript(fs afero.Fs, path string) (*Script, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading trace file: %w", err)
	}
	return ParseScript(data)
}
