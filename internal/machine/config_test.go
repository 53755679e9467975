package machine

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
)

func TestLoadConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	const doc = `
ram_size: 32MiB
ecam_base: 0x4000_0000
seed: 7
devices:
  - name: hello0
    type: pci-hellodev
  - name: hello1
    type: pci-hellodev
    slot: 5
`
	if err := afero.WriteFile(fs, "/etc/machine.yml", []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(fs, "/etc/machine.yml")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	seed := uint64(7)
	want := Config{
		RAMSize:   32 << 20,
		ECAMBase:  0x4000_0000,
		MMIOBase:  defaultMMIOBase,
		MMIOSize:  defaultMMIOSize,
		IOBase:    defaultIOBase,
		IOSize:    defaultIOSize,
		INTxLines: []uint8{10, 11, 12, 13},
		Seed:      &seed,
		Devices: []DeviceConfig{
			{Name: "hello0", Type: "pci-hellodev"},
			{Name: "hello1", Type: "pci-hellodev", Slot: 5},
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	files := map[string]string{
		"unknown.yml":    "ram_sise: 1M\n",
		"badsize.yml":    "ram_size: lots\n",
		"overlap.yml":    "ram_size: 0x3100_0000\n",
		"dupe.yml":       "devices: [{name: a, type: x}, {name: a, type: x}]\n",
		"notype.yml":     "devices: [{name: a}]\n",
		"intx.yml":       "intx_lines: [1, 2]\n",
		"badslot.yml":    "devices: [{name: a, type: x, slot: 40}]\n",
		"ioaperture.yml": "io_base: 0xff00\nio_size: 0x200\n",
		"highram.yml":    "ram_base: 0x1_0000_0000\n",
		"highmmio.yml":   "mmio_base: 0xf000_0000\nmmio_size: 0x2000_0000\n",
	}
	for name, body := range files {
		if err := afero.WriteFile(fs, name, []byte(body), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	for name := range files {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(fs, name); err == nil {
				t.Fatal("expected LoadConfig to fail")
			}
		})
	}
	if _, err := LoadConfig(fs, "missing.yml"); err == nil {
		t.Fatal("expected missing file to fail")
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"", 0, true},
		{"4096", 4096, true},
		{"0x1000", 0x1000, true},
		{"0x3000_0000", 0x3000_0000, true},
		{"16MiB", 16 << 20, true},
		{"2 GiB", 2 << 30, true},
		{"64K", 64 << 10, true},
		{"big", 0, false},
		{"0xffffffffffffffffG", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseSize(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}
