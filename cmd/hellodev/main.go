package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tinyrange/hellodev/internal/machine"
)

var (
	configPath string
	logLevel   string
	seedFlag   uint64
)

var rootCmd = &cobra.Command{
	Use:   "hellodev",
	Short: "Virtual PCI hello device",
	Long: `hellodev builds a small machine with guest RAM, a PCI host bridge and one
or more PCI hello devices, then drives guest accesses against it.

The device exposes a 64-byte MMIO window, a 16-byte I/O window, a DMA engine
that copies random bytes into guest RAM and a legacy interrupt on pin B.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(cmd.ErrOrStderr(), logLevel)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "machine config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Uint64Var(&seedFlag, "seed", 0, "seed DMA payloads (0 keeps the config value)")
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// loadMachine builds a machine from --config, or the default layout.
func loadMachine(fs afero.Fs) (*machine.Machine, error) {
	cfg := machine.DefaultConfig()
	if configPath != "" {
		loaded, err := machine.LoadConfig(fs, configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if seedFlag != 0 {
		seed := seedFlag
		cfg.Seed = &seed
	}
	return machine.New(cfg, machine.WithLogger(slog.Default()))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
