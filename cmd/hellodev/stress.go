package main

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"golang.org/x/time/rate"

	"github.com/tinyrange/hellodev/internal/devices/hello"
	"github.com/tinyrange/hellodev/internal/machine"
)

var (
	stressDevice     string
	stressVCPUs      int
	stressIterations int
	stressRate       float64
	stressDMAEvery   int
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Hammer a device from concurrent vCPUs",
	Long: `Runs several vCPUs against one device at once. Each iteration writes the
ID register, toggles the interrupt and reads the status back; every
--dma-every iterations a vCPU also triggers a DMA into its own RAM slice.
Afterwards the status register is checked against the interrupt line.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if stressVCPUs < 1 || stressIterations < 1 {
			return fmt.Errorf("--vcpus and --iterations must be positive")
		}
		m, err := loadMachine(afero.NewOsFs())
		if err != nil {
			return err
		}
		defer m.Close()

		dev, err := findDevice(m, stressDevice)
		if err != nil {
			return err
		}
		var ioBase, mmioBase uint64
		for _, bar := range dev.BARs {
			if bar.IO {
				ioBase = bar.Base
			} else {
				mmioBase = bar.Base
			}
		}
		slice := uint64(hello.DMABufferSize+0xfff) &^ 0xfff
		if uint64(stressVCPUs)*slice > m.MemorySize() {
			return fmt.Errorf("%d vCPUs need %d bytes of RAM for DMA targets", stressVCPUs, uint64(stressVCPUs)*slice)
		}

		limit := rate.Inf
		if stressRate > 0 {
			limit = rate.Limit(stressRate)
		}
		limiter := rate.NewLimiter(limit, stressVCPUs)

		total := int64(stressVCPUs) * int64(stressIterations)
		var bar *progressbar.ProgressBar
		if out := cmd.ErrOrStderr(); isTerminal(out) {
			bar = progressbar.NewOptions64(total,
				progressbar.OptionSetWriter(out),
				progressbar.OptionSetDescription("stress"),
				progressbar.OptionShowCount(),
				progressbar.OptionThrottle(100*time.Millisecond),
			)
			defer bar.Close()
		}

		var ops, dmas atomic.Int64
		start := time.Now()
		g, ctx := errgroup.WithContext(cmd.Context())
		for i := 0; i < stressVCPUs; i++ {
			cpu := m.VCPU(i)
			target := m.MemoryBase() + uint64(i)*slice
			g.Go(func() error {
				for j := 0; j < stressIterations; j++ {
					if err := limiter.Wait(ctx); err != nil {
						return err
					}
					if err := cpu.WriteMMIO(mmioBase+hello.MMIORegID, 4, uint64(cpu.ID())<<16|uint64(j&0xffff)); err != nil {
						return err
					}
					if err := cpu.Out(uint16(ioBase)+hello.IORegIRQ, 4, uint64(j&1)); err != nil {
						return err
					}
					status, err := cpu.ReadMMIO(mmioBase+hello.MMIORegIRQStatus, 4)
					if err != nil {
						return err
					}
					if status > 1 {
						return fmt.Errorf("vcpu %d: status register read %#x", cpu.ID(), status)
					}
					if stressDMAEvery > 0 && j%stressDMAEvery == 0 {
						if err := cpu.Out(uint16(ioBase)+hello.IORegDMATrigger, 4, target); err != nil {
							return err
						}
						dmas.Add(1)
					}
					ops.Add(1)
					if bar != nil {
						_ = bar.Add(1)
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if bar != nil {
			_ = bar.Finish()
		}
		elapsed := time.Since(start)

		status, err := m.VCPU(0).ReadMMIO(mmioBase+hello.MMIORegIRQStatus, 4)
		if err != nil {
			return err
		}
		level := m.Interrupts().Level(dev.IRQLine)
		if (status == 1) != level {
			return fmt.Errorf("status register %d disagrees with line %d level %t", status, dev.IRQLine, level)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%d iterations on %d vCPUs (%d DMA transfers) in %s, irq line %d raised %d times\n",
			ops.Load(), stressVCPUs, dmas.Load(), elapsed.Round(time.Millisecond), dev.IRQLine, m.Interrupts().Raised(dev.IRQLine))
		return nil
	},
}

// isTerminal reports whether w is a file attached to a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func findDevice(m *machine.Machine, name string) (machine.DeviceStatus, error) {
	for _, dev := range m.Devices() {
		if dev.Name == name {
			return dev, nil
		}
	}
	return machine.DeviceStatus{}, fmt.Errorf("device %q not attached", name)
}

func init() {
	stressCmd.Flags().StringVar(&stressDevice, "device", "hello0", "device to target")
	stressCmd.Flags().IntVar(&stressVCPUs, "vcpus", 4, "number of concurrent vCPUs")
	stressCmd.Flags().IntVar(&stressIterations, "iterations", 10000, "iterations per vCPU")
	stressCmd.Flags().Float64Var(&stressRate, "rate", 0, "maximum iterations per second across all vCPUs (0 is unlimited)")
	stressCmd.Flags().IntVar(&stressDMAEvery, "dma-every", 1000, "trigger a DMA every N iterations (0 disables)")
	rootCmd.AddCommand(stressCmd)
}
