package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tinyrange/hellodev/internal/devices/hello"
	"github.com/tinyrange/hellodev/internal/driver"
)

var regsCmd = &cobra.Command{
	Use:   "regs",
	Short: "List attached devices and their registers",
	Long: `Builds the machine, binds the guest hello driver by scanning configuration
space, and prints each device's placement and register file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := loadMachine(afero.NewOsFs())
		if err != nil {
			return err
		}
		defer m.Close()

		binder := driver.NewBinder(m.Host(), driver.Hello(nil), nil)
		bound, err := binder.Rescan()
		if err != nil {
			return fmt.Errorf("bind hello driver: %w", err)
		}
		defer binder.UnbindAll()
		boundAt := make(map[uint8]bool, len(bound))
		for _, f := range bound {
			boundAt[f.Device] = true
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTYPE\tBDF\tIO\tMMIO\tIRQ\tBOUND\tID\tIRQ_STATUS")
		for _, dev := range m.Devices() {
			var ioBase, mmioBase string
			for _, bar := range dev.BARs {
				if bar.IO {
					ioBase = fmt.Sprintf("%#x/%d", bar.Base, bar.Size)
				} else {
					mmioBase = fmt.Sprintf("%#x/%d", bar.Base, bar.Size)
				}
			}
			id, status := "-", "-"
			if fn, ok := m.Device(dev.Name); ok {
				if hd, ok := fn.(*hello.Device); ok {
					regs := hd.Registers()
					id = fmt.Sprintf("%#x", regs.ID)
					status = fmt.Sprintf("%t", regs.IRQAsserted)
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%t\t%s\t%s\n",
				dev.Name, dev.Type, dev.Location, ioBase, mmioBase, dev.IRQLine, boundAt[dev.Slot], id, status)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if !regsMap {
			return nil
		}

		fmt.Fprintln(cmd.OutOrStdout())
		w = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tNAME\tBASE\tEND")
		for _, r := range m.AddressMap() {
			fmt.Fprintf(w, "%s\t%s\t%#x\t%#x\n", r.Kind, r.Name, r.Base, r.Base+r.Size)
		}
		return w.Flush()
	},
}

var regsMap bool

func init() {
	regsCmd.Flags().BoolVar(&regsMap, "map", false, "also print the guest physical address map")
	rootCmd.AddCommand(regsCmd)
}
