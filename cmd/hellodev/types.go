package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tinyrange/hellodev/internal/machine"
)

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List the device types that can be attached",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := machine.DefaultRegistry()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tVENDOR\tDEVICE\tCLASS\tPIN\tBARS\tDESCRIPTION")
		for _, name := range reg.Names() {
			t, _ := reg.Lookup(name)
			var bars string
			for i, bar := range t.BARs {
				if i > 0 {
					bars += ","
				}
				kind := "mem"
				if bar.IO {
					kind = "io"
				}
				bars += fmt.Sprintf("%d:%s/%d", bar.Index, kind, bar.Size)
			}
			pin := "-"
			if t.InterruptPin != 0 {
				pin = string(rune('A' + t.InterruptPin - 1))
			}
			fmt.Fprintf(w, "%s\t%#06x\t%#06x\t%#08x\t%s\t%s\t%s\n",
				name, t.VendorID, t.DeviceID, t.ClassCode, pin, bars, t.Description)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(typesCmd)
}
