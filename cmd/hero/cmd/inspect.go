package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dylandreimerink/hero"
)

func init() {
	rootCmd.AddCommand(inspectCmd)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [IMAGE]",
	Short: "Show the segments and symbols of a device image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		c, err := hero.ParseContainer(data)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "digest: %s\n", hex.EncodeToString(c.Digest[:]))
		fmt.Fprintf(out, "entry:  0x%08x\n\n", c.Entry)

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tFLAGS\tVADDR\tMEMSZ\tFILESZ")
		for _, s := range c.Segments {
			fmt.Fprintf(w, "%s\t%s\t0x%08x\t0x%x\t0x%x\n", s.Type, s.Flags, s.Vaddr, s.Memsz, s.Filesz)
		}
		w.Flush()

		names := make([]string, 0, len(c.Symbols))
		for name := range c.Symbols {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SYMBOL\tADDR")
		for _, name := range names {
			fmt.Fprintf(w, "%s\t0x%08x\n", name, c.Symbols[name])
		}
		return w.Flush()
	},
}
