package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dylandreimerink/hero"
)

func init() {
	rootCmd.AddCommand(loadCmd)
	loadCmd.Flags().StringP("config", "c", "", "Accelerator config (YAML), defaults to the HERO memory map")
	loadCmd.Flags().StringP("device", "d", "", "Device file to map, a simulated platform is used if empty")
	loadCmd.Flags().StringSliceP("entry", "e", nil, "Offload entry the image must define")
}

var loadCmd = &cobra.Command{
	Use:   "load [IMAGE]",
	Short: "Resolve and load a device image into accelerator memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		devPath, err := cmd.Flags().GetString("device")
		if err != nil {
			return err
		}
		names, err := cmd.Flags().GetStringSlice("entry")
		if err != nil {
			return err
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		var platform *hero.MemoryPlatform
		if devPath != "" {
			platform, err = hero.OpenMappedPlatform(devPath, cfg)
		} else {
			platform, err = hero.NewMemoryPlatform(cfg)
		}
		if err != nil {
			return err
		}
		defer platform.Close()

		id, err := cfg.DeviceID()
		if err != nil {
			return err
		}
		opts := append(cfg.DeviceOpts(),
			hero.DeviceOptLogger(logger),
			hero.DeviceOptShared(platform),
			hero.DeviceOptCopier(platform.Copier()),
		)
		dev, err := hero.NewDevice(id, platform, opts...)
		if err != nil {
			return err
		}

		sess, err := dev.Load(hero.Image{Bytes: data, Entries: hostEntries(names)})
		if err != nil {
			return err
		}
		defer sess.Close()

		out := cmd.OutOrStdout()
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VADDR\tAPERTURE\tOFFSET\tWRITTEN\tZEROED")
		for _, p := range sess.Report().Placements {
			fmt.Fprintf(w, "0x%08x\t%s\t0x%x\t%d\t%d\n", p.Segment.Vaddr, p.Aperture, p.Offset, p.Written, p.Zeroed)
		}
		for _, s := range sess.Report().Skipped {
			fmt.Fprintf(w, "0x%08x\t(skipped)\t\t\t\n", s.Vaddr)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		for _, e := range sess.Entries() {
			fmt.Fprintf(out, "entry %s at 0x%08x\n", e.Name, e.Addr)
		}
		return nil
	},
}
