package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dylandreimerink/hero"
	"github.com/dylandreimerink/hero/sim"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("config", "c", "", "Accelerator config (YAML), defaults to the HERO memory map")
	runCmd.Flags().StringP("entry", "e", "", "Offload entry to launch")
	runCmd.Flags().StringSliceP("arg", "a", nil, "Kernel argument, decimal or 0x prefixed hex")
	runCmd.Flags().Bool("cosched", false, "Enable the co-scheduling vote handshake")
	runCmd.MarkFlagRequired("entry")
}

var runCmd = &cobra.Command{
	Use:   "run [IMAGE]",
	Short: "Load a device image and launch an entry on a simulated accelerator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		entry, err := cmd.Flags().GetString("entry")
		if err != nil {
			return err
		}
		rawArgs, err := cmd.Flags().GetStringSlice("arg")
		if err != nil {
			return err
		}
		cosched, err := cmd.Flags().GetBool("cosched")
		if err != nil {
			return err
		}

		values := make([]uint64, len(rawArgs))
		for i, raw := range rawArgs {
			values[i], err = strconv.ParseUint(raw, 0, 64)
			if err != nil {
				return fmt.Errorf("argument %d: %w", i, err)
			}
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		platform, err := hero.NewMemoryPlatform(cfg)
		if err != nil {
			return err
		}
		defer platform.Close()

		id, err := cfg.DeviceID()
		if err != nil {
			return err
		}

		hostMB, devMB := hero.NewMailboxPair(cfg.Mailbox.Depth)
		layout := hero.ConsoleLayout{Cores: cfg.Console.Cores, Size: cfg.Console.Size}
		simOpts := []sim.Opt{
			sim.OptConsoleLayout(layout),
			sim.OptArgCapacity(cfg.ArgCapacity),
			sim.OptLogger(logger.Named("sim")),
		}
		opts := append(cfg.DeviceOpts(),
			hero.DeviceOptLogger(logger),
			hero.DeviceOptMailbox(hostMB),
			hero.DeviceOptShared(platform),
			hero.DeviceOptCopier(platform.Copier()),
			hero.DeviceOptConsole(cmd.OutOrStdout()),
		)
		if cosched {
			simOpts = append(simOpts, sim.OptCoScheduling())
			opts = append(opts, hero.DeviceOptCoScheduler(&hero.VoteChannel{}))
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		simDev := sim.New(devMB, platform, simOpts...)
		simDone := make(chan error, 1)
		go func() {
			simDone <- simDev.Run(ctx)
		}()

		dev, err := hero.NewDevice(id, platform, opts...)
		if err != nil {
			return err
		}
		sess, err := dev.Load(hero.Image{Bytes: data, Entries: hostEntries([]string{entry})})
		if err != nil {
			return err
		}
		defer sess.Close()

		res, err := sess.RunEntry(ctx, entry, hero.Args(values...))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s completed in %d cycles\n", entry, res.Cycles)

		cancel()
		if err := <-simDone; err != nil {
			logger.Warn("simulated device", zap.Error(err))
		}
		return nil
	},
}
