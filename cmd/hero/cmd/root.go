package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dylandreimerink/hero"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:           "hero",
	Short:         "Load and launch kernels on a HERO accelerator",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbose, err := cmd.Flags().GetBool("verbose")
		if err != nil {
			return err
		}

		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output")
}

// Execute runs the root command
func Execute() {
	err := rootCmd.Execute()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig returns the config at --config, or the default config if the flag is empty.
func loadConfig(cmd *cobra.Command) (*hero.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path == "" {
		return hero.DefaultConfig(), nil
	}
	return hero.LoadConfig(path)
}

// hostEntries makes up host entries for the named kernels. There is no host binary, so each entry gets a distinct
// non-zero placeholder address.
func hostEntries(names []string) []hero.OffloadEntry {
	entries := make([]hero.OffloadEntry, len(names))
	for i, name := range names {
		entries[i] = hero.OffloadEntry{Name: name, Addr: uint64(i + 1)}
	}
	return entries
}
