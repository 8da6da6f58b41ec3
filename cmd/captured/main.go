// Command captured runs the hardware capture server: the shared
// circular capture buffer, the capture coordinator, and the
// control/data listeners.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pandafabric/captured/internal/config"
	"github.com/pandafabric/captured/internal/hw"
	"github.com/pandafabric/captured/internal/logging"
	"github.com/pandafabric/captured/internal/server"
	"github.com/pandafabric/captured/internal/xcmd"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	ConfigPath string
	Simulate   bool
}

var rootCmd = &cobra.Command{
	Use:   "captured",
	Short: "Hardware capture server core: circular capture buffer + LUT compiler",
	Run: func(rawCmd *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.MarkFlagRequired("config")
	rootCmd.Flags().BoolVar(&cmd.Simulate, "simulate", false, "Drive the capture coordinator from a deterministic simulated hardware source instead of a real driver")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg, err := config.LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, _, err := logging.Init(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	if !cmd.Simulate {
		// A real register-level driver behind the Hardware interface
		// is not wired in yet; --simulate is the only backing this
		// binary ships with.
		log.Warn("no real hardware driver wired in; running with simulated hardware")
	}
	hardware := hw.NewSimulated(1)

	srv := server.New(cfg, hardware, log)

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return srv.Run(ctx)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}
