package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"wrtd/pkg/config"
	"wrtd/pkg/daemon"
	"wrtd/pkg/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile, logLevel string
	cmd := &cobra.Command{
		Use:          "wrtd",
		Short:        "Cascade router daemon",
		Long:         "wrtd links home routers into a cascade that shares routers, prefixes and clients, and hands out non-overlapping /24s to local bridges.",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), envFile, logLevel)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "optional .env file read before the environment")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override "+config.Prefix+"LOG_LEVEL")
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "wrtd", version.String())
		},
	})
	return cmd
}

// run builds and runs the daemon, rebuilding it from scratch whenever the
// address plan changed under live bridges.
func run(ctx context.Context, envFile, logLevel string) error {
	for restarts := 0; ; restarts++ {
		cfg, err := loadConfig(envFile, logLevel)
		if err != nil {
			logrus.WithError(err).Error("invalid configuration")
			return err
		}
		log := logrus.NewEntry(cfg.Log.NewLogger())
		if restarts == 0 {
			log.WithField("version", version.String()).Info("starting wrtd")
		}

		d, err := daemon.New(ctx, cfg, log, daemon.Options{Restarts: restarts})
		if err != nil {
			log.WithError(err).Error("startup failed")
			return err
		}
		err = d.Run(ctx)
		switch {
		case errors.Is(err, daemon.ErrRestartRequired):
			log.WithField("restarts", restarts+1).Warn("address plan changed, restarting")
			continue
		case err != nil:
			log.WithError(err).Error("wrtd stopped")
			return err
		}
		log.Info("wrtd stopped")
		return nil
	}
}

func loadConfig(envFile, logLevel string) (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
