package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/cerebrate/internal/config"
	"github.com/ryandielhenn/cerebrate/internal/logging"
	"github.com/ryandielhenn/cerebrate/pkg/node"
)

type loader func(*cobra.Command) (config.Config, error)

func runCmd(load loader) *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run this node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if dev {
				cfg.Development = true
			}
			log, err := logging.New(cfg.LogLevel, cfg.Development)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			n, err := node.New(cfg, log)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := n.Run(ctx); err != nil {
				return fmt.Errorf("run: %w", err)
			}
			if n.RestartRequested() {
				log.Info("restarting")
				_ = log.Sync()
				return reexec()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dev, "dev", false, "Human-readable console logging")
	return cmd
}

// quietLogger is for one-shot commands that only report errors.
func quietLogger() *zap.Logger {
	log, err := logging.New("error", true)
	if err != nil {
		return zap.NewNop()
	}
	return log
}
