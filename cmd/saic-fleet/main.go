package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jkaberg/saic-fleet/internal/app"
	"github.com/jkaberg/saic-fleet/internal/config"
)

// version is injected at build time via ldflags
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "saic-fleet",
		Short:         "Fleet telemetry ingestion and command dispatch for SAIC/MG vehicles",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				logrus.WithError(err).Error("Invalid configuration")
				return err
			}
			logger := setupLogger(cfg.Verbose, cfg.LogFormat)
			logger.WithFields(logrus.Fields{
				"version": version,
				"broker":  cfg.MQTTBrokerURL,
				"account": cfg.SAICUser,
				"store":   cfg.StoreDriver,
			}).Info("Starting saic-fleet")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sig
				logger.Info("Shutdown signal received")
				cancel()
			}()

			if err := app.Run(ctx, cfg, logger); err != nil {
				logger.WithError(err).Error("saic-fleet exited with error")
				return err
			}
			logger.Info("saic-fleet stopped")
			return nil
		},
	}
	config.AddFlags(cmd.Flags())
	return cmd
}

func setupLogger(verbose bool, format string) *logrus.Logger {
	l := logrus.New()
	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}
