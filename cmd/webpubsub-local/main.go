package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/sidorares/webpubsub-local/internal/server"
	"github.com/sidorares/webpubsub-local/pkg/config"
	"github.com/sidorares/webpubsub-local/pkg/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "webpubsub-local:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("webpubsub-local", pflag.ContinueOnError)
	config.RegisterFlags(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}

	bootstrap := logging.Bootstrap(logging.LevelInfo)
	cfg, err := config.Load(bootstrap, flags)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if cfg.Server.Auth.JWTSecret == "default-secret-key-change-me" {
		logger.Warn("Using the default JWT secret; set server.auth.jwtSecret for anything but local testing")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(logger, ctx, cfg)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		return err
	}
	logger.Info("Application shut down successfully.")
	return nil
}
