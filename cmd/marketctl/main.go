// Command marketctl is the entry point of the escrow marketplace client. It
// loads configuration, validates it, wires dependencies, sets up signal
// handling, and starts the application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/p2pescrow/internal/app"
	"github.com/alanyoungcy/p2pescrow/internal/config"
	"github.com/alanyoungcy/p2pescrow/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	encryptKey := flag.String("encrypt-key", "", "write the configured wallet key to this path as an encrypted key file and exit")
	flag.Parse()

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if *encryptKey != "" {
		if err := writeKeyFile(cfg, *encryptKey); err != nil {
			logger.Error("encrypt key failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("encrypted key file written", slog.String("path", *encryptKey))
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("marketplace client starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)
	logger.Debug("effective configuration", slog.Any("config", config.RedactedConfig(cfg)))

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("marketplace client stopped")
}

// writeKeyFile seals wallet.private_key with wallet.key_password.
func writeKeyFile(cfg *config.Config, path string) error {
	if cfg.Wallet.PrivateKey == "" {
		return errors.New("wallet.private_key is not set")
	}
	signer, err := crypto.LoadSigner(crypto.KeyConfig{
		PrivateKey: cfg.Wallet.PrivateKey,
		Scheme:     cfg.Wallet.Scheme,
	})
	if err != nil {
		return err
	}
	data, err := crypto.EncryptSigner(signer, cfg.Wallet.KeyPassword)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
