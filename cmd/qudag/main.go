package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/masharratt/QuDAG/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg := parseFlags()

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger.Init(level)

	var err error
	cfg.SigningKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}

	node, err := newNode(cfg)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	printStartupInfo(cfg, node)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return node.Run(ctx)
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config, n *qudagNode) {
	slog.Info("starting qudag node",
		"id", n.net.LocalID(),
		"quic", cfg.QUICAddress,
		"data", cfg.DataPath,
		"bootstrap", cfg.Bootstrap,
		"hops", cfg.Hops,
	)
	if cfg.RedisAddr != "" {
		slog.Info("using redis directory", "addr", cfg.RedisAddr)
	}
}
