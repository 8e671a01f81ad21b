package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/masharratt/QuDAG/internal/crypto"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage; "" disables it.
	DataPath string

	// QUICAddress is the QUIC P2P listen address.
	QUICAddress string

	// KeyPath is the path to the ML-DSA signing key file.
	KeyPath string

	// SigningKey is the node's long-term identity key.
	SigningKey *crypto.SigningKey

	// Peers are the addresses to dial at startup.
	Peers []string

	// Bootstrap indicates this node creates the genesis vertex.
	Bootstrap bool

	// RedisAddr optionally points the dark resolver at a shared Redis
	// directory instead of the in-process table.
	RedisAddr string

	// Hops is the onion circuit length.
	Hops int

	// ShadowTTL is the lifetime of generated shadow names.
	ShadowTTL time.Duration

	// Debug enables debug logging.
	Debug bool
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}
	var peers string

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path (empty for ephemeral)")
	flag.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC P2P address")
	flag.StringVar(&cfg.KeyPath, "key", "", "Signing key path (generates new if missing)")
	flag.StringVar(&peers, "peers", "", "Comma-separated peer addresses to dial")
	flag.BoolVar(&cfg.Bootstrap, "bootstrap", false, "Bootstrap mode (creates genesis)")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "Redis directory address (optional)")
	flag.IntVar(&cfg.Hops, "hops", 3, "Onion circuit hop count")
	flag.DurationVar(&cfg.ShadowTTL, "shadow-ttl", time.Hour, "Shadow name lifetime")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if peers != "" {
		cfg.Peers = strings.Split(peers, ",")
	}
	return cfg
}

// loadOrGenerateKey loads the signing key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (*crypto.SigningKey, error) {
	if keyPath == "" {
		return crypto.GenerateSigningKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key, err := crypto.ParseSigningKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	return key, nil
}

// generateAndSaveKey creates a new key and writes it with owner-only
// permissions.
func generateAndSaveKey(keyPath string) (*crypto.SigningKey, error) {
	key, err := crypto.GenerateSigningKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(keyPath, key.Bytes(), 0o600); err != nil {
		return nil, fmt.Errorf("save key: %w", err)
	}
	return key, nil
}
