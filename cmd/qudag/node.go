package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/masharratt/QuDAG/internal/crypto"
	"github.com/masharratt/QuDAG/internal/dag"
	"github.com/masharratt/QuDAG/internal/dark"
	"github.com/masharratt/QuDAG/internal/network"
	"github.com/masharratt/QuDAG/internal/node"
	"github.com/masharratt/QuDAG/internal/onion"
	"github.com/masharratt/QuDAG/internal/storage"
)

// qudagNode bundles the coordinator with the resources it runs on.
type qudagNode struct {
	cfg   *Config
	net   *network.Node
	db    *storage.Store
	coord *node.Coordinator
	kemSK *crypto.KEMPrivateKey
}

// newNode assembles the network, storage and coordinator.
func newNode(cfg *Config) (*qudagNode, error) {
	kemPK, kemSK, err := crypto.GenerateKEMKeyPair()
	if err != nil {
		return nil, fmt.Errorf("KEM keygen: %w", err)
	}

	net, err := network.NewNode(network.Config{
		SigningKey:   cfg.SigningKey,
		KEMPublicKey: kemPK.Bytes(),
		ListenAddr:   cfg.QUICAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("network: %w", err)
	}

	var db *storage.Store
	if cfg.DataPath != "" {
		db, err = storage.Open(cfg.DataPath)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
	}

	coord, err := node.New(node.Config{
		Onion:     onion.BuilderConfig{HopCount: cfg.Hops},
		Resolver:  dark.Config{MaxShadowTTL: cfg.ShadowTTL},
		TipPolicy: dag.TipPolicyConfidence,
	}, cfg.SigningKey, kemSK, net, db)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := coord.UseDHT(dark.NewRedisDHT(client, 24*time.Hour)); err != nil {
			return nil, fmt.Errorf("redis directory: %w", err)
		}
	}

	return &qudagNode{cfg: cfg, net: net, db: db, coord: coord, kemSK: kemSK}, nil
}

// Run starts the node and blocks until ctx is cancelled.
func (n *qudagNode) Run(ctx context.Context) error {
	if err := n.coord.Restore(); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	if n.cfg.Bootstrap {
		genesis := &dag.Vertex{Payload: []byte("qudag-genesis"), Timestamp: uint64(time.Now().UnixNano())}
		genesis.Sign(n.cfg.SigningKey)
		if id, err := n.coord.Bootstrap(genesis); err == nil {
			slog.Info("genesis created", "id", id)
		}
	}

	if err := n.net.Start(); err != nil {
		return fmt.Errorf("start network: %w", err)
	}

	for _, addr := range n.cfg.Peers {
		if _, err := n.net.Connect(addr); err != nil {
			slog.Warn("initial dial failed", "addr", addr, "err", err)
		}
	}

	go n.logFinality(ctx)

	n.coord.Run(ctx)
	return n.close()
}

// logFinality reports finalized vertices until shutdown.
func (n *qudagNode) logFinality(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-n.coord.Finalized:
			slog.Info("vertex finalized", "id", id)
		}
	}
}

func (n *qudagNode) close() error {
	n.kemSK.Zeroize()
	if err := n.net.Close(); err != nil {
		slog.Warn("network close failed", "err", err)
	}
	if n.db != nil {
		return n.db.Close()
	}
	return nil
}
