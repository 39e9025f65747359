package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/dottedkv/internal/cluster"
	"github.com/devrev/dottedkv/internal/config"
	"github.com/devrev/dottedkv/internal/node"
	"github.com/devrev/dottedkv/internal/ring"
	"github.com/devrev/dottedkv/internal/storage/memengine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Uint8("partition_exponent", cfg.Ring.PartitionExponent),
		zap.Int("replication_factor", cfg.Ring.ReplicationFactor))

	reg := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	var n *node.Node
	engines := memengine.NewRegistry()

	if cfg.Gossip.Enabled {
		var membership *cluster.Membership
		membership, err = cluster.New(&cluster.Config{
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
			RingExponent:   cfg.Ring.PartitionExponent,
		}, cfg.Server.NodeID, func(snap *ring.Snapshot) {
			if n != nil {
				n.UpdateRing(snap)
			}
		}, logger)
		if err != nil {
			logger.Fatal("Failed to start membership", zap.Error(err))
		}
		defer membership.Shutdown()

		snap, serr := membership.Snapshot()
		if serr != nil {
			logger.Fatal("Failed to build initial ring", zap.Error(serr))
		}
		n, err = node.New(cfg, snap, engines.Factory, reg, logger)
	} else {
		var snap *ring.Snapshot
		snap, err = ring.NewSnapshot(cfg.Ring.PartitionExponent, []string{cfg.Server.NodeID})
		if err != nil {
			logger.Fatal("Failed to build ring", zap.Error(err))
		}
		n, err = node.New(cfg, snap, engines.Factory, reg, logger)
	}
	if err != nil {
		logger.Fatal("Failed to start node", zap.Error(err))
	}
	n.StartEntropy()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))
	n.Stop()
}

func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}
