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

	"raftkv/internal/http"
	"raftkv/internal/service"
	"raftkv/pkg/cluster"
	"raftkv/pkg/compression"
	"raftkv/pkg/config"
	"raftkv/pkg/dberrors"
	"raftkv/pkg/metrics"
	"raftkv/pkg/raftadapter"
	"raftkv/pkg/storage"
	"raftkv/pkg/transport"
)

func main() {
	configPath := flag.String("config", "config/raftkv.yaml", "path to the YAML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("raftkv stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := initLogger(&cfg)

	topology, err := config.NewTopology(cfg.Cluster.Peers)
	if err != nil {
		return err
	}

	codec, err := compression.ParseCodec(cfg.Raft.SnapshotCompression)
	if err != nil {
		return err
	}
	st, err := storage.Open(cfg.Node.DataDir, storage.WithSnapshotCodec(codec))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.Close()

	prom := metrics.NewPrometheus()
	observers := []raftadapter.Observer{
		raftadapter.LogObserver(logger),
		metrics.RaftObserver(prom),
	}

	var view *cluster.ZKAnnouncer
	if len(cfg.Zookeeper.Servers) > 0 {
		selfAddr, _ := topology.Addr(cfg.Node.ID)
		zk, err := cluster.NewZKAnnouncer(cfg.Zookeeper.Servers, cfg.Zookeeper.Root,
			cfg.Zookeeper.SessionTimeout.Std(), cfg.Node.ID, selfAddr)
		if err != nil {
			return err
		}
		defer zk.Close()
		if err := zk.RegisterSelf(cfg.Zookeeper.SessionTimeout.Std()); err != nil {
			return fmt.Errorf("zookeeper register: %w", err)
		}
		observers = append(observers, zk)
		view = zk
	}

	network := transport.NewHTTPNetwork(topology, cfg.Transport.Timeout.Std())
	node, err := raftadapter.NewNode(&cfg, topology, st, network, observers...)
	if err != nil {
		return fmt.Errorf("start raft node: %w", err)
	}
	defer node.Stop()

	opts := http.Options{
		Listen:            cfg.Server.Listen,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Std(),
		Topology:          topology,
		Peer:              node,
		Metrics:           prom,
	}
	if view != nil {
		opts.Cluster = view
	}
	server := http.NewServer(service.New(node, cfg.Server.RequestTimeout.Std()), node, opts)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			slog.Error("Error stopping server", "error", err)
		}
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- node.Run(ctx)
	}()

	slog.Info("raftkv started", "id", cfg.Node.ID, "listen", cfg.Server.Listen, "peers", topology.Len())

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
		<-runErr
		return nil
	case err := <-runErr:
		if errors.Is(err, dberrors.ErrPersistence) {
			return fmt.Errorf("node aborted: %w", err)
		}
		return err
	}
}
