// Knowd is the knowledge-orchestration daemon. It serves the container
// store, runs methodology tasks, and exchanges contribution candidates
// with peers over NATS.
//
// Usage:
//
//	# Start with defaults
//	knowd
//
//	# Point at a config file
//	knowd -config /etc/knowd/config.yaml
//
//	# Override single settings via environment
//	KNOWD_SERVER_ADDR=:7000 knowd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/capability"
	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/contribution"
	"github.com/fyrsmithlabs/knowd/internal/embeddings"
	"github.com/fyrsmithlabs/knowd/internal/logging"
	"github.com/fyrsmithlabs/knowd/internal/runtime"
	"github.com/fyrsmithlabs/knowd/internal/server"
	"github.com/fyrsmithlabs/knowd/internal/store"
	"github.com/fyrsmithlabs/knowd/internal/task"
	"github.com/fyrsmithlabs/knowd/internal/telemetry"
	"github.com/fyrsmithlabs/knowd/internal/transport"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("knowd %s (%s)\n", version, gitCommit)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("knowd: %v", err)
	}
}

// run wires every subsystem and blocks until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting knowd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("peer_id", cfg.Transport.PeerID),
	)

	idx, err := store.NewIndex(cfg.Store.Index, logger)
	if err != nil {
		return fmt.Errorf("initializing vector index: %w", err)
	}
	st, err := store.Open(cfg.Store, idx, logger)
	if err != nil {
		return fmt.Errorf("opening container store: %w", err)
	}
	defer func() { _ = st.Close() }()

	embedder, err := embeddings.New(cfg.Embeddings)
	if err != nil {
		return fmt.Errorf("initializing embedder: %w", err)
	}
	defer func() { _ = embedder.Close() }()

	registry := capability.NewRegistry(logger)
	if cfg.Capabilities.ManifestPath != "" {
		manifest, err := os.ReadFile(cfg.Capabilities.ManifestPath)
		if err != nil {
			return fmt.Errorf("reading capability manifest: %w", err)
		}
		if err := registry.LoadManifest(manifest); err != nil {
			return fmt.Errorf("loading capability manifest: %w", err)
		}
	}
	if cfg.Capabilities.DescriptorParent != "" {
		if _, err := capability.MirrorDescriptors(ctx, registry, st, cfg.Capabilities.DescriptorParent, logger); err != nil {
			return fmt.Errorf("mirroring capability descriptors: %w", err)
		}
	}

	rt := runtime.New(st, registry, cfg.Runtime, logger)

	tasks, err := task.NewManager(cfg.Task, rt, logger)
	if err != nil {
		return fmt.Errorf("initializing task manager: %w", err)
	}
	defer func() { _ = tasks.Close() }()
	if err := tasks.Start(ctx); err != nil {
		return fmt.Errorf("starting task manager: %w", err)
	}

	tr, err := transport.Connect(cfg.Transport, logger)
	if err != nil {
		return fmt.Errorf("connecting peer transport: %w", err)
	}
	defer func() { _ = tr.Close() }()

	contrib, err := contribution.NewPipeline(cfg.Contribution, st, rt, registry, tr, logger)
	if err != nil {
		return fmt.Errorf("initializing contribution pipeline: %w", err)
	}
	defer func() { _ = contrib.Close() }()
	if err := contrib.Start(ctx); err != nil {
		return fmt.Errorf("starting contribution pipeline: %w", err)
	}
	if err := contrib.ServePeers(ctx); err != nil {
		return fmt.Errorf("serving peer verification: %w", err)
	}

	srv, err := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		ServiceName:     cfg.Telemetry.ServiceName,
	}, server.Deps{
		Store:    st,
		Embedder: embedder,
		Tasks:    tasks,
		Contrib:  contrib,
		Metrics:  tel.MetricsHandler(),
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	logger.Info("knowd ready",
		zap.String("health", "/health"),
		zap.String("metrics", "/metrics"),
		zap.Int64("containers", st.Count()),
	)

	return srv.Start(ctx)
}
