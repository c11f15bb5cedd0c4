// Command layer4lb is the process entrypoint: load config, start
// logging/metrics, build the Supervisor's rule runtimes, optionally join
// the gossip cluster, serve the admin API, and watch the config file for
// hot reloads until a termination signal arrives (spec.md §6).
//
// Grounded on go-server-3/cmd/odin-ws/main.go's wiring order (config →
// logger → metrics registry → long-lived components → signal-driven
// shutdown), translated from zap to zerolog and from a single transport
// server to the Supervisor's per-rule runtimes.
package main

import (
	"context"
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adred-codev/layer4lb/internal/adminapi"
	"github.com/adred-codev/layer4lb/internal/config"
	"github.com/adred-codev/layer4lb/internal/gossip"
	"github.com/adred-codev/layer4lb/internal/logging"
	"github.com/adred-codev/layer4lb/internal/metrics"
	"github.com/adred-codev/layer4lb/internal/supervisor"

	_ "go.uber.org/automaxprocs"
)

// Exit codes per spec.md §6.
const (
	exitOK           = 0
	exitInvalidConfig = 64
	exitBindFailure  = 70
	exitUnexpected   = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the rule-set YAML config file")
	adminAddr := flag.String("admin-addr", "", "override the admin API listen address")
	logLevel := flag.String("log-level", "", "override the log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "override the log format (json, console)")
	flag.Parse()

	envOverrides, err := config.LoadEnvOverrides()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse environment overrides: %v\n", err)
		return exitInvalidConfig
	}

	level := envOverrides.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	format := envOverrides.LogFormat
	if *logFormat != "" {
		format = *logFormat
	}
	logger := logging.New(logging.Config{Level: level, Format: format})

	if *configPath == "" {
		logger.Error().Msg("--config is required")
		return exitInvalidConfig
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load config")
		return exitInvalidConfig
	}

	registry := metrics.NewRegistry()
	sampleStop := make(chan struct{})
	registry.StartProcessSampler(sampleStop, 15*time.Second)
	defer close(sampleStop)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	super := supervisor.New(ctx, envOverrides.NumAcceptors, logger)
	super.SetMetrics(registry)

	var gossipNode *gossip.Node
	if cfg.Cluster.Enabled {
		gossipNode, err = gossip.New(randomNodeID(*configPath), cfg.Cluster.BindAddr, cfg.Cluster.Peers, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to start cluster gossip node")
			return exitBindFailure
		}
		gossipNode.WithMetrics(registry)
		super.SetGossipNode(gossipNode)
		gossipNode.Start()
		defer gossipNode.Close()
	}

	super.Apply(cfg)
	defer super.Shutdown()

	adminListenAddr := envOverrides.AdminAddr
	if *adminAddr != "" {
		adminListenAddr = *adminAddr
	}
	admin := adminapi.New(adminListenAddr, registry, super, logger)

	if err := config.Watch(ctx, *configPath, logger, func(newCfg *config.Config) {
		super.Apply(newCfg)
	}); err != nil {
		logger.Warn().Err(err).Msg("config watcher failed to start, hot reload disabled")
	}

	logger.Info().Str("config", *configPath).Int("rules", len(cfg.Rules)).Msg("layer4lb started")

	if err := admin.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("admin api exited with error")
		return exitUnexpected
	}

	logger.Info().Msg("shutdown complete")
	return exitOK
}

// randomNodeID derives a stable per-process node identifier from the
// config path and current time; it only needs to be distinct enough
// across cluster peers to suppress gossip loop-back (spec.md §4.9), not
// globally unique.
func randomNodeID(seed string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	_, _ = h.Write([]byte(time.Now().String()))
	return h.Sum64()
}
