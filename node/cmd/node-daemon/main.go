package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/salazarsebas/iasppt/internal/nodegrpc"
	"github.com/salazarsebas/iasppt/internal/observability"
	"github.com/salazarsebas/iasppt/node/internal/config"
	"github.com/salazarsebas/iasppt/node/internal/executor"
	"github.com/salazarsebas/iasppt/node/internal/heartbeat"
	"github.com/salazarsebas/iasppt/node/internal/models"
	"github.com/salazarsebas/iasppt/node/internal/prover"
	"github.com/salazarsebas/iasppt/node/internal/registration"
	"github.com/salazarsebas/iasppt/node/internal/runtime"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()
	logger := observability.NewLogger("ias-node", cfg.LogLevel, os.Stderr).With("node", cfg.NodeID)

	shutdownTrace, err := observability.InitTracingFromEnv("ias-node-daemon")
	if err != nil {
		logger.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	p, err := prover.New(cfg.ProofMode, cfg.PrivateKeyHex)
	if err != nil {
		logger.Error("proof mode", "error", err)
		os.Exit(1)
	}
	router, err := models.LoadFile(cfg.ModelRoutesFile)
	if err != nil {
		logger.Error("model routes", "error", err)
		os.Exit(1)
	}
	client, err := nodegrpc.Dial(cfg.CoordinatorAddr, cfg.Token)
	if err != nil {
		logger.Error("dial coordinator", "addr", cfg.CoordinatorAddr, "error", err)
		os.Exit(1)
	}
	defer client.Close()

	if _, err := registration.Register(ctx, client, cfg, p.PublicKey(), logger); err != nil {
		logger.Error("register node", "error", err)
		os.Exit(1)
	}

	hb := heartbeat.New(client, cfg.NodeID, cfg.HeartbeatInterval, cfg.HeartbeatRetries, logger)
	rt := runtime.New(cfg, client, executor.New(cfg, router), p, hb, logger)
	logger.Info("node daemon started", "coordinator", cfg.CoordinatorAddr, "parallel", cfg.MaxParallelTasks, "proof_mode", cfg.ProofMode)
	if err := rt.Run(ctx); err != nil {
		logger.Error("runtime stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("node daemon stopped")
}
