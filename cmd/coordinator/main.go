package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/salazarsebas/iasppt/internal/api"
	"github.com/salazarsebas/iasppt/internal/bootstrap"
	"github.com/salazarsebas/iasppt/internal/config"
	"github.com/salazarsebas/iasppt/internal/keeper"
	"github.com/salazarsebas/iasppt/internal/nodegrpc"
	"github.com/salazarsebas/iasppt/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		hclog.Default().Error("load config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger("ias-coordinator", cfg.LogLevel, os.Stderr)

	shutdownTrace, err := observability.InitTracingFromEnv("ias-coordinator")
	if err != nil {
		logger.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	cp, err := bootstrap.NewControlPlane(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap control plane", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := cp.Close(context.Background()); err != nil {
			logger.Warn("close control plane", "error", err)
		}
	}()

	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewServer(cp.Coordinator, api.Options{
			Logger:                   logger,
			SubmitPerRequesterPerMin: cfg.RateLimit.SubmitPerRequesterPerMin,
			SubmitGlobalPerMin:       cfg.RateLimit.SubmitGlobalPerMin,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}),
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	if len(cfg.GRPCTokens) == 0 {
		logger.Warn("grpc node tokens not configured, node identity is not enforced")
	}
	grpcSrv := nodegrpc.NewGRPCServer(nodegrpc.NewServer(cp.Coordinator, logger), nodegrpc.Credentials(cfg.GRPCTokens))
	lis, grpcErr, err := nodegrpc.Serve(grpcSrv, cfg.GRPCAddr)
	if err != nil {
		logger.Error("grpc listen", "addr", cfg.GRPCAddr, "error", err)
		os.Exit(1)
	}
	logger.Info("grpc listening", "addr", lis.Addr().String(), "node_tokens", len(cfg.GRPCTokens))

	var k *keeper.Keeper
	if cfg.Keeper.Enabled {
		k, err = keeper.New(cp.Coordinator, cfg.Keeper.Schedule, logger)
		if err != nil {
			logger.Error("keeper", "error", err)
			os.Exit(1)
		}
		k.Start()
		logger.Info("keeper started", "schedule", cfg.Keeper.Schedule)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-httpErr:
		logger.Error("http server failed", "error", err)
	case err := <-grpcErr:
		if err != nil {
			logger.Error("grpc server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if k != nil {
		k.Stop(shutdownCtx)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	grpcSrv.GracefulStop()
}
