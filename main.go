package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/paychat/internal/adapter/agentclient"
	"github.com/xiaot623/paychat/internal/adapter/clearnode"
	"github.com/xiaot623/paychat/internal/authz"
	"github.com/xiaot623/paychat/internal/config"
	"github.com/xiaot623/paychat/internal/logger"
	"github.com/xiaot623/paychat/internal/repository"
	"github.com/xiaot623/paychat/internal/service"
	httpserver "github.com/xiaot623/paychat/internal/transport/http"
	"github.com/xiaot623/paychat/internal/transport/rpc"
	"github.com/xiaot623/paychat/policy"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, ServiceName: "paychat"})
	log := logger.L()

	log.Info().
		Int("http_port", cfg.HTTPPort).
		Int("rpc_port", cfg.RPCPort).
		Str("database_driver", cfg.DatabaseDriver).
		Bool("channel_enabled", cfg.ChannelEnabled()).
		Msg("starting paychat")

	// Initialize store
	db, err := repository.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer db.Close()

	// Initialize policy engine
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize policy engine")
	}

	// Initialize channel bridge
	var assetCache clearnode.AssetCache = clearnode.NewMemoryAssetCache(cfg.AssetCacheTTL)
	if cfg.RedisURL != "" {
		redisCache, err := clearnode.NewRedisAssetCache(cfg.RedisURL, cfg.AssetCacheTTL)
		if err != nil {
			log.Warn().Err(err).Msg("redis asset cache unavailable, using in-memory cache")
		} else {
			defer redisCache.Close()
			assetCache = redisCache
		}
	}
	bridge, err := clearnode.New(clearnode.Config{
		URL:            cfg.ClearNodeURL,
		PrivateKey:     cfg.OperatorPrivateKey,
		ChainID:        cfg.ChainID,
		Application:    cfg.ChannelApplication,
		Scope:          cfg.ChannelScope,
		Asset:          cfg.ChannelAsset,
		FallbackAssets: cfg.ChannelFallbackAssets,
		RequestTimeout: cfg.ChannelRequestTimeout,
	}, clearnode.WithAssetCache(assetCache))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize channel bridge")
	}
	if bridge.Enabled() {
		log.Info().Str("operator", bridge.Operator()).Str("url", cfg.ClearNodeURL).Msg("channel bridge enabled")
	} else {
		log.Warn().Msg("channel bridge not configured, settlements stay local")
	}

	// Initialize metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(registry)

	// Initialize service
	verifier := authz.NewVerifier(cfg.AppName, cfg.ChainID)
	svc := service.New(db, verifier, policyEngine, bridge, agentclient.NewClient(cfg.AgentTimeout), cfg, metrics)

	httpServer := httpserver.NewServer(svc, registry)
	rpcServer, err := rpc.NewServer(svc)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize rpc server")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		log.Info().Str("addr", addr).Msg("http api listening")
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.RPCPort)
		log.Info().Str("addr", addr).Msg("rpc listening")
		if err := rpcServer.Start(addr); err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		svc.RunSettlementSweeper(gctx, cfg.SettleSweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down paychat")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("failed to shutdown http server gracefully")
		}
		if err := rpcServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("failed to shutdown rpc server gracefully")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("paychat stopped with error")
		return
	}
	log.Info().Msg("paychat stopped")
}
