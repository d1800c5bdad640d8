// Command escrowd runs the escrow auction service: the auction controller
// behind an HTTP gateway, with optional Redis event broadcast and NATS
// JetStream audit archival.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cloudx-io/openescrow/archive"
	"github.com/cloudx-io/openescrow/auction"
	"github.com/cloudx-io/openescrow/broadcast"
	"github.com/cloudx-io/openescrow/config"
	"github.com/cloudx-io/openescrow/gateway"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	hub := gateway.NewHub(logger)
	sinks := auction.MultiSink{hub}

	if cfg.RedisAddr != "" {
		publisher, err := broadcast.NewPublisher(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisChannel, logger)
		if err != nil {
			logger.Fatal("redis broadcast setup failed", zap.Error(err))
		}
		defer func() { _ = publisher.Close() }()
		sinks = append(sinks, publisher)
		logger.Info("event broadcast enabled", zap.String("redis", cfg.RedisAddr), zap.String("channel", cfg.RedisChannel))
	}

	if cfg.NatsURL != "" {
		conn, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			logger.Fatal("NATS connection failed", zap.Error(err))
		}
		defer conn.Close()
		archiver, err := archive.NewArchiver(conn, logger)
		if err != nil {
			logger.Fatal("event archival setup failed", zap.Error(err))
		}
		defer archiver.Close()
		sinks = append(sinks, archiver)
		logger.Info("event archival enabled", zap.String("nats", cfg.NatsURL))
	}

	// The in-memory bank records outbound transfers in process; a production
	// deployment swaps in its payment integration here.
	bank := auction.NewMemoryBank()

	a, err := auction.New(auction.Config{
		Operator:           cfg.Operator,
		StartingPrice:      cfg.StartingPrice,
		Duration:           cfg.AuctionDuration,
		ExtensionWindow:    cfg.ExtensionWindow,
		IncrementPct:       cfg.IncrementPct,
		CommissionPct:      cfg.CommissionPct,
		AllowForceFinalize: cfg.AllowForceFinalize,
		Bank:               bank,
		Sink:               sinks,
	})
	if err != nil {
		logger.Fatal("auction setup failed", zap.Error(err))
	}
	if cfg.AllowForceFinalize {
		logger.Warn("force-finalize override is enabled; do not run this in production")
	}

	handler := gateway.NewHandler(a, hub, logger)
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("escrowd listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("operator", cfg.Operator),
			zap.Uint64("starting_price", cfg.StartingPrice))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
