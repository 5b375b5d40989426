package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dongshu2013/the-sniper/internal/api"
	"github.com/dongshu2013/the-sniper/internal/app"
	"github.com/dongshu2013/the-sniper/internal/chatnet"
	"github.com/dongshu2013/the-sniper/internal/clock/system"
	"github.com/dongshu2013/the-sniper/internal/config"
	"github.com/dongshu2013/the-sniper/internal/ingest"
	"github.com/dongshu2013/the-sniper/internal/lifecycle"
	"github.com/dongshu2013/the-sniper/internal/pool"
	"github.com/dongshu2013/the-sniper/internal/proxy"
)

// clientFactory builds chat-network clients for the pool. The protocol
// adapter is injected here at bootstrap; the in-memory client serves local
// and development runs.
var clientFactory chatnet.Factory = chatnet.NewMemoryFactory()

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the full service: account pool, ingestion, lifecycle engine, and read API",
		RunE:  runService,
	}
}

func runService(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer a.Close()
	logger := a.Logger

	clock := system.New()
	allocator := proxy.New(cfg.ProxyEndpoints(), a.Accounts, clock, proxy.Config{
		MaxClientsPerEndpoint: cfg.Proxy.MaxClientsPerIP,
		ExpiryGrace:           time.Duration(cfg.Proxy.ExpiryGraceHours) * time.Hour,
	}, logger.Named("proxy"))

	pipeline := ingest.NewPipeline(a.Fast, clock, logger.Named("ingest"))
	flusher := ingest.NewFlusher(a.Fast, a.Messages, ingest.FlusherConfig{
		Interval:  cfg.FlushInterval(),
		BatchSize: cfg.Ingest.BatchSize,
		Workers:   cfg.Ingest.FlushWorkers,
	}, logger.Named("flush"))

	poolCfg := pool.Config{
		HeartbeatInterval:     cfg.HeartbeatInterval(),
		SessionUploadInterval: cfg.SessionUploadInterval(),
		LocalClientsLimit:     cfg.Proxy.LocalClientsLimit,
		MinWatchers:           cfg.Pool.MinWatchers,
		JoinInterval:          time.Duration(cfg.Pool.JoinIntervalSeconds) * time.Second,
	}
	accountPool := pool.New(a.Accounts, a.Sessions, allocator, clientFactory,
		pipeline.HandleEvent, clock, poolCfg, logger.Named("pool"))
	joiner := pool.NewJoiner(accountPool, a.Accounts, a.Chats, clock, poolCfg, logger.Named("join"))

	engine := lifecycle.New(a.Chats, accountPool, a.AI, a.Events, clock, lifecycle.Config{
		Interval:            time.Duration(cfg.Lifecycle.IntervalSeconds) * time.Second,
		Concurrency:         cfg.Lifecycle.Concurrency,
		LowQualityThreshold: cfg.Lifecycle.LowQualityThreshold,
		MinMessages:         cfg.Lifecycle.MinMessagesThreshold,
		InactiveAfter:       time.Duration(cfg.Lifecycle.InactiveHours) * time.Hour,
		MaxTranscriptChars:  cfg.Lifecycle.MaxTranscriptChars,
		SampleLimit:         cfg.Lifecycle.SampleLimit,
		Temperature:         cfg.AI.Temperature,
		WeightedScoring:     cfg.Lifecycle.WeightedScoring,
		TransitionTopic:     cfg.PubSub.TopicName,
	}, logger.Named("lifecycle"))

	apiServer := api.NewServer(a.Chats, a.Fast, clock, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go flusher.Run(ctx)
	go engine.Run(ctx)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	// Blocks until the context is cancelled, then disconnects every client
	// before the final session uploads.
	if err := accountPool.Run(ctx, joiner); err != nil {
		logger.Error("account pool failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
