package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowmail/flowmail/internal/api"
	"github.com/flowmail/flowmail/internal/config"
	"github.com/flowmail/flowmail/internal/pkg/logger"
	"github.com/flowmail/flowmail/internal/queue"
	"github.com/flowmail/flowmail/internal/repository/postgres"
	"github.com/flowmail/flowmail/internal/service/abtest"
	"github.com/flowmail/flowmail/internal/service/campaign"
	"github.com/flowmail/flowmail/internal/service/webhook"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error().Err(err).Msg("load config")
		os.Exit(1)
	}
	logger.Init(cfg.Logging.Level, os.Stderr)
	log := logger.For("server")

	db, err := postgres.Open(cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer db.Close()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("parse redis url")
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	emailQueue := queue.New(rdb, cfg.Queue.Prefix, "email", queue.Policy{
		MaxAttempts:       cfg.Queue.MaxAttempts,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		Backoff:           queue.ExponentialBackoff(30*time.Second, 30*time.Minute),
	})
	webhookQueue := queue.New(rdb, cfg.Queue.Prefix, "webhook", queue.Policy{
		MaxAttempts:       cfg.Queue.MaxAttempts,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		Backoff:           queue.DelayTable(time.Minute, 5*time.Minute, 30*time.Minute),
	})

	campaignRepo := postgres.NewCampaignRepo(db)
	recipientRepo := postgres.NewRecipientRepo(db)
	abtestRepo := postgres.NewABTestRepo(db)
	webhookRepo := postgres.NewWebhookRepo(db)

	box, err := webhook.NewBox(cfg.Webhooks.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("webhook encryption key")
	}
	webhookSvc := webhook.NewService(webhookRepo, campaignRepo, webhookQueue, box)

	campaignSvc := campaign.NewService(campaignRepo, recipientRepo, emailQueue, webhookSvc, campaign.Config{
		BatchSize:           cfg.Campaigns.BatchSize,
		DelayBetweenBatches: cfg.Campaigns.BatchDelay,
		SendRatePerSecond:   cfg.Campaigns.SendRatePerSecond,
	})
	abtestSvc := abtest.NewService(abtestRepo, campaignRepo, recipientRepo, emailQueue, webhookSvc, abtest.Config{
		BatchSize:           cfg.Campaigns.BatchSize,
		DelayBetweenBatches: cfg.Campaigns.BatchDelay,
	})

	handlers := api.NewHandlers(campaignSvc, abtestSvc, webhookSvc,
		[]api.QueueAdmin{emailQueue, webhookQueue})
	handlers.SetHealthProbes(
		api.PingFunc(db.PingContext),
		api.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	)
	srv := api.NewServer(handlers)

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("ops API listening")
		if err := srv.ListenAndServe(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("server stopped")
}
