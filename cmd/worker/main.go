package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowmail/flowmail/internal/config"
	"github.com/flowmail/flowmail/internal/pkg/distlock"
	"github.com/flowmail/flowmail/internal/pkg/logger"
	"github.com/flowmail/flowmail/internal/queue"
	"github.com/flowmail/flowmail/internal/ratelimit"
	"github.com/flowmail/flowmail/internal/render"
	"github.com/flowmail/flowmail/internal/repository/postgres"
	"github.com/flowmail/flowmail/internal/service/abtest"
	"github.com/flowmail/flowmail/internal/service/campaign"
	"github.com/flowmail/flowmail/internal/service/webhook"
	"github.com/flowmail/flowmail/internal/transport"
	"github.com/flowmail/flowmail/internal/worker"
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
	log := logger.For("worker-main")

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
	smtpRepo := postgres.NewSMTPConfigRepo(db)
	eventRepo := postgres.NewEventRepo(db)

	box, err := webhook.NewBox(cfg.Webhooks.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("webhook encryption key")
	}
	webhookSvc := webhook.NewService(webhookRepo, campaignRepo, webhookQueue, box)

	abtestSvc := abtest.NewService(abtestRepo, campaignRepo, recipientRepo, emailQueue, webhookSvc, abtest.Config{
		BatchSize:           cfg.Campaigns.BatchSize,
		DelayBetweenBatches: cfg.Campaigns.BatchDelay,
	})
	campaignSvc := campaign.NewService(campaignRepo, recipientRepo, emailQueue, webhookSvc, campaign.Config{
		BatchSize:           cfg.Campaigns.BatchSize,
		DelayBetweenBatches: cfg.Campaigns.BatchDelay,
		SendRatePerSecond:   cfg.Campaigns.SendRatePerSecond,
	})

	// Shared admission windows live in Redis; a bounded in-process window
	// takes over per process when Redis is unreachable.
	smtpLimiter := ratelimit.NewFailover(
		ratelimit.NewRedis(rdb, cfg.Queue.Prefix+":rl:smtp", ratelimit.Limit{
			N: cfg.RateLimit.SMTPLimit, Window: cfg.RateLimit.SMTPWindow,
		}),
		ratelimit.NewMemory(ratelimit.Limit{
			N: cfg.RateLimit.SMTPLimit, Window: cfg.RateLimit.SMTPWindow,
		}, cfg.RateLimit.FallbackEntries),
	)
	webhookLimiter := ratelimit.NewFailover(
		ratelimit.NewRedis(rdb, cfg.Queue.Prefix+":rl:webhook", ratelimit.Limit{
			N: cfg.RateLimit.WebhookLimit, Window: cfg.RateLimit.WebhookWindow,
		}),
		ratelimit.NewMemory(ratelimit.Limit{
			N: cfg.RateLimit.WebhookLimit, Window: cfg.RateLimit.WebhookWindow,
		}, cfg.RateLimit.FallbackEntries),
	)

	var tracker *render.Tracker
	if cfg.Tracking.BaseURL != "" {
		tracker = render.NewTracker(cfg.Tracking.BaseURL, cfg.Tracking.SigningKey)
	}

	emailWorker := worker.NewEmailWorker(worker.EmailWorkerDeps{
		Queue:      emailQueue,
		Campaigns:  campaignRepo,
		Recipients: recipientRepo,
		SMTP:       smtpRepo,
		Dialer:     transport.GomailDialer{},
		Renderer:   render.NewRenderer(),
		Tracker:    tracker,
		Limiter:    smtpLimiter,
		Events:     eventRepo,
		Variants:   abtestSvc,
		Winners:    abtestSvc,
		Notifier:   webhookSvc,
	}, worker.EmailWorkerConfig{
		Concurrency:  cfg.Workers.EmailConcurrency,
		PollInterval: cfg.Workers.PollInterval,
	})

	webhookWorker := worker.NewWebhookWorker(webhookQueue, webhookRepo, webhookLimiter,
		worker.WebhookWorkerConfig{
			Concurrency:  cfg.Workers.WebhookConcurrency,
			PollInterval: cfg.Workers.PollInterval,
		})

	maintenance := worker.NewMaintenance(
		[]*queue.Queue{emailQueue, webhookQueue},
		campaignSvc, campaignSvc,
		func(name string, ttl time.Duration) distlock.Lock {
			return distlock.New(rdb, db, name, ttl)
		},
		worker.MaintenanceConfig{
			CompletedRetention: cfg.Queue.CompletedRetention,
			FailedRetention:    cfg.Queue.FailedRetention,
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := emailWorker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start email worker")
	}
	if err := webhookWorker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start webhook worker")
	}
	if err := maintenance.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start maintenance")
	}
	log.Info().
		Int("email_concurrency", cfg.Workers.EmailConcurrency).
		Int("webhook_concurrency", cfg.Workers.WebhookConcurrency).
		Msg("workers running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	maintenance.Stop()
	emailWorker.Stop()
	webhookWorker.Stop()
	log.Info().Msg("worker stopped")
}
