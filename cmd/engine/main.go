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

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/api"
	"github.com/lalithlochan/beacon/internal/circuitbreaker"
	"github.com/lalithlochan/beacon/internal/config"
	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/observ"
	"github.com/lalithlochan/beacon/internal/orchestrator"
	"github.com/lalithlochan/beacon/internal/redis"
	"github.com/lalithlochan/beacon/internal/scanner"
	"github.com/lalithlochan/beacon/internal/scheduled"
	"github.com/lalithlochan/beacon/internal/sink"
	"github.com/lalithlochan/beacon/internal/sns"
	"github.com/lalithlochan/beacon/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger("beacon-engine", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting beacon engine",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Bool("cron_enabled", cfg.CronEnabled),
		zap.String("cron_schedule", cfg.CronSchedule),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs the real-time channel, the run lock and rate limits. The
	// engine still runs without it, with those features off.
	var (
		publisher   sink.Publisher
		pushLimiter sink.Limiter
		apiLimiter  api.Limiter
		locker      orchestrator.Locker
	)
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, real-time publish, run lock and rate limits disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		defer redisClient.Close()
		publisher = redis.NewPublisher(redisClient, logger)
		locker = redis.NewLocker(redisClient, logger, cfg.RunLockTTL)
		pushLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Prefix: "ratelimit:push",
			Limit:  cfg.PushRateLimit,
			Window: time.Minute,
		})
		apiLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Prefix: "ratelimit:api",
			Limit:  100,
			Window: time.Minute,
		})
	}

	senders, breakers := buildSenders(ctx, cfg, logger)
	router := sink.NewRouter(logger, senders...)
	pusher := sink.NewPusher(repo, router, pushLimiter, logger)
	dispatcher := sink.NewDispatcher(repo, publisher, pusher, logger)
	poster := sink.NewChatPoster(repo, publisher, logger)

	service := scheduled.NewService(repo, dispatcher, scheduled.Config{
		BatchSize:              cfg.ScheduledBatchSize,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
	}, logger)
	scan := scanner.New(repo, repo, dispatcher, poster, logger)
	engine := orchestrator.New(scan, service, locker, logger)

	if cfg.CronEnabled {
		c, err := orchestrator.NewCron(ctx, engine, cfg.CronSchedule, logger)
		if err != nil {
			return err
		}
		c.Start()
		defer func() {
			logger.Info("waiting for running engine pass to finish")
			<-c.Stop().Done()
		}()
	}

	handler := api.NewHandler(logger, service, engine, api.HandlerConfig{
		RunTimeout: cfg.RunLockTTL,
		Breakers:   breakers,
	})
	defer handler.Wait()

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Handler: api.NewRouter(handler, api.RouterConfig{
			Limiter:   apiLimiter,
			RateLimit: 100,
			Health: func(r *http.Request) error {
				return database.Health(r.Context())
			},
		}, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildSenders wires one breaker-protected sender per configured provider
// and returns the breakers for the operator API. Providers that fail to
// initialise are logged and skipped; the log sender catches every platform
// left without a provider.
func buildSenders(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]sink.PlatformSender, []api.Breaker) {
	var (
		senders  []sink.PlatformSender
		breakers []api.Breaker
	)
	protect := func(name string, s sink.PlatformSender) {
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(name), logger)
		senders = append(senders, circuitbreaker.NewProtectedSender(s, breaker, logger))
		breakers = append(breakers, breaker)
	}

	if cfg.WebPushGatewayURL != "" {
		protect("webpush", sink.NewWebPushSender(logger, sink.WebPushConfig{
			GatewayURL: cfg.WebPushGatewayURL,
			Timeout:    cfg.WebPushTimeout,
		}))
	}

	snsSender, err := sns.NewPushSender(ctx, sns.Config{
		Region:   cfg.SNSRegion,
		Endpoint: cfg.SNSEndpoint,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, mobile push disabled", zap.Error(err))
	} else {
		protect("sns", snsSender)
	}

	if cfg.DesktopQueueURL != "" {
		relay, err := sqs.NewRelaySender(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.DesktopQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("SQS relay unavailable, desktop push disabled", zap.Error(err))
		} else {
			protect("sqs", relay)
		}
	}

	if cfg.SESFromEmail != "" {
		sesSender, err := sink.NewSESSender(ctx, sink.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			logger.Warn("SES sender unavailable, email push disabled", zap.Error(err))
		} else {
			protect("ses", sesSender)
		}
	}

	logger.Info("push providers initialised", zap.Int("providers", len(senders)))
	return append(senders, sink.NewLogSender(logger)), breakers
}
