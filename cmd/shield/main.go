package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cinevault/shield/pkg/alert"
	"github.com/cinevault/shield/pkg/config"
	"github.com/cinevault/shield/pkg/engine"
	"github.com/cinevault/shield/pkg/server"
	"github.com/cinevault/shield/pkg/server/middleware"
	"github.com/cinevault/shield/pkg/types"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	infraJwt "github.com/cinevault/shield/pkg/infra/jwt"
	infraLogger "github.com/cinevault/shield/pkg/infra/logger"
	infraPrometheus "github.com/cinevault/shield/pkg/infra/prometheus"
)

func main() {
	ctx := context.Background()

	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := infraLogger.New(cfg.Server.LogLevel)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		// The rate-limit path fails open without redis; protection and
		// detection keep working from in-process state.
		logger.WithError(err).Warn("redis unreachable, rate limiting will fail open")
	}
	cancelPing()

	metrics := infraPrometheus.New()
	e := engine.New(logger, redisClient, &engine.Opts{Metrics: metrics})
	defer e.Close()

	if err := applyProtectionConfig(e, cfg, logger); err != nil {
		logger.WithError(err).Fatal("invalid protection configuration")
	}

	scheduler := engine.NewScheduler(e, logger, nil)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	jwtManager := infraJwt.NewManager(&cfg.Server)
	adminServer := server.NewAdminServer(server.AdminServerDI{
		Config:         cfg,
		Logger:         logger,
		Engine:         e,
		AuthMiddleware: middleware.NewAdminAuthMiddleware(logger, jwtManager),
		Registry:       metrics.Registry,
	})

	go func() {
		if err := adminServer.Run(); err != nil {
			logger.WithError(err).Fatal("admin server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	if err := adminServer.Shutdown(); err != nil {
		logger.WithError(err).Error("admin server shutdown failed")
	}
}

// applyProtectionConfig loads the declarative rule set into the engine.
func applyProtectionConfig(e *engine.Engine, cfg *config.Config, logger *logrus.Logger) error {
	for _, rule := range cfg.Protection.Rules {
		matcher, err := rule.Matcher()
		if err != nil {
			return err
		}
		e.RegisterProtectionRule(matcher, rule.Config)
	}
	for _, rule := range cfg.Protection.RateLimits {
		matcher, err := rule.Matcher()
		if err != nil {
			return err
		}
		e.RegisterRateRule(matcher, rule.Config)
	}
	for _, pattern := range cfg.Protection.Patterns {
		if err := e.RegisterPattern(pattern); err != nil {
			return err
		}
	}
	for _, p := range cfg.Protection.Policies {
		e.RegisterPolicy(p)
	}
	for _, hook := range cfg.Protection.Webhooks {
		sink := alert.NewWebhookSink(hook.URL, logger, &alert.WebhookOpts{
			Timeout: hook.Timeout,
			Headers: hook.Headers,
		})
		minRank := types.Severity(hook.MinSeverity).Rank()
		handler := sink.Handle
		if minRank > 0 {
			handler = func(a types.SecurityAlert) {
				if a.Severity.Rank() >= minRank {
					sink.Handle(a)
				}
			}
		}
		e.Subscribe("webhook:"+hook.Name, handler)
		logger.WithFields(logrus.Fields{
			"webhook":      hook.Name,
			"min_severity": hook.MinSeverity,
		}).Info("alert webhook registered")
	}
	return nil
}
