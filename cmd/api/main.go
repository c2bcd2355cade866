package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cannalonga/pagedeploy/internal/app/migrate"
	httpx "github.com/cannalonga/pagedeploy/internal/http"
	"github.com/cannalonga/pagedeploy/internal/pages"
	"github.com/cannalonga/pagedeploy/internal/render"
	"github.com/cannalonga/pagedeploy/internal/repository/postgres"
	"github.com/cannalonga/pagedeploy/internal/service/artifact"
	"github.com/cannalonga/pagedeploy/internal/service/deploy"
	"github.com/cannalonga/pagedeploy/internal/service/events"
	"github.com/cannalonga/pagedeploy/internal/service/retention"
	"github.com/cannalonga/pagedeploy/internal/service/rollback"
	s3provider "github.com/cannalonga/pagedeploy/internal/storage/s3"
	"github.com/cannalonga/pagedeploy/internal/ws"
	"github.com/cannalonga/pagedeploy/pkg/config"
	"github.com/cannalonga/pagedeploy/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub(cfg.EventBuffer)
	eventsSvc := events.New(hub, log)

	provider, err := s3provider.New(s3provider.Config{
		Bucket:         cfg.StorageBucket,
		Endpoint:       cfg.StorageEndpoint,
		Region:         cfg.StorageRegion,
		AccessKey:      cfg.StorageAccessKey,
		SecretKey:      cfg.StorageSecretKey,
		ForcePathStyle: cfg.StoragePathStyle,
		Insecure:       cfg.StorageInsecure,
		CDNBaseURL:     cfg.CDNBaseURL,
		DistributionID: cfg.CDNDistributionID,
	})
	if err != nil {
		log.Error("failed to configure storage provider", "error", err)
		os.Exit(1)
	}

	pageSource, err := pages.New(cfg.PagesAPIURL, cfg.PagesAPIToken)
	if err != nil {
		log.Error("failed to configure pages client", "error", err)
		os.Exit(1)
	}
	renderer, err := render.New(cfg.RendererURL)
	if err != nil {
		log.Error("failed to configure renderer client", "error", err)
		os.Exit(1)
	}

	generator := artifact.NewGenerator(pageSource, renderer, log, cfg.SiteBaseURL)
	deploySvc := deploy.New(repo, repo, generator, provider, eventsSvc, log, cfg.UploadRetries)
	rollbackSvc := rollback.New(repo, repo, provider, eventsSvc, log)

	sweeper := retention.New(repo, provider, log, cfg.RetentionKeep, cfg.RetentionInterval)
	if sweeper != nil {
		go sweeper.Run(ctx)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, deploySvc, rollbackSvc, eventsSvc, limiter, cfg.PublisherToken, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
