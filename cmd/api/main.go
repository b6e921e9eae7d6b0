package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	appmigrate "github.com/rhpds/workshop-allocator/internal/app/migrate"
	httpx "github.com/rhpds/workshop-allocator/internal/http"
	"github.com/rhpds/workshop-allocator/internal/repository"
	"github.com/rhpds/workshop-allocator/internal/repository/memory"
	"github.com/rhpds/workshop-allocator/internal/repository/postgres"
	"github.com/rhpds/workshop-allocator/internal/service/admin"
	"github.com/rhpds/workshop-allocator/internal/service/allocator"
	"github.com/rhpds/workshop-allocator/internal/service/seed"
	"github.com/rhpds/workshop-allocator/internal/service/session"
	"github.com/rhpds/workshop-allocator/internal/ws"
	"github.com/rhpds/workshop-allocator/pkg/config"
	"github.com/rhpds/workshop-allocator/pkg/crypto"
	"github.com/rhpds/workshop-allocator/pkg/logger"
)

// store is the full set of repositories the services need.
type store interface {
	repository.ClusterRepository
	repository.DemoUserRepository
	repository.SharedClusterRepository
	repository.ParticipantRepository
	repository.StatsRepository
}

func main() {
	cfg := config.Load()
	log := logger.New("allocator-api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		repo     store
		dbHealth func(context.Context) error
	)
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Warn("no database configured, using in-memory store")
		repo = memory.New()
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		runner, err := appmigrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
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
		repo = postgres.New(pool)
		dbHealth = pool.Ping
	}

	hub := ws.NewHub()
	adminSvc := admin.New(repo, hub, log)
	go adminSvc.Run(ctx)

	allocSvc := allocator.New(repo, repo, repo, repo, crypto.NewSessionToken, nil, log, adminSvc)
	sessionSvc := session.New(repo, allocSvc, log, cfg.MinPasswordLength)
	seedSvc := seed.New(repo, repo, repo, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, sessionSvc, allocSvc, adminSvc, seedSvc, hub, limiter,
		cfg.LoginRateLimit, cfg.LoginRateWindow, dbHealth)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("allocator api starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("allocator api stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
