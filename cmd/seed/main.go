package main

import (
	"context"
	"flag"
	"os"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhpds/workshop-allocator/internal/repository/postgres"
	"github.com/rhpds/workshop-allocator/internal/service/seed"
	"github.com/rhpds/workshop-allocator/pkg/config"
	"github.com/rhpds/workshop-allocator/pkg/logger"
)

func main() {
	cfg := config.Load()
	file := flag.String("file", cfg.PoolFile, "pool file to load")
	timeout := flag.Duration("timeout", time.Minute, "load timeout")
	flag.Parse()

	log := logger.New("seed", slog.LevelInfo)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo := postgres.New(pool)
	svc := seed.New(repo, repo, repo, log)

	report, err := svc.LoadFile(ctx, *file)
	if err != nil {
		log.Error("pool load failed", "file", *file, "error", err)
		os.Exit(1)
	}
	log.Info("pool loaded",
		"file", *file,
		"clusters_added", report.ClustersAdded, "clusters_skipped", report.ClustersSkipped,
		"demo_users_added", report.DemoUsersAdded, "demo_users_skipped", report.DemoUsersSkipped,
		"shared_added", report.SharedAdded, "shared_skipped", report.SharedSkipped)
}
