package config

import (
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime configuration for the allocator service.
type Config struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	PoolFile           string
	MinPasswordLength  int
	LoginRateLimit     int
	LoginRateWindow    time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	ShutdownTimeout    time.Duration
}

// Load constructs a Config from the environment. A .env file in the working
// directory is honored when present. An empty DATABASE_URL selects the
// in-memory store.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("ALLOCATOR_ADDR", ":8080"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://allocator:allocator@db:5432/allocator?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		PoolFile:           GetString("POOL_FILE", "pool.yaml"),
		MinPasswordLength:  GetInt("MIN_PASSWORD_LENGTH", 8),
		LoginRateLimit:     GetInt("LOGIN_RATE_LIMIT", 12),
		LoginRateWindow:    time.Duration(GetInt("LOGIN_RATE_WINDOW_SECONDS", 60)) * time.Second,
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		ShutdownTimeout:    time.Duration(GetInt("SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}
