// Package config loads server configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable for a server instance.
type Config struct {
	ListenAddr     string // address to listen on, e.g. ":8080"
	MetricsAddr    string // Prometheus endpoint address, empty to disable
	WorkerPoolSize int    // max concurrent read-worker goroutines
	MaxConnections int    // hard cap on total connections
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	RedisAddr   string
	PostgresDSN string
	NatsURL     string
	JWTSecret   string
	ServerName  string

	RevealDelay     time.Duration // wait before reveal becomes available
	RevealTick      time.Duration // deadline scan interval
	MeetExpandDelay time.Duration // queue wait before search expansion
	CandidateLimit  int           // waiting-pool batch size per attempt
}

// Load reads configuration from the environment, applying defaults for
// anything unset.
func Load() Config {
	hostname, _ := os.Hostname()

	cfg := Config{
		ListenAddr:      envStr("LISTEN_ADDR", ":8080"),
		MetricsAddr:     envStr("METRICS_ADDR", ":9090"),
		WorkerPoolSize:  envInt("WORKER_POOL_SIZE", 256),
		MaxConnections:  envInt("MAX_CONNECTIONS", 100000),
		ReadTimeout:     envDuration("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    envDuration("WRITE_TIMEOUT", 10*time.Second),
		RedisAddr:       envStr("REDIS_ADDR", "localhost:6379"),
		PostgresDSN:     envStr("POSTGRES_DSN", "postgres://localhost/pairchat?sslmode=disable"),
		NatsURL:         envStr("NATS_URL", "nats://localhost:4222"),
		JWTSecret:       envStr("JWT_SECRET", ""),
		ServerName:      envStr("SERVER_NAME", hostname),
		RevealDelay:     envDuration("REVEAL_DELAY", 7*time.Minute),
		RevealTick:      envDuration("REVEAL_TICK", 1*time.Second),
		MeetExpandDelay: envDuration("MEET_EXPAND_DELAY", 15*time.Second),
		CandidateLimit:  envInt("CANDIDATE_LIMIT", 50),
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "server-1"
	}
	return cfg
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
