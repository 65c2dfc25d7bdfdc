// Package config loads scheduler configuration from the environment,
// following the flat env-var-with-default idiom the teacher uses throughout
// its plugin constructors (getEnvDefault).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every environment-tunable knob the scheduler process reads at
// startup. There is no file-based config layer: the teacher repo configures
// itself purely from the environment, and this preserves that idiom.
type Config struct {
	DBPath          string
	HTTPAddr        string
	WorkerTTL       time.Duration
	NATSURL         string
	NATSEnabled     bool
	ReaperEnabled   bool
	ReaperInterval  time.Duration
	MaxAttempts     int
	ShutdownTimeout time.Duration
}

// Load builds a Config from the environment, defaulting anything unset.
func Load() Config {
	return Config{
		DBPath:          getEnvDefault("SCHED_DB_PATH", "./data"),
		HTTPAddr:        getEnvDefault("SCHED_HTTP_ADDR", ":8080"),
		WorkerTTL:       getEnvDurationDefault("SCHED_WORKER_TTL", 30*time.Second),
		NATSURL:         getEnvDefault("SCHED_NATS_URL", "nats://localhost:4222"),
		NATSEnabled:     getEnvBoolDefault("SCHED_NATS_ENABLED", false),
		ReaperEnabled:   getEnvBoolDefault("SCHED_REAPER_ENABLED", false),
		ReaperInterval:  getEnvDurationDefault("SCHED_REAPER_INTERVAL", 15*time.Second),
		MaxAttempts:     getEnvIntDefault("SCHED_DEFAULT_MAX_ATTEMPTS", 3),
		ShutdownTimeout: getEnvDurationDefault("SCHED_SHUTDOWN_TIMEOUT", 5*time.Second),
	}
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDurationDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
