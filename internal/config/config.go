// Package config provides runtime configuration loaded from environment
// variables with defaults and validation: rotation cadence, quota costs,
// retry ceilings and the external platform endpoint.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the rotation core uses. Defaults match the
// documented behavior: write=50 / read=1 against a 200-unit daily ceiling,
// 5-minute scheduler tick, pause after 3 consecutive failures.
type Config struct {
	TickInterval  time.Duration // TICK_INTERVAL
	ClaimLimit    int           // CLAIM_LIMIT, max experiments claimed per tick
	Workers       int           // WORKERS, concurrent rotation attempts
	RotateTimeout time.Duration // ROTATE_TIMEOUT, bound on the external call

	QuotaDailyLimit int // QUOTA_DAILY_LIMIT
	QuotaWriteCost  int // QUOTA_WRITE_COST
	QuotaReadCost   int // QUOTA_READ_COST

	MaxConsecutiveFailures int           // MAX_CONSECUTIVE_FAILURES before auto-pause
	FailureBackoff         time.Duration // FAILURE_BACKOFF, reschedule delay after a failed attempt
	StallAfter             time.Duration // STALL_AFTER, claimed-but-unfinished recovery threshold

	DispatchRPS   float64 // DISPATCH_RPS, tick dispatch rate limit
	DispatchBurst int     // DISPATCH_BURST

	PlatformBaseURL string // PLATFORM_BASE_URL
	PlatformAPIKey  string // PLATFORM_API_KEY
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from the environment, applying defaults for unset
// variables, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		TickInterval:           getDuration("TICK_INTERVAL", 5*time.Minute),
		ClaimLimit:             getInt("CLAIM_LIMIT", 100),
		Workers:                getInt("WORKERS", 4),
		RotateTimeout:          getDuration("ROTATE_TIMEOUT", 30*time.Second),
		QuotaDailyLimit:        getInt("QUOTA_DAILY_LIMIT", 200),
		QuotaWriteCost:         getInt("QUOTA_WRITE_COST", 50),
		QuotaReadCost:          getInt("QUOTA_READ_COST", 1),
		MaxConsecutiveFailures: getInt("MAX_CONSECUTIVE_FAILURES", 3),
		FailureBackoff:         getDuration("FAILURE_BACKOFF", time.Minute),
		StallAfter:             getDuration("STALL_AFTER", 10*time.Minute),
		DispatchRPS:            getFloat("DISPATCH_RPS", 5),
		DispatchBurst:          getInt("DISPATCH_BURST", 10),
		PlatformBaseURL:        getString("PLATFORM_BASE_URL", "https://api.platform.example"),
		PlatformAPIKey:         getString("PLATFORM_API_KEY", ""),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.TickInterval <= 0:
		return errors.New("TICK_INTERVAL must be positive")
	case c.ClaimLimit <= 0:
		return errors.New("CLAIM_LIMIT must be positive")
	case c.Workers <= 0:
		return errors.New("WORKERS must be positive")
	case c.RotateTimeout <= 0:
		return errors.New("ROTATE_TIMEOUT must be positive")
	case c.QuotaDailyLimit <= 0:
		return errors.New("QUOTA_DAILY_LIMIT must be positive")
	case c.QuotaWriteCost <= 0 || c.QuotaReadCost <= 0:
		return errors.New("quota costs must be positive")
	case c.MaxConsecutiveFailures <= 0:
		return errors.New("MAX_CONSECUTIVE_FAILURES must be positive")
	case c.FailureBackoff <= 0:
		return errors.New("FAILURE_BACKOFF must be positive")
	case c.DispatchRPS <= 0 || c.DispatchBurst <= 0:
		return errors.New("dispatch rate limit must be positive")
	case c.PlatformBaseURL == "":
		return errors.New("PLATFORM_BASE_URL must not be empty")
	}
	return nil
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
