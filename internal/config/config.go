// Package config loads engine configuration from the environment.
package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all runtime settings. DATABASE_URL unset selects the
// in-memory store; REDIS_URL set wraps the store in a read-through cache.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// Commitment bounds and retry policy.
	MinCommitTokens  int64 `env:"MIN_COMMIT_TOKENS" envDefault:"1"`
	MaxCommitTokens  int64 `env:"MAX_COMMIT_TOKENS" envDefault:"10000"`
	MaxCommitRetries int   `env:"MAX_COMMIT_RETRIES" envDefault:"3"`

	// SignupBonusTokens are credited when a balance is first created.
	SignupBonusTokens int64 `env:"SIGNUP_BONUS_TOKENS" envDefault:"100"`

	// CacheTTLSeconds is the Redis read-through cache TTL.
	CacheTTLSeconds int `env:"CACHE_TTL_SECONDS" envDefault:"30"`
}

// Load reads configuration from the environment, loading a .env file
// first if one is present.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
