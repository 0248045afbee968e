// Package config loads gateway and pipeline configuration from the
// environment, with an optional YAML file override.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable recognized by the gateway.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	DatabaseURL string `yaml:"database_url"`
	JWTSecret   string `yaml:"jwt_secret"`

	// Pipeline tuning.
	TickInterval       time.Duration `yaml:"tick_interval"`
	PoolMaxMembers     int           `yaml:"pool_max_members"`
	PoolMaxAge         time.Duration `yaml:"pool_max_age"`
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`
	Workers            int           `yaml:"workers"`

	// Gateway tuning.
	TokenTTL       time.Duration `yaml:"token_ttl"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		HTTPAddr:           ":8080",
		TickInterval:       15 * time.Second,
		PoolMaxMembers:     100,
		PoolMaxAge:         time.Minute,
		StalenessThreshold: 5 * time.Minute,
		Workers:            4,
		TokenTTL:           time.Hour,
		RateLimitRPS:       20,
		RateLimitBurst:     40,
		AllowedOrigins:     []string{"*"},
	}
}

// FromEnv builds a Config from environment variables on top of the defaults.
// When POOLFLOW_CONFIG points at a YAML file, the file is applied first and
// environment variables override it.
func FromEnv() (Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("POOLFLOW_CONFIG")); path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}

	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	} else if port := os.Getenv("PORT"); port != "" {
		cfg.HTTPAddr = ":" + port
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}

	var err error
	if cfg.TickInterval, err = envDuration("SCHEDULER_TICK_INTERVAL", cfg.TickInterval); err != nil {
		return Config{}, err
	}
	if cfg.PoolMaxAge, err = envDuration("POOL_MAX_AGE", cfg.PoolMaxAge); err != nil {
		return Config{}, err
	}
	if cfg.StalenessThreshold, err = envDuration("PROCESSING_STALENESS", cfg.StalenessThreshold); err != nil {
		return Config{}, err
	}
	if cfg.TokenTTL, err = envDuration("TOKEN_TTL", cfg.TokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.PoolMaxMembers, err = envInt("POOL_MAX_MEMBERS", cfg.PoolMaxMembers); err != nil {
		return Config{}, err
	}
	if cfg.Workers, err = envInt("PIPELINE_WORKERS", cfg.Workers); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitBurst, err = envInt("RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		parsed, parseErr := strconv.ParseFloat(v, 64)
		if parseErr != nil {
			return Config{}, fmt.Errorf("parse RATE_LIMIT_RPS: %w", parseErr)
		}
		cfg.RateLimitRPS = parsed
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
		cfg.AllowedOrigins = origins
	}

	return cfg, cfg.Validate()
}

// LoadFile reads a YAML configuration file on top of the defaults.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	if c.PoolMaxMembers <= 0 {
		return fmt.Errorf("pool max members must be positive")
	}
	if c.PoolMaxAge <= 0 {
		return fmt.Errorf("pool max age must be positive")
	}
	if c.StalenessThreshold <= 0 {
		return fmt.Errorf("staleness threshold must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	return nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return parsed, nil
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return parsed, nil
}
