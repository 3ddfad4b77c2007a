// Package config loads typed process configuration from the environment,
// with viper as the source. Anything the matching, pricing and fare
// packages need tuned lives here rather than as a scattered literal. The
// matching, surge, idempotency, ingest and cache tunables are read from the
// environment; the per-tier fare table is set in Load itself and is not.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"ridecore/internal/ride"
)

// Config is the full set of process configuration.
type Config struct {
	Env      string
	Server   ServerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Fares    map[ride.Tier]FareConfig
	Match    MatchConfig
	Surge    SurgeConfig
	Idem     IdemConfig
	Ingest   IngestConfig
	Cache    CacheConfig
}

type ServerConfig struct {
	Addr              string        `mapstructure:"HTTP_ADDR"`
	ReadHeaderTimeout time.Duration `mapstructure:"HTTP_READ_HEADER_TIMEOUT"`
}

type PostgresConfig struct {
	URL      string `mapstructure:"DATABASE_URL"`
	MaxConns int32  `mapstructure:"POSTGRES_MAX_CONNS"`
	MinConns int32  `mapstructure:"POSTGRES_MIN_CONNS"`
}

type RedisConfig struct {
	URL string `mapstructure:"REDIS_URL"`
}

// FareConfig is the per-tier pricing table (§4.4).
type FareConfig struct {
	BaseFare  float64
	PerKmRate float64
}

// MatchConfig tunes the radius-backoff candidate search (§4.3).
type MatchConfig struct {
	InitialRadiusKm float64       `mapstructure:"MATCH_INITIAL_RADIUS_KM"`
	MaxRadiusKm     float64       `mapstructure:"MATCH_MAX_RADIUS_KM"`
	RadiusFactor    float64       `mapstructure:"MATCH_RADIUS_FACTOR"`
	RetryDelay      time.Duration `mapstructure:"MATCH_RETRY_DELAY"`
	Budget          time.Duration `mapstructure:"MATCH_BUDGET"`
	CandidateLimit  int           `mapstructure:"MATCH_CANDIDATE_LIMIT"`
	LockTTL         time.Duration `mapstructure:"MATCH_LOCK_TTL"`
}

// SurgeConfig tunes the rolling demand/supply surge multiplier (§4.5).
type SurgeConfig struct {
	GeohashPrecision int           `mapstructure:"SURGE_GEOHASH_PRECISION"`
	Window           time.Duration `mapstructure:"SURGE_WINDOW"`
	MinMultiplier    float64       `mapstructure:"SURGE_MIN_MULTIPLIER"`
	MaxMultiplier    float64       `mapstructure:"SURGE_MAX_MULTIPLIER"`
	Sensitivity      float64       `mapstructure:"SURGE_SENSITIVITY"`
}

// IdemConfig tunes the idempotency layer (§4.6).
type IdemConfig struct {
	TTL          time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
	InFlightWait time.Duration `mapstructure:"IDEMPOTENCY_INFLIGHT_WAIT"`
}

// IngestConfig tunes the location-ingest buffer/flush worker (§4.8).
type IngestConfig struct {
	BufferSize    int           `mapstructure:"INGEST_BUFFER_SIZE"`
	FlushInterval time.Duration `mapstructure:"INGEST_FLUSH_INTERVAL"`
	FlushMaxBatch int           `mapstructure:"INGEST_FLUSH_MAX_BATCH"`
}

// CacheConfig tunes the ride-status read cache (§4.7).
type CacheConfig struct {
	RideStatusTTL time.Duration `mapstructure:"CACHE_RIDE_STATUS_TTL"`
}

func (p *PostgresConfig) Enabled() bool { return p.URL != "" }
func (r *RedisConfig) Enabled() bool    { return r.URL != "" }

// Load reads configuration from the environment (and a ".env" file if
// present), applying defaults for every tunable. DATABASE_URL defaults to
// empty and cmd/server refuses to start without it; REDIS_URL may stay
// unset outside prod.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	v.SetDefault("ENV", "dev")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HTTP_READ_HEADER_TIMEOUT", "5s")

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("POSTGRES_MAX_CONNS", 20)
	v.SetDefault("POSTGRES_MIN_CONNS", 2)

	v.SetDefault("REDIS_URL", "")

	v.SetDefault("MATCH_INITIAL_RADIUS_KM", 2.0)
	v.SetDefault("MATCH_MAX_RADIUS_KM", 10.0)
	v.SetDefault("MATCH_RADIUS_FACTOR", 1.5)
	v.SetDefault("MATCH_RETRY_DELAY", "200ms")
	v.SetDefault("MATCH_BUDGET", "30s")
	v.SetDefault("MATCH_CANDIDATE_LIMIT", 20)
	v.SetDefault("MATCH_LOCK_TTL", "10s")

	v.SetDefault("SURGE_GEOHASH_PRECISION", 5)
	v.SetDefault("SURGE_WINDOW", "5m")
	v.SetDefault("SURGE_MIN_MULTIPLIER", 1.0)
	v.SetDefault("SURGE_MAX_MULTIPLIER", 5.0)
	v.SetDefault("SURGE_SENSITIVITY", 0.5)

	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("IDEMPOTENCY_INFLIGHT_WAIT", "10s")

	v.SetDefault("INGEST_BUFFER_SIZE", 10000)
	v.SetDefault("INGEST_FLUSH_INTERVAL", "500ms")
	v.SetDefault("INGEST_FLUSH_MAX_BATCH", 1000)

	v.SetDefault("CACHE_RIDE_STATUS_TTL", "30s")

	// A missing .env is expected in containerized deploys where env vars
	// are injected directly; only a malformed one is an error.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading .env: %w", err)
		}
	}

	cfg := &Config{
		Env: v.GetString("ENV"),
		Server: ServerConfig{
			Addr:              v.GetString("HTTP_ADDR"),
			ReadHeaderTimeout: v.GetDuration("HTTP_READ_HEADER_TIMEOUT"),
		},
		Postgres: PostgresConfig{
			URL:      v.GetString("DATABASE_URL"),
			MaxConns: v.GetInt32("POSTGRES_MAX_CONNS"),
			MinConns: v.GetInt32("POSTGRES_MIN_CONNS"),
		},
		Redis: RedisConfig{
			URL: v.GetString("REDIS_URL"),
		},
		Fares: map[ride.Tier]FareConfig{
			ride.TierStandard: {BaseFare: 50, PerKmRate: 12},
			ride.TierPremium:  {BaseFare: 100, PerKmRate: 25},
			ride.TierXL:       {BaseFare: 80, PerKmRate: 18},
		},
		Match: MatchConfig{
			InitialRadiusKm: v.GetFloat64("MATCH_INITIAL_RADIUS_KM"),
			MaxRadiusKm:     v.GetFloat64("MATCH_MAX_RADIUS_KM"),
			RadiusFactor:    v.GetFloat64("MATCH_RADIUS_FACTOR"),
			RetryDelay:      v.GetDuration("MATCH_RETRY_DELAY"),
			Budget:          v.GetDuration("MATCH_BUDGET"),
			CandidateLimit:  v.GetInt("MATCH_CANDIDATE_LIMIT"),
			LockTTL:         v.GetDuration("MATCH_LOCK_TTL"),
		},
		Surge: SurgeConfig{
			GeohashPrecision: v.GetInt("SURGE_GEOHASH_PRECISION"),
			Window:           v.GetDuration("SURGE_WINDOW"),
			MinMultiplier:    v.GetFloat64("SURGE_MIN_MULTIPLIER"),
			MaxMultiplier:    v.GetFloat64("SURGE_MAX_MULTIPLIER"),
			Sensitivity:      v.GetFloat64("SURGE_SENSITIVITY"),
		},
		Idem: IdemConfig{
			TTL:          v.GetDuration("IDEMPOTENCY_TTL"),
			InFlightWait: v.GetDuration("IDEMPOTENCY_INFLIGHT_WAIT"),
		},
		Ingest: IngestConfig{
			BufferSize:    v.GetInt("INGEST_BUFFER_SIZE"),
			FlushInterval: v.GetDuration("INGEST_FLUSH_INTERVAL"),
			FlushMaxBatch: v.GetInt("INGEST_FLUSH_MAX_BATCH"),
		},
		Cache: CacheConfig{
			RideStatusTTL: v.GetDuration("CACHE_RIDE_STATUS_TTL"),
		},
	}

	return cfg, nil
}
