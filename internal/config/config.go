// Package config reads the server's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DevJWTSecret is used when JWT_SECRET is unset and the in-memory store is
// selected. It is refused alongside a database.
const DevJWTSecret = "bluechip-dev-secret"

var ErrMissingSecret = errors.New("config: JWT_SECRET is required when DATABASE_URL is set")

// Config holds every setting the server reads at startup.
type Config struct {
	Port              string
	DatabaseURL       string // empty selects the in-memory store
	RedisURL          string // empty disables the cache
	RedisTTL          time.Duration
	NATSURL           string // empty disables event publishing
	JWTSecret         []byte
	JWTTTL            time.Duration
	CORSOrigins       []string
	StartingBalance   decimal.Decimal
	SettleMaxAttempts int
}

// Load reads the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom reads settings through lookup, applying defaults for unset keys.
func LoadFrom(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := &Config{
		Port:        get("PORT", "8080"),
		DatabaseURL: get("DATABASE_URL", ""),
		RedisURL:    get("REDIS_URL", ""),
		NATSURL:     get("NATS_URL", ""),
	}

	var err error
	if cfg.RedisTTL, err = parseDuration("REDIS_TTL", get("REDIS_TTL", "30s")); err != nil {
		return nil, err
	}
	if cfg.JWTTTL, err = parseDuration("JWT_TTL", get("JWT_TTL", "24h")); err != nil {
		return nil, err
	}

	cfg.StartingBalance, err = decimal.NewFromString(get("STARTING_BALANCE", "1000"))
	if err != nil || cfg.StartingBalance.IsNegative() {
		return nil, fmt.Errorf("config: STARTING_BALANCE must be a non-negative amount")
	}

	cfg.SettleMaxAttempts, err = strconv.Atoi(get("SETTLE_MAX_ATTEMPTS", "5"))
	if err != nil || cfg.SettleMaxAttempts < 1 {
		return nil, fmt.Errorf("config: SETTLE_MAX_ATTEMPTS must be a positive integer")
	}

	for _, o := range strings.Split(get("CORS_ORIGINS", "http://localhost:5173"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	switch secret := get("JWT_SECRET", ""); {
	case secret != "":
		cfg.JWTSecret = []byte(secret)
	case cfg.DatabaseURL != "":
		return nil, ErrMissingSecret
	default:
		cfg.JWTSecret = []byte(DevJWTSecret)
	}

	return cfg, nil
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive duration, got %q", key, v)
	}
	return d, nil
}
