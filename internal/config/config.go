/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// LedgerBackend selects where claimed transaction hashes are recorded.
type LedgerBackend string

const (
	LedgerDatabase LedgerBackend = "database"
	LedgerRedis    LedgerBackend = "redis"
)

// NotifierBackend selects how queue events fan out.
type NotifierBackend string

const (
	NotifierMemory NotifierBackend = "memory"
	NotifierRedis  NotifierBackend = "redis"
	NotifierNATS   NotifierBackend = "nats"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment   string
	HTTPBind      string
	HTTPPort      int
	DBBackend     DatabaseBackend
	DBDSN         string
	JWTSigningKey string
	MetricsBind   string

	// Redis (ledger, cache, leader election, event fan-out)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LedgerBackend   LedgerBackend
	NotifierBackend NotifierBackend
	NATSURL         string

	// Chain
	ChainRPCURL     string
	ContractAddress string
	TreasuryAddress string
	TokenAddress    string
	MinPrice        string // chain-native units, decimal

	// Queue and subscription tuning
	MaxQueueLength     int
	RecreateInterval   time.Duration
	RecreateCooldown   time.Duration
	SettleInterval     time.Duration
	FilterPollInterval time.Duration

	// Content validation
	YouTubeAPIKey      string
	YouTubeBaseURL     string
	MaxContentDuration time.Duration
	ContentPolicyFile  string
	ContentCacheTTL    time.Duration

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Multi-instance configuration
	LeaderElectionEnabled bool
	InstanceID            string

	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:   getEnvAny([]string{"JUKEBOX_ENV", "ENV"}, "development"),
		HTTPBind:      getEnvAny([]string{"JUKEBOX_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:      getEnvIntAny([]string{"JUKEBOX_HTTP_PORT", "PORT"}, 8080),
		DBBackend:     DatabaseBackend(getEnvAny([]string{"JUKEBOX_DB_BACKEND"}, string(DatabasePostgres))),
		DBDSN:         getEnvAny([]string{"JUKEBOX_DB_DSN", "DATABASE_URL"}, ""),
		JWTSigningKey: getEnvAny([]string{"JUKEBOX_JWT_SIGNING_KEY"}, ""),
		MetricsBind:   getEnvAny([]string{"JUKEBOX_METRICS_BIND"}, "127.0.0.1:9000"),

		RedisAddr:     getEnvAny([]string{"JUKEBOX_REDIS_ADDR", "REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"JUKEBOX_REDIS_PASSWORD", "REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"JUKEBOX_REDIS_DB"}, 0),

		LedgerBackend:   LedgerBackend(getEnvAny([]string{"JUKEBOX_LEDGER_BACKEND"}, string(LedgerDatabase))),
		NotifierBackend: NotifierBackend(getEnvAny([]string{"JUKEBOX_NOTIFIER_BACKEND"}, string(NotifierMemory))),
		NATSURL:         getEnvAny([]string{"JUKEBOX_NATS_URL", "NATS_URL"}, "nats://localhost:4222"),

		ChainRPCURL:     getEnvAny([]string{"JUKEBOX_CHAIN_RPC_URL", "CHAIN_RPC_URL"}, ""),
		ContractAddress: getEnvAny([]string{"JUKEBOX_CONTRACT_ADDRESS"}, ""),
		TreasuryAddress: getEnvAny([]string{"JUKEBOX_TREASURY_ADDRESS"}, ""),
		TokenAddress:    getEnvAny([]string{"JUKEBOX_TOKEN_ADDRESS"}, ""),
		MinPrice:        getEnvAny([]string{"JUKEBOX_MIN_PRICE"}, "0"),

		MaxQueueLength:     getEnvIntAny([]string{"JUKEBOX_MAX_QUEUE_LENGTH"}, 50),
		RecreateInterval:   getEnvDurationAny([]string{"JUKEBOX_RECREATE_INTERVAL"}, 8*time.Minute),
		RecreateCooldown:   getEnvDurationAny([]string{"JUKEBOX_RECREATE_COOLDOWN"}, 30*time.Second),
		SettleInterval:     getEnvDurationAny([]string{"JUKEBOX_SETTLE_INTERVAL"}, time.Second),
		FilterPollInterval: getEnvDurationAny([]string{"JUKEBOX_FILTER_POLL_INTERVAL"}, 4*time.Second),

		YouTubeAPIKey:      getEnvAny([]string{"JUKEBOX_YOUTUBE_API_KEY", "YOUTUBE_API_KEY"}, ""),
		YouTubeBaseURL:     getEnvAny([]string{"JUKEBOX_YOUTUBE_BASE_URL"}, "https://www.googleapis.com/youtube/v3"),
		MaxContentDuration: getEnvDurationAny([]string{"JUKEBOX_MAX_CONTENT_DURATION"}, 10*time.Minute),
		ContentPolicyFile:  getEnvAny([]string{"JUKEBOX_CONTENT_POLICY_FILE"}, ""),
		ContentCacheTTL:    getEnvDurationAny([]string{"JUKEBOX_CONTENT_CACHE_TTL"}, time.Hour),

		TracingEnabled:    getEnvBoolAny([]string{"JUKEBOX_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"JUKEBOX_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"JUKEBOX_TRACING_SAMPLE_RATE"}, 1.0),

		LeaderElectionEnabled: getEnvBoolAny([]string{"JUKEBOX_LEADER_ELECTION_ENABLED"}, false),
		InstanceID:            getEnvAny([]string{"JUKEBOX_INSTANCE_ID", "HOSTNAME"}, ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.DBBackend != DatabasePostgres && c.DBBackend != DatabaseMySQL && c.DBBackend != DatabaseSQLite {
		return fmt.Errorf("unsupported database backend %q", c.DBBackend)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("JUKEBOX_DB_DSN or DATABASE_URL must be provided")
	}
	if c.JWTSigningKey == "" {
		return fmt.Errorf("JUKEBOX_JWT_SIGNING_KEY must be provided")
	}
	if c.LedgerBackend != LedgerDatabase && c.LedgerBackend != LedgerRedis {
		return fmt.Errorf("unsupported ledger backend %q", c.LedgerBackend)
	}
	switch c.NotifierBackend {
	case NotifierMemory, NotifierRedis, NotifierNATS:
	default:
		return fmt.Errorf("unsupported notifier backend %q", c.NotifierBackend)
	}
	if c.MaxQueueLength < 1 {
		return fmt.Errorf("JUKEBOX_MAX_QUEUE_LENGTH must be at least 1, got %d", c.MaxQueueLength)
	}
	if c.ChainRPCURL != "" {
		if !addressPattern.MatchString(c.ContractAddress) {
			return fmt.Errorf("JUKEBOX_CONTRACT_ADDRESS %q is not a valid address", c.ContractAddress)
		}
		if !addressPattern.MatchString(c.TreasuryAddress) {
			return fmt.Errorf("JUKEBOX_TREASURY_ADDRESS %q is not a valid address", c.TreasuryAddress)
		}
		if c.TokenAddress != "" && !addressPattern.MatchString(c.TokenAddress) {
			return fmt.Errorf("JUKEBOX_TOKEN_ADDRESS %q is not a valid address", c.TokenAddress)
		}
	}
	if !isDecimal(c.MinPrice) {
		return fmt.Errorf("JUKEBOX_MIN_PRICE %q is not a decimal integer", c.MinPrice)
	}
	if c.RecreateCooldown > c.RecreateInterval {
		return fmt.Errorf("recreate cooldown %s exceeds recreate interval %s", c.RecreateCooldown, c.RecreateInterval)
	}
	return nil
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"JUKEBOX_QUEUE_MAX":        "use JUKEBOX_MAX_QUEUE_LENGTH",
		"JUKEBOX_LISTENER_REFRESH": "use JUKEBOX_RECREATE_INTERVAL",
		"TREASURY_ADDRESS":         "use JUKEBOX_TREASURY_ADDRESS",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvDurationAny accepts Go duration strings ("90s") or plain seconds ("90").
func getEnvDurationAny(keys []string, def time.Duration) time.Duration {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			if parsed, err := time.ParseDuration(v); err == nil {
				return parsed
			}
			if secs, err := strconv.Atoi(v); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return def
}
