// Package config loads the routing engine's runtime configuration from CLI
// flags and environment variables, CLI taking precedence.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the routing engine.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DatabaseDSN       string
	Stage2DatabaseDSN string

	LocalSwitchHostID       int64
	InternalTrustedListener string

	RoutingCacheImpl string // "memory" or "redis"
	BusyCacheImpl    string // "memory" or "redis"
	RedisAddr        string

	CacheObjectLifetime  time.Duration
	RingbackTopDirectory string

	RoutingWarnThresholdMS int
	MaxDiscoveryDepth      int

	DBRetryCount  int
	DBRetryWaitMS int

	UntrustedRateLimitRPS   float64
	UntrustedRateLimitBurst int

	LogLevel  string
	LogFormat string

	StatsHistoryTTL   time.Duration
	StatsLogQueryTime bool

	WebBindAddress string
	WebPort        int
}

const (
	defaultCacheObjectLifetime    = 600 * time.Second
	defaultRoutingWarnThresholdMS = 500
	defaultMaxDiscoveryDepth      = 10
	defaultDBRetryCount           = 4
	defaultDBRetryWaitMS          = 1000
	defaultUntrustedRPS           = 5.0
	defaultUntrustedBurst         = 10
	defaultLogLevel              = "info"
	defaultLogFormat             = "text"
	defaultStatsHistoryTTL       = 24 * time.Hour
	defaultWebPort               = 8081
)

// envPrefix is the prefix for all routing-engine environment variables.
const envPrefix = "ROUTINGENGINE_"

// Load parses configuration from CLI flags and environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("routingengine", flag.ContinueOnError)

	fs.StringVar(&cfg.DatabaseDSN, "database-dsn", "", "PostgreSQL DSN for the stage-1 extension database")
	fs.StringVar(&cfg.Stage2DatabaseDSN, "stage2-database-dsn", "", "PostgreSQL DSN for the stage-2 dial-in database")
	fs.Int64Var(&cfg.LocalSwitchHostID, "local-switch-host-id", 0, "switch-host id this engine instance runs alongside")
	fs.StringVar(&cfg.InternalTrustedListener, "internal-trusted-listener", "", "connection id of the trusted internal listener")
	fs.StringVar(&cfg.RoutingCacheImpl, "routing-cache-impl", "memory", "routing cache implementation: memory or redis")
	fs.StringVar(&cfg.BusyCacheImpl, "busy-cache-impl", "memory", "busy cache implementation: memory or redis")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "address of the redis server backing the external cache implementations")
	fs.DurationVar(&cfg.CacheObjectLifetime, "cache-object-lifetime", defaultCacheObjectLifetime, "TTL for routing cache sub-plans")
	fs.StringVar(&cfg.RingbackTopDirectory, "ringback-top-directory", "", "directory containing ringback .slin files")
	fs.IntVar(&cfg.RoutingWarnThresholdMS, "routing-warn-threshold-ms", defaultRoutingWarnThresholdMS, "log a warning if a routing job exceeds this many milliseconds")
	fs.IntVar(&cfg.MaxDiscoveryDepth, "max-discovery-depth", defaultMaxDiscoveryDepth, "maximum extension-graph discovery depth")
	fs.IntVar(&cfg.DBRetryCount, "db-retry-count", defaultDBRetryCount, "number of attempts for the database retry wrapper")
	fs.IntVar(&cfg.DBRetryWaitMS, "db-retry-wait-ms", defaultDBRetryWaitMS, "fixed wait between database retry attempts, in milliseconds")
	fs.Float64Var(&cfg.UntrustedRateLimitRPS, "untrusted-rate-limit-rps", defaultUntrustedRPS, "requests per second allowed per untrusted connection id")
	fs.IntVar(&cfg.UntrustedRateLimitBurst, "untrusted-rate-limit-burst", defaultUntrustedBurst, "burst size for the untrusted connection rate limiter")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.DurationVar(&cfg.StatsHistoryTTL, "stats-history-ttl", defaultStatsHistoryTTL, "how long routing-duration samples are retained for introspection")
	fs.BoolVar(&cfg.StatsLogQueryTime, "stats-log-query-time", false, "log each database query's duration")
	fs.StringVar(&cfg.WebBindAddress, "web-bind-address", "", "bind address for the optional read-only debug HTTP surface (empty disables it)")
	fs.IntVar(&cfg.WebPort, "web-port", defaultWebPort, "port for the optional read-only debug HTTP surface")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag not
// explicitly provided on the command line, preserving CLI > env > default.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	lookup := func(name string) (string, bool) {
		if set[name] {
			return "", false
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return "", false
		}
		return val, true
	}

	if v, ok := lookup("database-dsn"); ok {
		cfg.DatabaseDSN = v
	}
	if v, ok := lookup("stage2-database-dsn"); ok {
		cfg.Stage2DatabaseDSN = v
	}
	if v, ok := lookup("local-switch-host-id"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.LocalSwitchHostID = n
		}
	}
	if v, ok := lookup("internal-trusted-listener"); ok {
		cfg.InternalTrustedListener = v
	}
	if v, ok := lookup("routing-cache-impl"); ok {
		cfg.RoutingCacheImpl = v
	}
	if v, ok := lookup("busy-cache-impl"); ok {
		cfg.BusyCacheImpl = v
	}
	if v, ok := lookup("redis-addr"); ok {
		cfg.RedisAddr = v
	}
	if v, ok := lookup("cache-object-lifetime"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheObjectLifetime = d
		}
	}
	if v, ok := lookup("ringback-top-directory"); ok {
		cfg.RingbackTopDirectory = v
	}
	if v, ok := lookup("routing-warn-threshold-ms"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RoutingWarnThresholdMS = n
		}
	}
	if v, ok := lookup("max-discovery-depth"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxDiscoveryDepth = n
		}
	}
	if v, ok := lookup("db-retry-count"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DBRetryCount = n
		}
	}
	if v, ok := lookup("db-retry-wait-ms"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DBRetryWaitMS = n
		}
	}
	if v, ok := lookup("untrusted-rate-limit-rps"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.UntrustedRateLimitRPS = f
		}
	}
	if v, ok := lookup("untrusted-rate-limit-burst"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UntrustedRateLimitBurst = n
		}
	}
	if v, ok := lookup("log-level"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookup("log-format"); ok {
		cfg.LogFormat = v
	}
	if v, ok := lookup("stats-history-ttl"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StatsHistoryTTL = d
		}
	}
	if v, ok := lookup("stats-log-query-time"); ok {
		cfg.StatsLogQueryTime = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := lookup("web-bind-address"); ok {
		cfg.WebBindAddress = v
	}
	if v, ok := lookup("web-port"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WebPort = n
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database-dsn is required")
	}
	if c.Stage2DatabaseDSN == "" {
		return fmt.Errorf("stage2-database-dsn is required")
	}
	if c.InternalTrustedListener == "" {
		return fmt.Errorf("internal-trusted-listener is required")
	}

	validCacheImpls := map[string]bool{"memory": true, "redis": true}
	if !validCacheImpls[c.RoutingCacheImpl] {
		return fmt.Errorf("routing-cache-impl must be one of memory, redis; got %q", c.RoutingCacheImpl)
	}
	if !validCacheImpls[c.BusyCacheImpl] {
		return fmt.Errorf("busy-cache-impl must be one of memory, redis; got %q", c.BusyCacheImpl)
	}
	if (c.RoutingCacheImpl == "redis" || c.BusyCacheImpl == "redis") && c.RedisAddr == "" {
		return fmt.Errorf("redis-addr is required when routing-cache-impl or busy-cache-impl is redis")
	}

	if c.MaxDiscoveryDepth <= 0 {
		return fmt.Errorf("max-discovery-depth must be positive, got %d", c.MaxDiscoveryDepth)
	}
	if c.DBRetryCount <= 0 {
		return fmt.Errorf("db-retry-count must be positive, got %d", c.DBRetryCount)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.WebBindAddress != "" && (c.WebPort < 1 || c.WebPort > 65535) {
		return fmt.Errorf("web-port must be between 1 and 65535, got %d", c.WebPort)
	}

	return nil
}

// DBRetryWait returns the configured database retry wait as a Duration.
func (c *Config) DBRetryWait() time.Duration {
	return time.Duration(c.DBRetryWaitMS) * time.Millisecond
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WebEnabled reports whether the optional debug HTTP surface should start.
func (c *Config) WebEnabled() bool {
	return c.WebBindAddress != ""
}
