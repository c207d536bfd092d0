// Package config loads the engine's runtime configuration from a YAML file,
// a .env file and SIGNAL_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/opina-lab/signal-engine/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SIGNAL_"

// Config holds the engine's runtime configuration.
type Config struct {
	DBDriver   string `yaml:"db_driver"`
	DBDSN      string `yaml:"db_dsn"`
	ListenAddr string `yaml:"listen_addr"`
	// BackendURL points commands at a remote server instead of the local
	// database when set.
	BackendURL string `yaml:"backend_url"`

	BatchSize          int           `yaml:"batch_size"`
	TournamentPoolSize int           `yaml:"tournament_pool_size"`
	CrownAfter         int           `yaml:"crown_after"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	ResolverCacheSize  int           `yaml:"resolver_cache_size"`
	ResolverCacheTTL   time.Duration `yaml:"resolver_cache_ttl"`

	DailySignalLimit   int            `yaml:"daily_signal_limit"`
	TierLimits         map[string]int `yaml:"tier_limits"`
	RateLimitPerMinute int            `yaml:"rate_limit_per_minute"`
	InviteRequired     bool           `yaml:"invite_required"`
	RequireProfile     bool           `yaml:"require_profile"`
	MinDepthStage      int            `yaml:"min_depth_stage"`

	QuestionsDir string `yaml:"questions_dir"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	DemoMode     bool   `yaml:"demo_mode"`
}

// Load reads the YAML file at path (optional when empty), applies .env and
// environment overrides, fills defaults and validates.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	_ = godotenv.Load()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, domain.WrapEngineError(domain.ErrConfigInvalid.Code, domain.ErrConfigInvalid.Message, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnv overrides fields from SIGNAL_* variables. Unparseable values are
// reported together.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = b
	}

	str("DB_DRIVER", &c.DBDriver)
	str("DB_DSN", &c.DBDSN)
	str("LISTEN_ADDR", &c.ListenAddr)
	str("BACKEND_URL", &c.BackendURL)
	str("QUESTIONS_DIR", &c.QuestionsDir)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	num("BATCH_SIZE", &c.BatchSize)
	num("TOURNAMENT_POOL_SIZE", &c.TournamentPoolSize)
	num("CROWN_AFTER", &c.CrownAfter)
	num("RESOLVER_CACHE_SIZE", &c.ResolverCacheSize)
	num("DAILY_SIGNAL_LIMIT", &c.DailySignalLimit)
	num("RATE_LIMIT_PER_MINUTE", &c.RateLimitPerMinute)
	num("MIN_DEPTH_STAGE", &c.MinDepthStage)
	flag("INVITE_REQUIRED", &c.InviteRequired)
	flag("REQUIRE_PROFILE", &c.RequireProfile)
	flag("DEMO_MODE", &c.DemoMode)

	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = d
	}
	dur("CALL_TIMEOUT", &c.CallTimeout)
	dur("RESOLVER_CACHE_TTL", &c.ResolverCacheTTL)
	return errs
}

func (c *Config) applyDefaults() {
	if c.DBDriver == "" {
		c.DBDriver = "sqlite"
	}
	if c.DBDSN == "" && c.DBDriver == "sqlite" {
		c.DBDSN = "signals.db"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":9810"
	}
	if c.BatchSize == 0 {
		c.BatchSize = 12
	}
	if c.TournamentPoolSize == 0 {
		c.TournamentPoolSize = 16
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.ResolverCacheSize == 0 {
		c.ResolverCacheSize = 256
	}
	if c.ResolverCacheTTL == 0 {
		c.ResolverCacheTTL = 5 * time.Minute
	}
	if c.MinDepthStage == 0 {
		c.MinDepthStage = 2
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
}

func (c *Config) validate() error {
	var errs error

	switch c.DBDriver {
	case "sqlite", "pgx":
	default:
		errs = multierr.Append(errs, fmt.Errorf("db_driver must be sqlite or pgx, got %q", c.DBDriver))
	}
	if c.DBDSN == "" {
		errs = multierr.Append(errs, errors.New("db_dsn is required"))
	}
	if c.BatchSize < 1 {
		errs = multierr.Append(errs, errors.New("batch_size must be positive"))
	}
	if c.TournamentPoolSize < 2 {
		errs = multierr.Append(errs, errors.New("tournament_pool_size must be at least 2"))
	}
	if c.CrownAfter < 0 {
		errs = multierr.Append(errs, errors.New("crown_after must not be negative"))
	}
	if c.CallTimeout < 0 {
		errs = multierr.Append(errs, errors.New("call_timeout must not be negative"))
	}
	if c.DailySignalLimit < 0 {
		errs = multierr.Append(errs, errors.New("daily_signal_limit must not be negative"))
	}
	if c.RateLimitPerMinute < 0 {
		errs = multierr.Append(errs, errors.New("rate_limit_per_minute must not be negative"))
	}
	for tier, n := range c.TierLimits {
		if n < -1 {
			errs = multierr.Append(errs, fmt.Errorf("tier_limits[%s] must be -1 or more", tier))
		}
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log_format must be json or console, got %q", c.LogFormat))
	}

	if errs != nil {
		return domain.WrapEngineError(domain.ErrConfigInvalid.Code, domain.ErrConfigInvalid.Message, errs)
	}
	return nil
}
