package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Dedup      DedupConfig      `yaml:"dedup" mapstructure:"dedup"`
	Automation AutomationConfig `yaml:"automation" mapstructure:"automation"`
	Consent    ConsentConfig    `yaml:"consent" mapstructure:"consent"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string     `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string     `yaml:"database_url" mapstructure:"database_url"`
	Pool        PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolConfig holds optional Postgres pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// DedupConfig tunes the deduplication and linking engine.
type DedupConfig struct {
	// SimilarityThreshold is the cosine-similarity cutoff above which an
	// open candidate counts as a match for new evidence.
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	// AmbiguityMargin: when two or more candidates score above the
	// threshold within this margin of the best, the engine refuses to
	// auto-link and routes to manual review.
	AmbiguityMargin float64 `yaml:"ambiguity_margin" mapstructure:"ambiguity_margin"`
	// ReviewFloor: proposals below this confidence start in manual_review
	// instead of proposed.
	ReviewFloor float64 `yaml:"review_floor" mapstructure:"review_floor"`
}

// AutomationConfig gates AI-actor confirmation.
type AutomationConfig struct {
	AutoConfirm          bool    `yaml:"auto_confirm" mapstructure:"auto_confirm"`
	AutoConfirmThreshold float64 `yaml:"auto_confirm_threshold" mapstructure:"auto_confirm_threshold"`
}

// ConsentConfig configures the client consent workflow.
type ConsentConfig struct {
	TokenExpiryDays int `yaml:"token_expiry_days" mapstructure:"token_expiry_days"`
}

// PricingConfig holds order pricing defaults. Percent values are decimal
// strings so they survive config round-trips without float drift.
type PricingConfig struct {
	DefaultMarkupPercent string `yaml:"default_markup_percent" mapstructure:"default_markup_percent"`
	DefaultTaxPercent    string `yaml:"default_tax_percent" mapstructure:"default_tax_percent"`
	Currency             string `yaml:"currency" mapstructure:"currency"`
}

// IngestConfig configures ingestion staleness detection.
type IngestConfig struct {
	StaleAfterMinutes int `yaml:"stale_after_minutes" mapstructure:"stale_after_minutes"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int     `yaml:"port" mapstructure:"port"`
	AuthToken      string  `yaml:"auth_token" mapstructure:"auth_token"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CHANGEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "changeflow.db")
	v.SetDefault("dedup.similarity_threshold", 0.92)
	v.SetDefault("dedup.ambiguity_margin", 0.05)
	v.SetDefault("dedup.review_floor", 0.70)
	v.SetDefault("automation.auto_confirm", false)
	v.SetDefault("automation.auto_confirm_threshold", 0.90)
	v.SetDefault("consent.token_expiry_days", 2)
	v.SetDefault("pricing.default_markup_percent", "0")
	v.SetDefault("pricing.default_tax_percent", "0")
	v.SetDefault("pricing.currency", "USD")
	v.SetDefault("ingest.stale_after_minutes", 15)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_rps", 5)
	v.SetDefault("server.rate_limit_burst", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
