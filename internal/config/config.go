package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	ScienceBase ScienceBaseConfig `yaml:"sciencebase" mapstructure:"sciencebase"`
	Lccnet      LccnetConfig      `yaml:"lccnet" mapstructure:"lccnet"`
	Sync        SyncConfig        `yaml:"sync" mapstructure:"sync"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxLogRows  int    `yaml:"max_log_rows" mapstructure:"max_log_rows"`
}

// ScienceBaseConfig configures the upstream read API crawl.
type ScienceBaseConfig struct {
	BaseURL          string        `yaml:"base_url" mapstructure:"base_url"`
	PageSize         int           `yaml:"page_size" mapstructure:"page_size"`
	MaxAttempts      int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryPause       time.Duration `yaml:"retry_pause" mapstructure:"retry_pause"`
	RateLimitEvery   int           `yaml:"rate_limit_every" mapstructure:"rate_limit_every"`
	RateLimitPause   time.Duration `yaml:"rate_limit_pause" mapstructure:"rate_limit_pause"`
	MetadataFileName string        `yaml:"metadata_file_name" mapstructure:"metadata_file_name"`
	Tag              string        `yaml:"tag" mapstructure:"tag"`
}

// LccnetConfig configures the downstream write-back session.
type LccnetConfig struct {
	BaseURL  string  `yaml:"base_url" mapstructure:"base_url"`
	Username string  `yaml:"username" mapstructure:"username"`
	Password string  `yaml:"password" mapstructure:"password"`
	RPS      float64 `yaml:"rps" mapstructure:"rps"`
}

// SyncConfig configures pipeline pacing.
type SyncConfig struct {
	LccPause time.Duration `yaml:"lcc_pause" mapstructure:"lcc_pause"`
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
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "catalog.db")
	v.SetDefault("store.max_log_rows", 10000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("sciencebase.base_url", "https://www.sciencebase.gov/catalog")
	v.SetDefault("sciencebase.page_size", 20)
	v.SetDefault("sciencebase.max_attempts", 5)
	v.SetDefault("sciencebase.retry_pause", 120*time.Second)
	v.SetDefault("sciencebase.rate_limit_every", 200)
	v.SetDefault("sciencebase.rate_limit_pause", 120*time.Second)
	v.SetDefault("sciencebase.metadata_file_name", "md_metadata.json")
	v.SetDefault("sciencebase.tag", "LCC Network Science Catalog")
	v.SetDefault("lccnet.base_url", "https://lccnetwork.org")
	v.SetDefault("lccnet.rps", 2.0)
	v.SetDefault("sync.lcc_pause", 30*time.Second)

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
