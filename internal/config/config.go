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
	BDC    BDCConfig    `yaml:"bdc" mapstructure:"bdc"`
	Cache  CacheConfig  `yaml:"cache" mapstructure:"cache"`
	Merge  MergeConfig  `yaml:"merge" mapstructure:"merge"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// BDCConfig configures the catalog client and downloader.
type BDCConfig struct {
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	Username         string `yaml:"username" mapstructure:"username"`
	APIKey           string `yaml:"api_key" mapstructure:"api_key"`
	Category         string `yaml:"category" mapstructure:"category"`
	DownloadsPerMin  int    `yaml:"downloads_per_min" mapstructure:"downloads_per_min"`
	MinRecordCount   int    `yaml:"min_record_count" mapstructure:"min_record_count"`
	TempDir          string `yaml:"temp_dir" mapstructure:"temp_dir"`
	DownloadTimeout  int    `yaml:"download_timeout_secs" mapstructure:"download_timeout_secs"`
}

// CacheConfig configures the clip result cache.
type CacheConfig struct {
	Path    string `yaml:"path" mapstructure:"path"`
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
}

// MergeConfig configures the merge coordinator.
type MergeConfig struct {
	MaxWorkers        int     `yaml:"max_workers" mapstructure:"max_workers"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	SimplifyTolerance float64 `yaml:"simplify_tolerance" mapstructure:"simplify_tolerance"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("COVERAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("bdc.base_url", "https://bdc.fcc.gov/api/public")
	v.SetDefault("bdc.username", "")
	v.SetDefault("bdc.api_key", "")
	v.SetDefault("bdc.category", "State")
	v.SetDefault("bdc.downloads_per_min", 10)
	v.SetDefault("bdc.min_record_count", 100)
	v.SetDefault("bdc.temp_dir", "")
	v.SetDefault("bdc.download_timeout_secs", 120)
	v.SetDefault("cache.path", "coverage-cache.db")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("merge.max_workers", 4)
	v.SetDefault("merge.timeout_secs", 600)
	v.SetDefault("merge.simplify_tolerance", 0.0001)
	v.SetDefault("server.port", 8080)
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
