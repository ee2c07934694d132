package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Services ServicesConfig `mapstructure:"services"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Database DatabaseConfig `mapstructure:"database"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ServicesConfig holds the base URLs of the external collaborators.
type ServicesConfig struct {
	MetadataURL string `mapstructure:"metadata_url"`
	BuildURL    string `mapstructure:"build_url"`
	ComposeURL  string `mapstructure:"compose_url"`
	AdvisoryURL string `mapstructure:"advisory_url"`
}

type EngineConfig struct {
	// Workers bounds concurrent ancestry resolutions.
	Workers int `mapstructure:"workers"`
	// MaxDepth bounds the parent chain walk.
	MaxDepth int `mapstructure:"max_depth"`
	// QueueSize is the trigger queue capacity.
	QueueSize int `mapstructure:"queue_size"`
	// RetryTimeout and RetryInterval shape the lookup retry policy.
	RetryTimeout  time.Duration `mapstructure:"retry_timeout"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type PolicyConfig struct {
	// File is the yaml policy path; empty selects the default policy.
	File string `mapstructure:"file"`
}

type LoggingConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Dir        string `mapstructure:"dir"`
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

func Load() (*Config, error) {
	var cfg Config

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("engine.workers", 4)
	viper.SetDefault("engine.max_depth", 10)
	viper.SetDefault("engine.queue_size", 1024)
	viper.SetDefault("engine.retry_timeout", "2m")
	viper.SetDefault("engine.retry_interval", "10s")
	viper.SetDefault("database.path", "./rebuildd.db")
	viper.SetDefault("logging.enabled", false)
	viper.SetDefault("logging.dir", "./logs")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.file", "rebuildd.log")
	viper.SetDefault("logging.max_size", 100)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 28)
	viper.SetDefault("logging.compress", true)

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %v", err)
	}

	// Validate required fields
	var missing []string
	if cfg.Services.MetadataURL == "" {
		missing = append(missing, "services.metadata_url")
	}
	if cfg.Services.BuildURL == "" {
		missing = append(missing, "services.build_url")
	}
	if cfg.Services.ComposeURL == "" {
		missing = append(missing, "services.compose_url")
	}
	if cfg.Services.AdvisoryURL == "" {
		missing = append(missing, "services.advisory_url")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if cfg.Engine.Workers <= 0 {
		return nil, fmt.Errorf("engine.workers must be positive")
	}
	if cfg.Engine.MaxDepth <= 0 {
		return nil, fmt.Errorf("engine.max_depth must be positive")
	}
	if cfg.Engine.RetryInterval <= 0 || cfg.Engine.RetryTimeout < cfg.Engine.RetryInterval {
		return nil, fmt.Errorf("engine.retry_timeout must be at least engine.retry_interval")
	}

	log.Debug().
		Str("metadata", cfg.Services.MetadataURL).
		Str("database", cfg.Database.Path).
		Int("workers", cfg.Engine.Workers).
		Msg("Configuration loaded")
	return &cfg, nil
}
