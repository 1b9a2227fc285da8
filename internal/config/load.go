package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TASKMGR"

// ConfigFileEnv names the environment variable holding an explicit config
// file path.
const ConfigFileEnv = EnvPrefix + "_CONFIG_FILE"

var defaults = map[string]any{
	"log.level": "info",

	"database.driver":            "postgres",
	"database.url":               "",
	"database.max_open_conns":    25,
	"database.max_idle_conns":    5,
	"database.conn_max_lifetime": "30m",

	"task_manager.node_id":               "",
	"task_manager.poll_interval":         "3s",
	"task_manager.max_poll_interval":     "1m",
	"task_manager.batch_size":            10,
	"task_manager.worker_count":          10,
	"task_manager.default_timeout":       "5m",
	"task_manager.liveness_timeout":      "5m",
	"task_manager.default_max_attempts":  3,
	"task_manager.candidate_multiplier":  4,
	"task_manager.shutdown_grace_period": "30s",
	"task_manager.event_buffer_size":     256,
	"task_manager.metrics_interval":      "1m",
	"task_manager.store_retries":         3,
	"task_manager.store_retry_base":      "100ms",
	"task_manager.housekeeping_interval": "1h",
}

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// The file is taken from TASKMGR_CONFIG_FILE, or config.yaml in the
// working directory when present.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(ConfigFileEnv))
}

// LoadFile is Load with an explicit config file. An empty path falls back
// to an optional config.yaml in the working directory.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its validation tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
