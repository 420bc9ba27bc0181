package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SYNCQ_REDIS_ADDR.
const EnvPrefix = "SYNCQ"

var defaults = map[string]any{
	"backend":        "redis",
	"namespace":      "default",
	"lock_stale":     60 * time.Second,
	"log.level":      "info",
	"log.format":     "text",
	"redis.addr":     "127.0.0.1:6379",
	"redis.password": "",
	"redis.db":       0,
	"sqlite.path":    "syncq.db",
}

// Load reads configuration. When path is empty, ./syncq.yaml is used if it
// exists. Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("syncq")
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
	// Unmarshal only sees env values for keys viper already knows about.
	for k := range defaults {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("error binding environment variable for %s: %w", k, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}
