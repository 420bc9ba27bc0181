// Package config loads syncqctl settings from a config file and SYNCQ_* environment variables.
package config

import "time"

// Config holds all syncqctl configuration.
type Config struct {
	// Backend selects where the queue snapshot lives.
	Backend   string        `mapstructure:"backend" validate:"required,oneof=redis sqlite"`
	Namespace string        `mapstructure:"namespace" validate:"required"`
	LockStale time.Duration `mapstructure:"lock_stale" validate:"gt=0"`
	Log       LogConfig     `mapstructure:"log" validate:"required"`
	Redis     RedisConfig   `mapstructure:"redis"`
	SQLite    SQLiteConfig  `mapstructure:"sqlite"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

// RedisConfig is used when Backend is "redis".
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// SQLiteConfig is used when Backend is "sqlite".
type SQLiteConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}
