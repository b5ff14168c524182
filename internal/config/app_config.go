package config

import (
	"time"
)

type AppConfig struct {
	Port            int           `yaml:"port" env:"APP_PORT" env-default:"8080"`
	DefaultTimeout  time.Duration `yaml:"default_timeout" env-default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env-default:"5s"`
	LogLevel        string        `yaml:"log_level" env:"APP_LOG_LEVEL" env-default:"debug"`
}
