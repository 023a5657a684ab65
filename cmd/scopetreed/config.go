package main

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

type ServiceConfig struct {
	Port        int    `env:"PORT" env-default:"8080"`
	Environment string `env:"SCOPETREED_ENVIRONMENT" env-default:"development"`
	SentryDSN   string `env:"SENTRY_DSN"`

	// DataPath is ignored when InMemory is set; the store then lives and
	// dies with the process.
	DataPath      string `env:"SCOPETREED_DATA_PATH" env-default:"/var/lib/scopetreed"`
	InMemory      bool   `env:"SCOPETREED_IN_MEMORY" env-default:"false"`
	RetentionDays int    `env:"SCOPETREED_RETENTION_DAYS" env-default:"90"`

	// Flush is the policy simulated recordings run under: never, every,
	// or a duration.
	Flush string `env:"SCOPETREED_FLUSH" env-default:"every"`
	Debug bool   `env:"SCOPETREED_DEBUG" env-default:"false"`
}

func loadConfig() (ServiceConfig, error) {
	var c ServiceConfig
	if err := cleanenv.ReadEnv(&c); err != nil {
		return ServiceConfig{}, fmt.Errorf("reading environment: %w", err)
	}
	if c.RetentionDays <= 0 {
		return ServiceConfig{}, fmt.Errorf("retention days must be positive, got %d", c.RetentionDays)
	}
	return c, nil
}
