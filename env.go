package scopetree

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

// EnvConfig is the environment-driven part of the process configuration.
// Deployments flip profiling on without rebuilding:
//
//	SCOPETREE_ENABLED=true SCOPETREE_FLUSH=250ms ./app
type EnvConfig struct {
	Enabled bool   `env:"SCOPETREE_ENABLED" env-default:"false" env-description:"record frames"`
	Flush   string `env:"SCOPETREE_FLUSH" env-default:"never" env-description:"flush policy: never, every, or a duration"`
}

// Policy parses the configured flush policy.
func (c EnvConfig) Policy() (FlushPolicy, error) {
	return ParseFlushPolicy(c.Flush)
}

// ConfigFromEnv reads and validates EnvConfig from the environment.
func ConfigFromEnv() (EnvConfig, error) {
	var c EnvConfig
	if err := cleanenv.ReadEnv(&c); err != nil {
		return EnvConfig{}, fmt.Errorf("scopetree: reading environment: %w", err)
	}
	if _, err := c.Policy(); err != nil {
		return EnvConfig{}, fmt.Errorf("scopetree: %w", err)
	}
	return c, nil
}

// NewProcessFromEnv builds a process configured from the environment.
// Explicit options are applied afterwards and win.
func NewProcessFromEnv(opts ...Option) (*Process, error) {
	c, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	policy, err := c.Policy()
	if err != nil {
		return nil, err
	}
	all := make([]Option, 0, len(opts)+2)
	all = append(all, WithEnabled(c.Enabled), WithFlushPolicy(policy))
	all = append(all, opts...)
	return NewProcess(all...), nil
}
