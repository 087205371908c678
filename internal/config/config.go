package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/molmin/internal/forcefield"
	"github.com/copyleftdev/molmin/internal/minimize"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Metrics struct {
		Namespace      string `env:"METRICS_NAMESPACE" envDefault:"molmin"`
		GoMetrics      bool   `env:"METRICS_GO" envDefault:"true"`
		ProcessMetrics bool   `env:"METRICS_PROCESS" envDefault:"false"`
	}
	Minimization struct {
		Steps      int     `env:"MIN_STEPS" envDefault:"100"`
		Criterion  float64 `env:"MIN_CRITERION" envDefault:"0.001"`
		ForceField string  `env:"MIN_FORCE_FIELD" envDefault:"mmff"`
		Fallback   string  `env:"MIN_FALLBACK_FORCE_FIELD" envDefault:"uff"`
		Units      string  `env:"MIN_ENERGY_UNITS" envDefault:"kJ"`
		// MaxJobs caps concurrently running server jobs.
		MaxJobs int `env:"MIN_MAX_JOBS" envDefault:"16"`
		// StepDelay paces background steps so clients can follow progress.
		StepDelay time.Duration `env:"MIN_STEP_DELAY" envDefault:"0s"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Logging.Level == "" {
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		} else {
			cfg.Logging.Level = "info"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the minimizer cannot use.
func (c *Config) Validate() error {
	var errs []error
	m := c.Minimization
	for _, name := range []string{m.ForceField, m.Fallback} {
		if !forcefield.Known(name) {
			errs = append(errs, fmt.Errorf("unknown force field %q (known: %v)", name, forcefield.Names()))
		}
	}
	if _, err := forcefield.ParseUnits(m.Units); err != nil {
		errs = append(errs, err)
	}
	if m.Criterion <= 0 {
		errs = append(errs, fmt.Errorf("MIN_CRITERION must be positive, got %g", m.Criterion))
	}
	if m.MaxJobs < 1 {
		errs = append(errs, fmt.Errorf("MIN_MAX_JOBS must be at least 1, got %d", m.MaxJobs))
	}
	if m.StepDelay < 0 {
		errs = append(errs, fmt.Errorf("MIN_STEP_DELAY must not be negative, got %s", m.StepDelay))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Logging.Format))
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("HTTP_PORT out of range: %d", c.HTTP.Port))
	}
	return errors.Join(errs...)
}

// Defaults returns the minimization settings jobs inherit.
func (c *Config) Defaults() minimize.Config {
	units, err := forcefield.ParseUnits(c.Minimization.Units)
	if err != nil {
		units = forcefield.KJ
	}
	return minimize.Config{
		Steps:      c.Minimization.Steps,
		Criterion:  c.Minimization.Criterion,
		ForceField: c.Minimization.ForceField,
		Fallback:   c.Minimization.Fallback,
		Units:      units,
	}
}

// GetEnv returns the value of the environment variable or the default value
func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
