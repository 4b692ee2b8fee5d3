// Package config loads the service configuration from an optional YAML file,
// a .env file and ETA_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Lines        []string       `yaml:"lines" validate:"required,min=1,unique,dive,required"`
	PollInterval time.Duration  `yaml:"poll_interval" validate:"gt=0s"`
	Workers      int            `yaml:"workers" validate:"min=1"`
	MatcherQueue int            `yaml:"matcher_queue" validate:"min=0"`
	Provider     ProviderConfig `yaml:"provider"`
	Events       EventsConfig   `yaml:"events"`
	Loki         LokiConfig     `yaml:"loki"`
	NATS         NATSConfig     `yaml:"nats"`
	API          APIConfig      `yaml:"api"`

	// DryRun is set from the command line only.
	DryRun bool `yaml:"-"`
}

type ProviderConfig struct {
	URL               string  `yaml:"url" validate:"required,url"`
	APIKey            string  `yaml:"api_key"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
}

// EventsConfig selects the CSV event log. An empty File or "-" writes to
// stdout.
type EventsConfig struct {
	File string `yaml:"file"`
}

// LokiConfig enables the Loki sink when URL is set.
type LokiConfig struct {
	URL      string `yaml:"url" validate:"omitempty,url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// NATSConfig enables the NATS sink when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Verbose bool   `yaml:"verbose"`
}

// APIConfig enables the query API when Addr is set.
type APIConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		PollInterval: 30 * time.Second,
		Workers:      4,
		MatcherQueue: 64,
		NATS:         NATSConfig{Subject: "eta.trips"},
		API:          APIConfig{Addr: ":8080"},
	}
}

// Load builds the configuration. path names an optional YAML file; an empty
// path skips it. A missing .env file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("ETA_LINES"); v != "" {
		cfg.Lines = splitList(v)
	}

	if v := os.Getenv("ETA_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid ETA_POLL_INTERVAL %q: %w", v, err)
		}
		cfg.PollInterval = d
	}

	if err := envInt("ETA_WORKERS", &cfg.Workers); err != nil {
		return err
	}
	if err := envInt("ETA_MATCHER_QUEUE", &cfg.MatcherQueue); err != nil {
		return err
	}

	if v := os.Getenv("ETA_PROVIDER_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid ETA_PROVIDER_RPS %q: %w", v, err)
		}
		cfg.Provider.RequestsPerSecond = f
	}

	envString("ETA_PROVIDER_URL", &cfg.Provider.URL)
	envString("ETA_PROVIDER_API_KEY", &cfg.Provider.APIKey)
	envString("ETA_EVENTS_FILE", &cfg.Events.File)
	envString("ETA_LOKI_URL", &cfg.Loki.URL)
	envString("ETA_LOKI_USER", &cfg.Loki.User)
	envString("ETA_LOKI_PASSWORD", &cfg.Loki.Password)
	envString("ETA_NATS_URL", &cfg.NATS.URL)
	envString("ETA_NATS_SUBJECT", &cfg.NATS.Subject)
	envString("ETA_API_ADDR", &cfg.API.Addr)

	if v := os.Getenv("ETA_API_ALLOWED_ORIGINS"); v != "" {
		cfg.API.AllowedOrigins = splitList(v)
	}

	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
