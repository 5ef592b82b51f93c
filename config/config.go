// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package config loads the configuration of cabbage workers and clients
// from YAML or JSON files and CABBAGE_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/olivere/cabbage"
)

// Config is the configuration of a cabbage process.
type Config struct {
	// Broker is the connection string of the message transport,
	// e.g. redis://localhost:6379/0.
	Broker string `mapstructure:"broker"`
	// Backend is the connection string of the result store,
	// e.g. redis://localhost:6379/1 or pebble:///var/lib/cabbage.
	Backend string `mapstructure:"backend"`
	// Namespace prefixes all Redis keys.
	Namespace string `mapstructure:"namespace"`
	// Codec is "json" or "cbor".
	Codec string `mapstructure:"codec"`
	// Queues consumed by workers.
	Queues []string `mapstructure:"queues"`
	// Concurrency is the number of handlers running in parallel.
	Concurrency int `mapstructure:"concurrency"`
	// PollInterval is the time between polls of an empty queue.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// VisibilityTimeout is the lease of a message handed out to a worker.
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	// ResultExpires is the time to keep results in Redis.
	ResultExpires time.Duration `mapstructure:"result_expires"`
	// Modules lists the task modules to load.
	Modules []string `mapstructure:"modules"`
	// Log configures logging.
	Log LogConfig `mapstructure:"log"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: logfmt or json
	Format string `mapstructure:"format"`
	// File is the path of a log file. Logs go to stderr if empty.
	File string `mapstructure:"file"`
	// MaxSizeMB is the size of a log file before it gets rotated.
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `mapstructure:"max_backups"`
	// MaxAgeDays is the number of days to keep rotated files.
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// Default returns a Config populated with the settings of the demo
// deployment: a Redis broker on db 0 and a Redis backend on db 1.
func Default() *Config {
	return &Config{
		Broker:            "redis://localhost:6379/0",
		Backend:           "redis://localhost:6379/1",
		Namespace:         "cabbage",
		Codec:             "json",
		Queues:            []string{cabbage.DefaultQueue},
		Concurrency:       5,
		PollInterval:      time.Second,
		VisibilityTimeout: time.Hour,
		ResultExpires:     24 * time.Hour,
		Log: LogConfig{
			Level:      "info",
			Format:     "logfmt",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix CABBAGE and `.`/`-` are replaced with `_`.
// Example: CABBAGE_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CABBAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("broker", cfg.Broker)
	v.SetDefault("backend", cfg.Backend)
	v.SetDefault("namespace", cfg.Namespace)
	v.SetDefault("codec", cfg.Codec)
	v.SetDefault("queues", cfg.Queues)
	v.SetDefault("concurrency", cfg.Concurrency)
	v.SetDefault("poll_interval", cfg.PollInterval)
	v.SetDefault("visibility_timeout", cfg.VisibilityTimeout)
	v.SetDefault("result_expires", cfg.ResultExpires)
	v.SetDefault("modules", cfg.Modules)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)

	if path == "" {
		path = os.Getenv("CABBAGE_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cabbage")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".cabbage"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.Errorf("invalid log.level: %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "logfmt", "json":
	default:
		return errors.Errorf("invalid log.format: %q", c.Log.Format)
	}
	if _, err := cabbage.NewCodec(c.Codec); err != nil {
		return err
	}
	if c.Broker == "" {
		return errors.New("broker is required")
	}
	if c.Backend == "" {
		return errors.New("backend is required")
	}
	if len(c.Queues) == 0 {
		c.Queues = []string{cabbage.DefaultQueue}
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	return nil
}

// URLOptions returns the options for opening the broker and backend.
func (c *Config) URLOptions() (cabbage.URLOptions, error) {
	codec, err := cabbage.NewCodec(c.Codec)
	if err != nil {
		return cabbage.URLOptions{}, err
	}
	return cabbage.URLOptions{
		Namespace:     c.Namespace,
		Visibility:    c.VisibilityTimeout,
		Codec:         codec,
		ResultExpires: c.ResultExpires,
	}, nil
}

// NewManager opens the broker and backend and creates a manager with
// the configured modules loaded. The caller closes the broker and the
// backend of the manager when done.
func (c *Config) NewManager(logger log.Logger) (*cabbage.Manager, error) {
	opts, err := c.URLOptions()
	if err != nil {
		return nil, err
	}
	broker, err := cabbage.OpenBroker(c.Broker, opts)
	if err != nil {
		return nil, err
	}
	backend, err := cabbage.OpenBackend(c.Backend, opts)
	if err != nil {
		broker.Close()
		return nil, err
	}
	m := cabbage.New(
		cabbage.SetBroker(broker),
		cabbage.SetBackend(backend),
		cabbage.SetCodec(opts.Codec),
		cabbage.SetLogger(logger),
		cabbage.SetQueues(c.Queues...),
		cabbage.SetConcurrency(c.Concurrency),
		cabbage.SetPollInterval(c.PollInterval),
	)
	if err := m.LoadModules(c.Modules...); err != nil {
		broker.Close()
		backend.Close()
		return nil, err
	}
	return m, nil
}
