// Package config loads agent configuration from the environment, command
// line flags and an optional YAML file describing groups and targets.
//
// Precedence is flags over environment over defaults. The groups file, when
// set, replaces the single default group.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	IngestionURL string `env:"INGESTION_URL" envDefault:"https://in.appcenter.ms"`
	AppSecret    string `env:"APP_SECRET"`
	BearerToken  string `env:"BEARER_TOKEN"`
	InstallID    string `env:"INSTALL_ID"`

	StoragePath    string `env:"STORAGE_PATH" envDefault:"./data/telemetry.db"`
	MaxStorageSize int64  `env:"MAX_STORAGE_SIZE" envDefault:"10485760"`

	LogRootPath     string        `env:"LOG_PATH" envDefault:"/var/log/pods"`
	NodeName        string        `env:"NODE_NAME" envDefault:"unknown"`
	ScanInterval    time.Duration `env:"SCAN_INTERVAL" envDefault:"30s"`
	Workers         int           `env:"WORKERS" envDefault:"4"`
	FileQueueSize   int           `env:"FILE_QUEUE_SIZE" envDefault:"50"`
	FileIdleTimeout time.Duration `env:"FILE_IDLE_TIMEOUT" envDefault:"5m"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"1m"`

	MaxConcurrentSends int64           `env:"MAX_CONCURRENT_SENDS" envDefault:"4"`
	RetryIntervals     []time.Duration `env:"RETRY_INTERVALS" envDefault:"10s,5m,20m" envSeparator:","`
	ProbeAddress       string          `env:"PROBE_ADDRESS"`
	ProbeInterval      time.Duration   `env:"PROBE_INTERVAL" envDefault:"15s"`

	DefaultGroup        string        `env:"DEFAULT_GROUP" envDefault:"logs"`
	TriggerCount        int           `env:"TRIGGER_COUNT" envDefault:"50"`
	TriggerInterval     time.Duration `env:"TRIGGER_INTERVAL" envDefault:"3s"`
	MaxParallelRequests int           `env:"MAX_PARALLEL_REQUESTS" envDefault:"3"`

	GroupsFile string `env:"GROUPS_FILE"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"LOG_FORMAT" envDefault:"text"`

	Targets []Target `env:"-"`
	Groups  []Group  `env:"-"`
}

type Target struct {
	Name    string `yaml:"name"`
	Parent  string `yaml:"parent"`
	Enabled *bool  `yaml:"enabled"`
}

// IsEnabled reports the configured initial state; targets default to enabled.
func (t Target) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

type Group struct {
	Name                string        `yaml:"name"`
	Target              string        `yaml:"target"`
	TriggerCount        int           `yaml:"trigger_count"`
	TriggerInterval     time.Duration `yaml:"trigger_interval"`
	MaxParallelRequests int           `yaml:"max_parallel_requests"`
	Enabled             *bool         `yaml:"enabled"`
}

// IsEnabled reports the configured initial state; groups default to enabled.
func (g Group) IsEnabled() bool {
	return g.Enabled == nil || *g.Enabled
}

type groupsFile struct {
	Targets []Target `yaml:"targets"`
	Groups  []Group  `yaml:"groups"`
}

// Load reads the environment, then applies args as flag overrides.
func Load(args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	flagSet := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.IngestionURL, "ingestion-url", cfg.IngestionURL, "ingestion endpoint base URL")
	flagSet.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "path of the log database")
	flagSet.Int64Var(&cfg.MaxStorageSize, "max-storage-size", cfg.MaxStorageSize, "maximum database size in bytes")
	flagSet.StringVar(&cfg.LogRootPath, "log-path", cfg.LogRootPath, "directory scanned for *.log files")
	flagSet.StringVar(&cfg.GroupsFile, "groups-file", cfg.GroupsFile, "YAML file with targets and groups")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flagSet.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	flagSet.IntVar(&cfg.Workers, "workers", cfg.Workers, "number of tailing workers")
	if err := flagSet.Parse(args); err != nil {
		return Config{}, err
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return Config{}, fmt.Errorf("unexpected argument: %s", extra[0])
	}

	if cfg.InstallID == "" {
		cfg.InstallID = uuid.NewString()
	}
	if cfg.ProbeAddress == "" {
		addr, err := probeAddress(cfg.IngestionURL)
		if err != nil {
			return Config{}, err
		}
		cfg.ProbeAddress = addr
	}

	if cfg.GroupsFile != "" {
		if err := cfg.loadGroupsFile(cfg.GroupsFile); err != nil {
			return Config{}, err
		}
	} else {
		cfg.Groups = []Group{{
			Name:                cfg.DefaultGroup,
			TriggerCount:        cfg.TriggerCount,
			TriggerInterval:     cfg.TriggerInterval,
			MaxParallelRequests: cfg.MaxParallelRequests,
		}}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadGroupsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read groups file: %w", err)
	}
	var file groupsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse groups file %s: %w", path, err)
	}
	for i := range file.Groups {
		g := &file.Groups[i]
		if g.TriggerCount == 0 {
			g.TriggerCount = c.TriggerCount
		}
		if g.TriggerInterval == 0 {
			g.TriggerInterval = c.TriggerInterval
		}
		if g.MaxParallelRequests == 0 {
			g.MaxParallelRequests = c.MaxParallelRequests
		}
	}
	c.Targets = file.Targets
	c.Groups = file.Groups
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if _, err := url.ParseRequestURI(c.IngestionURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid ingestion url %q", c.IngestionURL))
	}
	if c.StoragePath == "" {
		errs = append(errs, errors.New("storage path is required"))
	}
	if c.MaxStorageSize <= 0 {
		errs = append(errs, errors.New("max storage size must be positive"))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.FileQueueSize < 1 {
		errs = append(errs, errors.New("file queue size must be at least 1"))
	}
	if c.MaxConcurrentSends < 1 {
		errs = append(errs, errors.New("max concurrent sends must be at least 1"))
	}
	for _, d := range c.RetryIntervals {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("retry interval %s must be positive", d))
		}
	}
	if len(c.Groups) == 0 {
		errs = append(errs, errors.New("at least one group is required"))
	}

	targets := make(map[string]struct{}, len(c.Targets))
	for _, t := range c.Targets {
		if t.Name == "" {
			errs = append(errs, errors.New("target name is required"))
			continue
		}
		if _, dup := targets[t.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate target %q", t.Name))
		}
		if t.Parent != "" {
			if _, ok := targets[t.Parent]; !ok {
				errs = append(errs, fmt.Errorf("target %q: parent %q must be declared before it", t.Name, t.Parent))
			}
		}
		targets[t.Name] = struct{}{}
	}

	groups := make(map[string]struct{}, len(c.Groups))
	for _, g := range c.Groups {
		if g.Name == "" {
			errs = append(errs, errors.New("group name is required"))
			continue
		}
		if _, dup := groups[g.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate group %q", g.Name))
		}
		groups[g.Name] = struct{}{}
		if g.TriggerCount < 1 {
			errs = append(errs, fmt.Errorf("group %q: trigger count must be at least 1", g.Name))
		}
		if g.TriggerInterval < 0 {
			errs = append(errs, fmt.Errorf("group %q: trigger interval must not be negative", g.Name))
		}
		if g.MaxParallelRequests < 1 {
			errs = append(errs, fmt.Errorf("group %q: max parallel requests must be at least 1", g.Name))
		}
		if g.Target != "" {
			if _, ok := targets[g.Target]; !ok {
				errs = append(errs, fmt.Errorf("group %q: unknown target %q", g.Name, g.Target))
			}
		}
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func probeAddress(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid ingestion url %q", rawURL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "443"
	if u.Scheme == "http" {
		port = "80"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
