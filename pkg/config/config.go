// Package config loads the engine configuration from YAML and resolves
// per-kind controller settings against global defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cloudforge/anvil/pkg/types"
)

// IterationConfig tunes one kind's controller loop. Zero values in a
// per-kind override inherit the corresponding default.
type IterationConfig struct {
	// PollInterval is the cadence of the periodic sweep that re-queues
	// every resource of the kind, and the delay applied after Wait and
	// RetryableError outcomes.
	PollInterval time.Duration `yaml:"poll_interval"`

	// DispatchInterval is how often the loop tries to claim due entries.
	DispatchInterval time.Duration `yaml:"dispatch_interval"`

	// HandlerTimeout bounds a single handler invocation.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	// MaxConcurrency bounds in-flight reconciliations per kind.
	MaxConcurrency int `yaml:"max_concurrency"`

	// ClaimBatchSize is the maximum number of entries claimed per dispatch.
	ClaimBatchSize int `yaml:"claim_batch_size"`

	// StaleLeaseAfter is how old a lease must be before another instance
	// may reclaim it. It must exceed HandlerTimeout or a slow handler's
	// lease can be stolen mid-flight.
	StaleLeaseAfter time.Duration `yaml:"stale_lease_after"`

	// RetainTerminal keeps terminal resources queued for periodic
	// re-evaluation instead of completing their queue entries. Off by
	// default; attestation-style kinds want their queues to drain.
	RetainTerminal bool `yaml:"retain_terminal"`
}

// StoreConfig selects and parameterizes the persistence backend.
type StoreConfig struct {
	// Backend is "postgres", "bolt" or "memory".
	Backend string `yaml:"backend"`
	// DSN is the PostgreSQL connection string for the postgres backend.
	DSN string `yaml:"dsn"`
}

// APIConfig parameterizes the HTTP API server.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ArchiveConfig parameterizes the optional history archiver.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	// Interval between archive snapshots.
	Interval time.Duration `yaml:"interval"`
}

// LogConfig parameterizes structured logging.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// Config is the root configuration document.
type Config struct {
	DataDir    string                     `yaml:"data_dir"`
	Store      StoreConfig                `yaml:"store"`
	API        APIConfig                  `yaml:"api"`
	Archive    ArchiveConfig              `yaml:"archive"`
	Log        LogConfig                  `yaml:"log"`
	Controller IterationConfig            `yaml:"controller"`
	Kinds      map[string]IterationConfig `yaml:"kinds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/anvil",
		Store:   StoreConfig{Backend: "bolt"},
		API:     APIConfig{ListenAddr: ":8080"},
		Archive: ArchiveConfig{Interval: time.Hour},
		Log:     LogConfig{Level: "info", JSONOutput: true},
		Controller: IterationConfig{
			PollInterval:     30 * time.Second,
			DispatchInterval: 2 * time.Second,
			HandlerTimeout:   3 * time.Minute,
			MaxConcurrency:   10,
			ClaimBatchSize:   10,
			StaleLeaseAfter:  5 * time.Minute,
		},
	}
}

// Load reads a YAML config file and merges it over the defaults. A missing
// path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run safely with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	case "bolt", "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	for kindName := range c.Kinds {
		if _, err := types.ParseKind(kindName); err != nil {
			return fmt.Errorf("kinds: %w", err)
		}
	}

	for _, kind := range types.AllKinds() {
		resolved := c.ForKind(kind)
		if resolved.StaleLeaseAfter <= resolved.HandlerTimeout {
			return fmt.Errorf("%s: stale_lease_after (%s) must exceed handler_timeout (%s)",
				kind, resolved.StaleLeaseAfter, resolved.HandlerTimeout)
		}
	}
	return nil
}

// ForKind resolves the iteration settings for one kind: the per-kind
// override where set, the global controller defaults otherwise.
func (c *Config) ForKind(kind types.Kind) IterationConfig {
	resolved := c.Controller
	override, ok := c.Kinds[string(kind)]
	if !ok {
		return resolved
	}
	if override.PollInterval > 0 {
		resolved.PollInterval = override.PollInterval
	}
	if override.DispatchInterval > 0 {
		resolved.DispatchInterval = override.DispatchInterval
	}
	if override.HandlerTimeout > 0 {
		resolved.HandlerTimeout = override.HandlerTimeout
	}
	if override.MaxConcurrency > 0 {
		resolved.MaxConcurrency = override.MaxConcurrency
	}
	if override.ClaimBatchSize > 0 {
		resolved.ClaimBatchSize = override.ClaimBatchSize
	}
	if override.StaleLeaseAfter > 0 {
		resolved.StaleLeaseAfter = override.StaleLeaseAfter
	}
	if override.RetainTerminal {
		resolved.RetainTerminal = true
	}
	return resolved
}
