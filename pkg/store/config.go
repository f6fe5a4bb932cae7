package store

import (
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/flagext"
)

type Config struct {
	Nodes     flagext.StringSliceCSV `yaml:"nodes"`
	Namespace string                 `yaml:"namespace"`
	Retry     RetryConfig            `yaml:"retry"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Namespace = "allezon"

	f.Var(&cfg.Nodes, prefix+".nodes", "Comma-separated Aerospike nodes (host:port).")
	f.StringVar(&cfg.Namespace, prefix+".namespace", cfg.Namespace, "Aerospike namespace records are kept in.")
	cfg.Retry.RegisterFlagsAndApplyDefaults(prefix+".retry", f)
}

func (cfg *Config) Validate() error {
	if len(cfg.Nodes) == 0 {
		return fmt.Errorf("no store nodes configured")
	}
	return cfg.Retry.Validate()
}

// RetryConfig drives the exponential backoff wrapper around update operations.
// Reads are not retried at this layer.
type RetryConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxElapsed     time.Duration `yaml:"max_elapsed"`
}

func (cfg *RetryConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.InitialBackoff = 50 * time.Millisecond
	cfg.MaxBackoff = time.Second
	cfg.MaxElapsed = 10 * time.Second

	f.DurationVar(&cfg.InitialBackoff, prefix+".initial-backoff", cfg.InitialBackoff, "First backoff delay after a failed store update.")
	f.DurationVar(&cfg.MaxBackoff, prefix+".max-backoff", cfg.MaxBackoff, "Upper bound on the backoff delay.")
	f.DurationVar(&cfg.MaxElapsed, prefix+".max-elapsed", cfg.MaxElapsed, "Total time budget for retrying a single update.")
}

func (cfg *RetryConfig) Validate() error {
	if cfg.MaxElapsed <= 0 {
		return fmt.Errorf("retry max_elapsed must be greater than 0, got %s", cfg.MaxElapsed)
	}
	if cfg.InitialBackoff <= 0 {
		return fmt.Errorf("retry initial_backoff must be greater than 0, got %s", cfg.InitialBackoff)
	}
	return nil
}
