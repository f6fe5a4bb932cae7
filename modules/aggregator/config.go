package aggregator

import (
	"flag"
	"fmt"
	"time"
)

type Config struct {
	// FlushInterval is how often accumulated bucket deltas are written out.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// FlushConcurrency caps the number of concurrent bucket writes per flush.
	FlushConcurrency int `yaml:"flush_concurrency"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.FlushInterval = 15 * time.Second
	cfg.FlushConcurrency = 10

	f.DurationVar(&cfg.FlushInterval, prefix+".flush-interval", cfg.FlushInterval, "How often accumulated bucket deltas are flushed to the store.")
	f.IntVar(&cfg.FlushConcurrency, prefix+".flush-concurrency", cfg.FlushConcurrency, "Maximum concurrent bucket writes per flush.")
}

func (cfg *Config) Validate() error {
	if cfg.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}
	if cfg.FlushConcurrency <= 0 {
		return fmt.Errorf("flush concurrency must be positive")
	}
	return nil
}
