package api

import (
	"flag"
	"fmt"
	"time"
)

type Config struct {
	ListenAddress string `yaml:"listen_address"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.ListenAddress = ":8080"
	cfg.ReadTimeout = 30 * time.Second
	cfg.WriteTimeout = 30 * time.Second
	cfg.IdleTimeout = 120 * time.Second
	cfg.ShutdownTimeout = 30 * time.Second

	f.StringVar(&cfg.ListenAddress, prefix+".listen-address", cfg.ListenAddress, "HTTP listen address.")
	f.DurationVar(&cfg.ShutdownTimeout, prefix+".shutdown-timeout", cfg.ShutdownTimeout, "How long to wait for in-flight requests on shutdown.")
}

func (cfg *Config) Validate() error {
	if cfg.ListenAddress == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	return nil
}
