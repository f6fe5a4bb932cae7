package app

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/multierror"

	"github.com/allezon/pipeline/modules/aggregator"
	"github.com/allezon/pipeline/modules/api"
	"github.com/allezon/pipeline/pkg/ingest"
	"github.com/allezon/pipeline/pkg/store"
)

const (
	// TargetAll runs the API and all consumers in one process.
	TargetAll = "all"
	// TargetAPI runs only the HTTP ingest and query endpoints.
	TargetAPI = "api"
	// TargetConsumer runs the profile writer and the aggregators.
	TargetConsumer = "consumer"
)

type Config struct {
	Target    string      `yaml:"target"`
	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`

	API        api.Config         `yaml:"api"`
	Kafka      ingest.KafkaConfig `yaml:"kafka"`
	Store      store.Config       `yaml:"store"`
	Aggregator aggregator.Config  `yaml:"aggregator"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = TargetAll
	c.LogFormat = "logfmt"
	_ = c.LogLevel.Set("info")

	f.StringVar(&c.Target, "target", c.Target, "Components to run: all, api or consumer.")
	f.StringVar(&c.LogFormat, "log.format", c.LogFormat, "Log format: logfmt or json.")
	f.Var(&c.LogLevel, "log.level", "Log level: debug, info, warn or error.")

	c.API.RegisterFlagsAndApplyDefaults(prefix+"api", f)
	c.Kafka.RegisterFlagsAndApplyDefaults(prefix+"kafka", f)
	c.Store.RegisterFlagsAndApplyDefaults(prefix+"store", f)
	c.Aggregator.RegisterFlagsAndApplyDefaults(prefix+"aggregator", f)
}

// ApplyEnv overlays well-known environment variables on top of the file and
// flag configuration. Unset variables leave the configured values alone.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv("SERVER_ADDR"); ok {
		c.API.ListenAddress = v
	}
	if v, ok := os.LookupEnv("AEROSPIKE_NODES"); ok {
		if err := c.Store.Nodes.Set(v); err != nil {
			return fmt.Errorf("parsing AEROSPIKE_NODES: %w", err)
		}
	}
	if v, ok := os.LookupEnv("KAFKA_BROKERS"); ok {
		if err := c.Kafka.Brokers.Set(v); err != nil {
			return fmt.Errorf("parsing KAFKA_BROKERS: %w", err)
		}
	}
	if v, ok := os.LookupEnv("KAFKA_TOPIC"); ok {
		c.Kafka.Topic = v
	}
	if v, ok := os.LookupEnv("KAFKA_GROUP_BASE"); ok {
		c.Kafka.GroupBase = v
	}
	if v, ok := os.LookupEnv("UPDATE_RETRY_LIMIT_MS"); ok {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return fmt.Errorf("invalid UPDATE_RETRY_LIMIT_MS %q", v)
		}
		c.Store.Retry.MaxElapsed = time.Duration(ms) * time.Millisecond
	}
	if v, ok := os.LookupEnv("AGGR_FLUSH_INTERVAL_MS"); ok {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return fmt.Errorf("invalid AGGR_FLUSH_INTERVAL_MS %q", v)
		}
		c.Aggregator.FlushInterval = time.Duration(ms) * time.Millisecond
	}
	return nil
}

// Validate collects all configuration problems instead of stopping at the
// first, so a broken deployment reports everything at once.
func (c *Config) Validate() error {
	errs := multierror.New()

	switch c.Target {
	case TargetAll, TargetAPI, TargetConsumer:
	default:
		errs.Add(fmt.Errorf("unknown target %q", c.Target))
	}

	if err := c.API.Validate(); err != nil {
		errs.Add(fmt.Errorf("api: %w", err))
	}
	if err := c.Kafka.Validate(); err != nil {
		errs.Add(fmt.Errorf("kafka: %w", err))
	}
	if err := c.Store.Validate(); err != nil {
		errs.Add(fmt.Errorf("store: %w", err))
	}
	if err := c.Aggregator.Validate(); err != nil {
		errs.Add(fmt.Errorf("aggregator: %w", err))
	}
	return errs.Err()
}
