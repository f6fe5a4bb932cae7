package ingest

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

type KafkaConfig struct {
	Brokers   flagext.StringSliceCSV `yaml:"brokers"`
	Topic     string                 `yaml:"topic"`
	GroupBase string                 `yaml:"group_base"`

	// DeliveryTimeout bounds how long the client may spend delivering one
	// record; EnqueueTimeout bounds how long Produce waits overall.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	EnqueueTimeout  time.Duration `yaml:"enqueue_timeout"`

	// CommitInterval is how often stored (marked) offsets are committed.
	CommitInterval time.Duration `yaml:"commit_interval"`
}

func (cfg *KafkaConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Topic = "user_tags"
	cfg.GroupBase = "allezon"
	cfg.DeliveryTimeout = 10 * time.Second
	cfg.EnqueueTimeout = 5 * time.Second
	cfg.CommitInterval = 5 * time.Second

	f.Var(&cfg.Brokers, prefix+".brokers", "Comma-separated Kafka broker addresses.")
	f.StringVar(&cfg.Topic, prefix+".topic", cfg.Topic, "Topic user tags are produced to.")
	f.StringVar(&cfg.GroupBase, prefix+".group-base", cfg.GroupBase, "Prefix for consumer group names.")
	f.DurationVar(&cfg.DeliveryTimeout, prefix+".delivery-timeout", cfg.DeliveryTimeout, "Per-record delivery timeout.")
	f.DurationVar(&cfg.EnqueueTimeout, prefix+".enqueue-timeout", cfg.EnqueueTimeout, "How long Produce waits for the record to be acknowledged.")
	f.DurationVar(&cfg.CommitInterval, prefix+".commit-interval", cfg.CommitInterval, "How often marked offsets are committed.")
}

func (cfg *KafkaConfig) Validate() error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	if cfg.Topic == "" {
		return fmt.Errorf("kafka topic must not be empty")
	}
	if cfg.GroupBase == "" {
		return fmt.Errorf("kafka group base must not be empty")
	}
	return nil
}

// NewWriterClient returns the kgo.Client used by the Producer.
func NewWriterClient(cfg KafkaConfig, metrics *kprom.Metrics, opts ...kgo.Opt) (*kgo.Client, error) {
	opts = append(opts,
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.AllowAutoTopicCreation(),
		kgo.RecordDeliveryTimeout(cfg.DeliveryTimeout),
		kgo.WithHooks(metrics),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka writer client: %w", err)
	}
	return client, nil
}

// NewReaderClient returns a group-consumer kgo.Client. Offsets are stored by
// the application (marks) and committed periodically; consumption starts at
// the earliest offset when the group has none.
func NewReaderClient(cfg KafkaConfig, group string, metrics *kprom.Metrics, opts ...kgo.Opt) (*kgo.Client, error) {
	opts = append(opts,
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup(group),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(cfg.CommitInterval),
		kgo.FetchMaxWait(5*time.Second),
		kgo.WithHooks(metrics),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka reader client: %w", err)
	}
	return client, nil
}

func NewClientMetrics(component string, reg prometheus.Registerer) *kprom.Metrics {
	return kprom.NewMetrics("allezon_ingest",
		kprom.Registerer(prometheus.WrapRegistererWith(prometheus.Labels{"component": component}, reg)))
}

// Pinger is anything that can check broker reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WaitForBrokers pings the cluster until it responds or the retries run out.
func WaitForBrokers(ctx context.Context, client Pinger, logger log.Logger) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
		MaxRetries: 10,
	})

	var err error
	for boff.Ongoing() {
		if err = client.Ping(ctx); err == nil {
			return nil
		}
		level.Warn(logger).Log("msg", "kafka brokers not reachable yet", "err", err)
		boff.Wait()
	}

	if err == nil {
		err = boff.Err()
	}
	return fmt.Errorf("waiting for kafka brokers: %w", err)
}
