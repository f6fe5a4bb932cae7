package ingest

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/allezon/pipeline/pkg/usertag"
)

// Producer publishes user tags to the tag topic. Records are keyed by cookie
// so one user's tags stay in partition order.
type Producer struct {
	client         *kgo.Client
	enqueueTimeout time.Duration
	logger         log.Logger

	producedTotal prometheus.Counter
	failuresTotal prometheus.Counter
}

func NewProducer(cfg KafkaConfig, logger log.Logger, reg prometheus.Registerer) (*Producer, error) {
	client, err := NewWriterClient(cfg, NewClientMetrics("producer", reg))
	if err != nil {
		return nil, err
	}
	return newProducerWithClient(client, cfg.EnqueueTimeout, logger, reg), nil
}

func newProducerWithClient(client *kgo.Client, enqueueTimeout time.Duration, logger log.Logger, reg prometheus.Registerer) *Producer {
	return &Producer{
		client:         client,
		enqueueTimeout: enqueueTimeout,
		logger:         logger,
		producedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "allezon_producer_tags_total",
			Help: "Total number of user tags published.",
		}),
		failuresTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "allezon_producer_failures_total",
			Help: "Total number of user tags that could not be published.",
		}),
	}
}

// Produce publishes one tag and waits for the broker acknowledgement, at most
// for the configured enqueue timeout.
func (p *Producer) Produce(ctx context.Context, tag *usertag.UserTag) error {
	payload, err := tag.Marshal()
	if err != nil {
		return errors.Wrap(err, "encoding user tag")
	}

	ctx, cancel := context.WithTimeout(ctx, p.enqueueTimeout)
	defer cancel()

	rec := &kgo.Record{
		Key:   []byte(tag.Cookie),
		Value: payload,
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		p.failuresTotal.Inc()
		return errors.Wrap(err, "producing user tag")
	}

	p.producedTotal.Inc()
	return nil
}

func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *Producer) Close() {
	p.client.Close()
}
