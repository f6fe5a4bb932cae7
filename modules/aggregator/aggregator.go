package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/allezon/pipeline/pkg/aggregate"
	"github.com/allezon/pipeline/pkg/ingest"
	"github.com/allezon/pipeline/pkg/usertag"
)

// eventSource is the slice of ingest.EventStream the aggregator uses.
type eventSource interface {
	Ping(ctx context.Context) error
	Run(ctx context.Context) error
	Events() <-chan ingest.Event
	MarkProcessed(sub ingest.Substream, offset int64)
	CommitMarked(ctx context.Context) error
	Close()
}

// Store is the slice of the store gateway the aggregator writes through.
type Store interface {
	UpdateAggregate(ctx context.Context, action usertag.Action, bucket aggregate.Bucket, count, sumPrice int64) error
}

type updateKey struct {
	action usertag.Action
	bucket aggregate.Bucket
}

type aggregatorMetrics struct {
	eventsTotal    prometheus.Counter
	flushesTotal   prometheus.Counter
	flushFailures  prometheus.Counter
	pendingBuckets prometheus.Gauge
	flushDuration  prometheus.Histogram
}

func newAggregatorMetrics(filter aggregate.Filter, reg prometheus.Registerer) *aggregatorMetrics {
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"filter": filter.String()}, reg)
	return &aggregatorMetrics{
		eventsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "allezon_aggregator_events_total",
			Help: "Total number of user tags folded into buckets.",
		}),
		flushesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "allezon_aggregator_flushes_total",
			Help: "Total number of successful flushes.",
		}),
		flushFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "allezon_aggregator_flush_failures_total",
			Help: "Total number of failed flushes.",
		}),
		pendingBuckets: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "allezon_aggregator_pending_buckets",
			Help: "Number of buckets with unflushed deltas.",
		}),
		flushDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "allezon_aggregator_flush_duration_seconds",
			Help:    "Time spent writing one flush to the store.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Aggregator consumes the tag topic under its own consumer group and folds
// every tag into the minute bucket selected by its filter. Deltas accumulate
// in memory and are flushed on an interval. Offsets are marked only after the
// whole flush succeeds, so a crash replays tags instead of losing them.
type Aggregator struct {
	services.Service

	cfg     Config
	filter  aggregate.Filter
	source  eventSource
	gateway Store
	logger  log.Logger
	metrics *aggregatorMetrics

	pending        map[updateKey]aggregate.Row
	pendingOffsets map[ingest.Substream]int64
}

func New(cfg Config, kafkaCfg ingest.KafkaConfig, filter aggregate.Filter, gateway Store, logger log.Logger, reg prometheus.Registerer) (*Aggregator, error) {
	group := kafkaCfg.GroupBase + "-aggregates-" + filter.String()
	logger = log.With(logger, "component", "aggregator", "filter", filter.String())

	stream, err := ingest.NewEventStream(kafkaCfg, group, logger, reg)
	if err != nil {
		return nil, err
	}
	return newAggregator(cfg, filter, stream, gateway, logger, reg), nil
}

func newAggregator(cfg Config, filter aggregate.Filter, source eventSource, gateway Store, logger log.Logger, reg prometheus.Registerer) *Aggregator {
	a := &Aggregator{
		cfg:            cfg,
		filter:         filter,
		source:         source,
		gateway:        gateway,
		logger:         logger,
		metrics:        newAggregatorMetrics(filter, reg),
		pending:        map[updateKey]aggregate.Row{},
		pendingOffsets: map[ingest.Substream]int64{},
	}
	a.Service = services.NewBasicService(a.starting, a.running, a.stopping)
	return a
}

func (a *Aggregator) starting(ctx context.Context) error {
	return ingest.WaitForBrokers(ctx, a.source, a.logger)
}

func (a *Aggregator) running(ctx context.Context) error {
	runErr := make(chan error, 1)
	go func() {
		runErr <- a.source.Run(ctx)
	}()

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	events := a.source.Events()
	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-runErr:
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = fmt.Errorf("event stream stopped")
			}
			return fmt.Errorf("aggregator %s: %w", a.filter, err)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			a.accumulate(ev)

		case <-ticker.C:
			if err := a.flush(ctx); err != nil {
				return fmt.Errorf("flushing aggregates for %s: %w", a.filter, err)
			}
		}
	}
}

func (a *Aggregator) accumulate(ev ingest.Event) {
	key := updateKey{action: ev.Tag.Action, bucket: a.filter.Bucket(ev.Tag)}
	row := a.pending[key]
	row.Count++
	row.SumPrice += int64(ev.Tag.ProductInfo.Price)
	a.pending[key] = row

	if off, ok := a.pendingOffsets[ev.Substream]; !ok || ev.Offset > off {
		a.pendingOffsets[ev.Substream] = ev.Offset
	}

	a.metrics.eventsTotal.Inc()
	a.metrics.pendingBuckets.Set(float64(len(a.pending)))
}

// flush writes all pending deltas and, only if every write succeeded, marks
// the highest processed offset per substream. On failure nothing is marked
// and the error propagates: the service fails and replays on restart.
func (a *Aggregator) flush(ctx context.Context) error {
	if len(a.pending) == 0 {
		return nil
	}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.FlushConcurrency)
	for key, row := range a.pending {
		g.Go(func() error {
			return a.gateway.UpdateAggregate(gctx, key.action, key.bucket, row.Count, row.SumPrice)
		})
	}
	if err := g.Wait(); err != nil {
		a.metrics.flushFailures.Inc()
		return err
	}

	for sub, offset := range a.pendingOffsets {
		a.source.MarkProcessed(sub, offset)
	}

	level.Debug(a.logger).Log("msg", "flushed aggregates", "buckets", len(a.pending), "duration", time.Since(start))
	a.metrics.flushesTotal.Inc()
	a.metrics.flushDuration.Observe(time.Since(start).Seconds())

	clear(a.pending)
	clear(a.pendingOffsets)
	a.metrics.pendingBuckets.Set(0)
	return nil
}

func (a *Aggregator) stopping(failure error) error {
	defer a.source.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if failure == nil {
		if err := a.flush(ctx); err != nil {
			level.Warn(a.logger).Log("msg", "final flush failed, marked offsets unchanged", "err", err)
		}
	}
	if err := a.source.CommitMarked(ctx); err != nil {
		level.Warn(a.logger).Log("msg", "committing marked offsets failed", "err", err)
	}
	return nil
}
