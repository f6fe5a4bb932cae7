package profilewriter

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/allezon/pipeline/pkg/ingest"
	"github.com/allezon/pipeline/pkg/usertag"
)

type eventSource interface {
	Ping(ctx context.Context) error
	Run(ctx context.Context) error
	Events() <-chan ingest.Event
	MarkProcessed(sub ingest.Substream, offset int64)
	CommitMarked(ctx context.Context) error
	Close()
}

// Store is the slice of the store gateway the profile writer writes through.
type Store interface {
	UpdateUserProfile(ctx context.Context, tag *usertag.UserTag) error
}

type writerMetrics struct {
	tagsTotal     prometheus.Counter
	writeFailures prometheus.Counter
	writeDuration prometheus.Histogram
}

func newWriterMetrics(reg prometheus.Registerer) *writerMetrics {
	return &writerMetrics{
		tagsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "allezon_profile_writer_tags_total",
			Help: "Total number of user tags appended to profiles.",
		}),
		writeFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "allezon_profile_writer_failures_total",
			Help: "Total number of profile writes that failed after retries.",
		}),
		writeDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "allezon_profile_writer_write_duration_seconds",
			Help:    "Time spent appending one tag to a profile.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ProfileWriter consumes the tag topic and appends every tag to its user's
// profile. Each event's offset is marked only after the write is durable, so
// a crash replays the tag instead of losing it.
type ProfileWriter struct {
	services.Service

	source  eventSource
	gateway Store
	logger  log.Logger
	metrics *writerMetrics
}

func New(kafkaCfg ingest.KafkaConfig, gateway Store, logger log.Logger, reg prometheus.Registerer) (*ProfileWriter, error) {
	group := kafkaCfg.GroupBase + "-profiles"
	logger = log.With(logger, "component", "profile-writer")

	stream, err := ingest.NewEventStream(kafkaCfg, group, logger, reg)
	if err != nil {
		return nil, err
	}
	return newProfileWriter(stream, gateway, logger, reg), nil
}

func newProfileWriter(source eventSource, gateway Store, logger log.Logger, reg prometheus.Registerer) *ProfileWriter {
	w := &ProfileWriter{
		source:  source,
		gateway: gateway,
		logger:  logger,
		metrics: newWriterMetrics(reg),
	}
	w.Service = services.NewBasicService(w.starting, w.running, w.stopping)
	return w
}

func (w *ProfileWriter) starting(ctx context.Context) error {
	return ingest.WaitForBrokers(ctx, w.source, w.logger)
}

func (w *ProfileWriter) running(ctx context.Context) error {
	runErr := make(chan error, 1)
	go func() {
		runErr <- w.source.Run(ctx)
	}()

	events := w.source.Events()
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
			return fmt.Errorf("profile writer: %w", err)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := w.write(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.metrics.writeFailures.Inc()
				return fmt.Errorf("appending tag to profile %q: %w", ev.Tag.Cookie, err)
			}
		}
	}
}

func (w *ProfileWriter) write(ctx context.Context, ev ingest.Event) error {
	start := time.Now()
	if err := w.gateway.UpdateUserProfile(ctx, ev.Tag); err != nil {
		return err
	}
	w.source.MarkProcessed(ev.Substream, ev.Offset)

	w.metrics.tagsTotal.Inc()
	w.metrics.writeDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (w *ProfileWriter) stopping(error) error {
	defer w.source.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.source.CommitMarked(ctx); err != nil {
		level.Warn(w.logger).Log("msg", "committing marked offsets failed", "err", err)
	}
	return nil
}
