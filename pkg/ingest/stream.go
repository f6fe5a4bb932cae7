package ingest

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/allezon/pipeline/pkg/usertag"
)

// Substream identifies the ordered slice of the topic a tag arrived on.
type Substream struct {
	Topic     string
	Partition int32
}

// Event is one decoded user tag plus its position, so the consumer can mark
// it processed once its effects are durable.
type Event struct {
	Tag       *usertag.UserTag
	Substream Substream
	Offset    int64
}

type streamMetrics struct {
	eventsTotal    prometheus.Counter
	decodeFailures prometheus.Counter
	receiveDelay   prometheus.Histogram
}

func newStreamMetrics(group string, reg prometheus.Registerer) *streamMetrics {
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"group": group}, reg)
	return &streamMetrics{
		eventsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "allezon_stream_events_total",
			Help: "Total number of user tags decoded from the topic.",
		}),
		decodeFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "allezon_stream_decode_failures_total",
			Help: "Total number of records that could not be decoded as user tags.",
		}),
		receiveDelay: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:                            "allezon_stream_receive_delay_seconds",
			Help:                            "Delay between a record being produced and received.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 1 * time.Hour,
			Buckets:                         prometheus.ExponentialBuckets(0.125, 2, 14),
		}),
	}
}

// EventStream is a group consumer that decodes tags into a channel. Offsets
// are never committed implicitly: the consumer calls MarkProcessed once an
// event's effects are durable, and marks are flushed on an interval and at
// shutdown.
type EventStream struct {
	client  *kgo.Client
	group   string
	logger  log.Logger
	metrics *streamMetrics

	ch chan Event
}

func NewEventStream(cfg KafkaConfig, group string, logger log.Logger, reg prometheus.Registerer) (*EventStream, error) {
	client, err := NewReaderClient(cfg, group, NewClientMetrics(group, reg))
	if err != nil {
		return nil, err
	}
	return newEventStreamWithClient(client, group, logger, reg), nil
}

func newEventStreamWithClient(client *kgo.Client, group string, logger log.Logger, reg prometheus.Registerer) *EventStream {
	return &EventStream{
		client:  client,
		group:   group,
		logger:  logger,
		metrics: newStreamMetrics(group, reg),
		ch:      make(chan Event),
	}
}

// Events is closed when Run returns.
func (s *EventStream) Events() <-chan Event {
	return s.ch
}

// Run polls the topic until ctx is cancelled or the client is closed.
// Malformed records are counted and skipped; at-least-once delivery means a
// bad record must not wedge the partition.
func (s *EventStream) Run(ctx context.Context) error {
	defer close(s.ch)

	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			level.Error(s.logger).Log("msg", "fetch error", "group", s.group, "topic", topic, "partition", partition, "err", err)
		})

		fetches.EachRecord(func(rec *kgo.Record) {
			s.metrics.receiveDelay.Observe(time.Since(rec.Timestamp).Seconds())

			tag, err := usertag.Unmarshal(rec.Value)
			if err != nil {
				s.metrics.decodeFailures.Inc()
				level.Error(s.logger).Log("msg", "skipping malformed record", "group", s.group, "partition", rec.Partition, "offset", rec.Offset, "err", err)
				return
			}
			s.metrics.eventsTotal.Inc()

			ev := Event{
				Tag:       tag,
				Substream: Substream{Topic: rec.Topic, Partition: rec.Partition},
				Offset:    rec.Offset,
			}
			select {
			case s.ch <- ev:
			case <-ctx.Done():
			}
		})
	}
}

// MarkProcessed stores offset+1 as the next offset to commit for the
// substream. It does not commit; the commit interval and CommitMarked do.
func (s *EventStream) MarkProcessed(sub Substream, offset int64) {
	s.client.MarkCommitOffsets(map[string]map[int32]kgo.EpochOffset{
		sub.Topic: {sub.Partition: {Epoch: -1, Offset: offset + 1}},
	})
}

// CommitMarked flushes marked offsets synchronously. Called on shutdown.
func (s *EventStream) CommitMarked(ctx context.Context) error {
	return s.client.CommitMarkedOffsets(ctx)
}

func (s *EventStream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *EventStream) Close() {
	s.client.Close()
}
