package store

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"

	"github.com/allezon/pipeline/pkg/aggregate"
	"github.com/allezon/pipeline/pkg/profile"
	"github.com/allezon/pipeline/pkg/usertag"
)

// RetryingClient retries update operations with exponential backoff inside a
// total time budget. Reads pass through: their callers surface errors
// directly. The wrapped client's CAS loop handles generation conflicts; this
// layer only sees transport errors.
type RetryingClient struct {
	next   Gateway
	cfg    RetryConfig
	logger log.Logger
}

var _ Gateway = (*RetryingClient)(nil)

func NewRetryingClient(next Gateway, cfg RetryConfig, logger log.Logger) *RetryingClient {
	return &RetryingClient{next: next, cfg: cfg, logger: logger}
}

func (c *RetryingClient) GetUserProfile(ctx context.Context, cookie string, q profile.Query) (*profile.Reply, error) {
	return c.next.GetUserProfile(ctx, cookie, q)
}

func (c *RetryingClient) GetAggregates(ctx context.Context, q *aggregate.Query) (*aggregate.Reply, error) {
	return c.next.GetAggregates(ctx, q)
}

func (c *RetryingClient) UpdateUserProfile(ctx context.Context, tag *usertag.UserTag) error {
	return c.retry(ctx, "update_profile", func(ctx context.Context) error {
		return c.next.UpdateUserProfile(ctx, tag)
	})
}

func (c *RetryingClient) UpdateAggregate(ctx context.Context, action usertag.Action, bucket aggregate.Bucket, count, sumPrice int64) error {
	return c.retry(ctx, "update_aggregate", func(ctx context.Context) error {
		return c.next.UpdateAggregate(ctx, action, bucket, count, sumPrice)
	})
}

func (c *RetryingClient) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.MaxElapsed)
	defer cancel()

	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: c.cfg.InitialBackoff,
		MaxBackoff: c.cfg.MaxBackoff,
	})

	var err error
	for boff.Ongoing() {
		if err = fn(ctx); err == nil {
			return nil
		}
		level.Warn(c.logger).Log("msg", "store update failed, backing off", "op", op, "err", err)
		boff.Wait()
	}

	if err == nil {
		err = boff.Err()
	}
	return errors.Wrapf(err, "%s gave up after %d retries", op, boff.NumRetries())
}
