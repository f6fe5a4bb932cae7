// Package store is the typed gateway to the Aerospike record store. It owns
// bin layout, payload parsing and the per-record compare-and-set loops; the
// optional RetryingClient adds backoff for transport errors on top.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	as "github.com/aerospike/aerospike-client-go/v8"
	"github.com/aerospike/aerospike-client-go/v8/types"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/allezon/pipeline/pkg/aggregate"
	"github.com/allezon/pipeline/pkg/profile"
	"github.com/allezon/pipeline/pkg/usertag"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	profileSet   = "profiles"
	aggregateTTL = 24 * time.Hour
)

var metricCASRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "allezon",
	Name:      "store_cas_retries_total",
	Help:      "Number of generation-conflict retries per store operation.",
}, []string{"op"})

// Gateway is the typed read/write surface over the record store.
type Gateway interface {
	GetUserProfile(ctx context.Context, cookie string, q profile.Query) (*profile.Reply, error)
	UpdateUserProfile(ctx context.Context, tag *usertag.UserTag) error
	GetAggregates(ctx context.Context, q *aggregate.Query) (*aggregate.Reply, error)
	UpdateAggregate(ctx context.Context, action usertag.Action, bucket aggregate.Bucket, count, sumPrice int64) error
}

// Signaling returns from the low-level store. A generation conflict is a
// normal CAS outcome, not a failure.
var (
	errNotFound           = errors.New("record not found")
	errGenerationConflict = errors.New("generation conflict")
)

type storeRecord struct {
	bins       map[string]any
	generation uint32
}

// recordStore is the narrow slice of the Aerospike client the gateway needs.
// expiration 0 means the record never expires.
type recordStore interface {
	Get(set, userKey string, binNames ...string) (*storeRecord, error)
	Put(set, userKey string, bins map[string]any, generation uint32, expiration time.Duration) error
	BatchGet(set string, userKeys []string) ([]*storeRecord, error)
	Close()
}

type Client struct {
	kv     recordStore
	logger log.Logger
}

var _ Gateway = (*Client)(nil)

func NewClient(cfg Config, logger log.Logger) (*Client, error) {
	hosts := make([]*as.Host, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		host, portStr, err := net.SplitHostPort(node)
		if err != nil {
			return nil, fmt.Errorf("invalid store node %q: %w", node, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid store node port %q: %w", node, err)
		}
		hosts = append(hosts, as.NewHost(host, port))
	}

	client, aerr := as.NewClientWithPolicyAndHost(as.NewClientPolicy(), hosts...)
	if aerr != nil {
		return nil, fmt.Errorf("connecting to store: %w", aerr)
	}

	level.Info(logger).Log("msg", "connected to record store", "nodes", len(hosts), "namespace", cfg.Namespace)
	return newClient(&aerospikeStore{client: client, namespace: cfg.Namespace}, logger), nil
}

func newClient(kv recordStore, logger log.Logger) *Client {
	return &Client{kv: kv, logger: logger}
}

func (c *Client) Close() {
	c.kv.Close()
}

// GetUserProfile reads both action bins for a cookie. An absent key is an
// empty profile, not an error.
func (c *Client) GetUserProfile(_ context.Context, cookie string, q profile.Query) (*profile.Reply, error) {
	rec, err := c.kv.Get(profileSet, cookie)
	if err != nil && !errors.Is(err, errNotFound) {
		return nil, fmt.Errorf("fetching profile %q: %w", cookie, err)
	}

	reply := &profile.Reply{Cookie: cookie, Views: []usertag.UserTag{}, Buys: []usertag.UserTag{}}
	if rec == nil {
		return reply, nil
	}

	for _, action := range usertag.Actions {
		tags, err := parseTagsBin(rec, action)
		if err != nil {
			return nil, fmt.Errorf("parsing %s bin for %q: %w", action.SetName(), cookie, err)
		}
		tags = filterTags(tags, q)
		if action == usertag.ActionBuy {
			reply.Buys = tags
		} else {
			reply.Views = tags
		}
	}
	return reply, nil
}

// UpdateUserProfile appends the tag to its action's history with a CAS loop:
// read bin and generation, apply, write expecting the same generation, retry
// from the read on conflict.
func (c *Client) UpdateUserProfile(ctx context.Context, tag *usertag.UserTag) error {
	bin := tag.Action.SetName()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var tags []usertag.UserTag
		var generation uint32

		rec, err := c.kv.Get(profileSet, tag.Cookie, bin)
		switch {
		case errors.Is(err, errNotFound):
			// First tag for this cookie.
		case err != nil:
			return fmt.Errorf("fetching profile %q: %w", tag.Cookie, err)
		default:
			if tags, err = parseTagsBin(rec, tag.Action); err != nil {
				return fmt.Errorf("parsing %s bin for %q: %w", bin, tag.Cookie, err)
			}
			generation = rec.generation
		}

		tags = append(tags, *tag)
		sort.Slice(tags, func(i, j int) bool {
			return tags[i].Time.After(tags[j].Time.Time)
		})
		if len(tags) > profile.MaxTags {
			tags = tags[:profile.MaxTags]
		}

		payload, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("serializing profile %q: %w", tag.Cookie, err)
		}

		err = c.kv.Put(profileSet, tag.Cookie, map[string]any{bin: string(payload)}, generation, 0)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errGenerationConflict), errors.Is(err, errNotFound):
			metricCASRetries.WithLabelValues("update_profile").Inc()
		default:
			return fmt.Errorf("writing profile %q: %w", tag.Cookie, err)
		}
	}
}

// GetAggregates issues one batched point-read per minute in the window and
// assembles dense rows, zero-filling missing records. Rows are ordered by the
// minute embedded in each bucket regardless of the batch result order.
func (c *Client) GetAggregates(_ context.Context, q *aggregate.Query) (*aggregate.Reply, error) {
	buckets := q.Buckets()
	userKeys := make([]string, 0, len(buckets))
	for _, b := range buckets {
		userKeys = append(userKeys, b.UserKey())
	}

	recs, err := c.kv.BatchGet(q.Action.SetName(), userKeys)
	if err != nil {
		return nil, fmt.Errorf("fetching aggregates: %w", err)
	}
	if len(recs) != len(buckets) {
		return nil, fmt.Errorf("batch read returned %d records for %d keys", len(recs), len(buckets))
	}

	type keyedRow struct {
		minute int64
		row    aggregate.Row
	}
	keyed := make([]keyedRow, 0, len(buckets))
	for i, rec := range recs {
		kr := keyedRow{minute: buckets[i].Minute}
		if rec != nil {
			if kr.row.Count, err = intBin(rec, aggregate.Count.BinName()); err != nil {
				return nil, fmt.Errorf("bucket %s: %w", buckets[i].UserKey(), err)
			}
			if kr.row.SumPrice, err = intBin(rec, aggregate.SumPrice.BinName()); err != nil {
				return nil, fmt.Errorf("bucket %s: %w", buckets[i].UserKey(), err)
			}
		}
		keyed = append(keyed, kr)
	}
	sort.Slice(keyed, func(i, j int) bool { return keyed[i].minute < keyed[j].minute })

	rows := make([]aggregate.Row, 0, len(keyed))
	for _, kr := range keyed {
		rows = append(rows, kr.row)
	}
	return q.MakeReply(rows)
}

// UpdateAggregate adds the deltas to one bucket record with a CAS loop.
// Records expire after 24 hours.
func (c *Client) UpdateAggregate(ctx context.Context, action usertag.Action, bucket aggregate.Bucket, count, sumPrice int64) error {
	set := action.SetName()
	userKey := bucket.UserKey()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var oldCount, oldSum int64
		var generation uint32

		rec, err := c.kv.Get(set, userKey)
		switch {
		case errors.Is(err, errNotFound):
			// First event in this bucket.
		case err != nil:
			return fmt.Errorf("fetching aggregate %s/%s: %w", set, userKey, err)
		default:
			if oldCount, err = intBin(rec, aggregate.Count.BinName()); err != nil {
				return fmt.Errorf("aggregate %s/%s: %w", set, userKey, err)
			}
			if oldSum, err = intBin(rec, aggregate.SumPrice.BinName()); err != nil {
				return fmt.Errorf("aggregate %s/%s: %w", set, userKey, err)
			}
			generation = rec.generation
		}

		bins := map[string]any{
			aggregate.Count.BinName():    oldCount + count,
			aggregate.SumPrice.BinName(): oldSum + sumPrice,
		}
		err = c.kv.Put(set, userKey, bins, generation, aggregateTTL)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errGenerationConflict), errors.Is(err, errNotFound):
			metricCASRetries.WithLabelValues("update_aggregate").Inc()
		default:
			return fmt.Errorf("writing aggregate %s/%s: %w", set, userKey, err)
		}
	}
}

func parseTagsBin(rec *storeRecord, action usertag.Action) ([]usertag.UserTag, error) {
	v, ok := rec.bins[action.SetName()]
	if !ok {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected the %s bin to be a string", action.SetName())
	}
	var tags []usertag.UserTag
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil, fmt.Errorf("deserializing user tags: %w", err)
	}
	return tags, nil
}

func filterTags(tags []usertag.UserTag, q profile.Query) []usertag.UserTag {
	kept := make([]usertag.UserTag, 0, len(tags))
	for _, tag := range tags {
		if q.Range.Contains(tag.Time.Time) {
			kept = append(kept, tag)
		}
	}
	if len(kept) > q.Limit {
		kept = kept[:q.Limit]
	}
	return kept
}

func intBin(rec *storeRecord, name string) (int64, error) {
	v, ok := rec.bins[name]
	if !ok {
		return 0, fmt.Errorf("missing bin %q", name)
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	}
	return 0, fmt.Errorf("expected the %q bin to be an integer", name)
}

// aerospikeStore adapts the Aerospike client to recordStore, translating
// result codes into the gateway's signaling errors.
type aerospikeStore struct {
	client    *as.Client
	namespace string
}

func (s *aerospikeStore) Get(set, userKey string, binNames ...string) (*storeRecord, error) {
	key, aerr := as.NewKey(s.namespace, set, userKey)
	if aerr != nil {
		return nil, aerr
	}
	rec, aerr := s.client.Get(nil, key, binNames...)
	if aerr != nil {
		if aerr.Matches(types.KEY_NOT_FOUND_ERROR) {
			return nil, errNotFound
		}
		return nil, aerr
	}
	return &storeRecord{bins: rec.Bins, generation: rec.Generation}, nil
}

func (s *aerospikeStore) Put(set, userKey string, bins map[string]any, generation uint32, expiration time.Duration) error {
	key, aerr := as.NewKey(s.namespace, set, userKey)
	if aerr != nil {
		return aerr
	}

	ttl := uint32(as.TTLDontExpire)
	if expiration > 0 {
		ttl = uint32(expiration / time.Second)
	}
	policy := as.NewWritePolicy(generation, ttl)
	policy.GenerationPolicy = as.EXPECT_GEN_EQUAL

	if aerr := s.client.Put(policy, key, as.BinMap(bins)); aerr != nil {
		switch {
		case aerr.Matches(types.GENERATION_ERROR, types.KEY_EXISTS_ERROR):
			return errGenerationConflict
		case aerr.Matches(types.KEY_NOT_FOUND_ERROR):
			return errNotFound
		}
		return aerr
	}
	return nil
}

func (s *aerospikeStore) BatchGet(set string, userKeys []string) ([]*storeRecord, error) {
	keys := make([]*as.Key, 0, len(userKeys))
	for _, userKey := range userKeys {
		key, aerr := as.NewKey(s.namespace, set, userKey)
		if aerr != nil {
			return nil, aerr
		}
		keys = append(keys, key)
	}

	recs, aerr := s.client.BatchGet(nil, keys)
	if aerr != nil {
		return nil, aerr
	}

	out := make([]*storeRecord, len(recs))
	for i, rec := range recs {
		if rec != nil {
			out[i] = &storeRecord{bins: rec.Bins, generation: rec.Generation}
		}
	}
	return out, nil
}

func (s *aerospikeStore) Close() {
	s.client.Close()
}
