package api

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allezon/pipeline/pkg/aggregate"
	"github.com/allezon/pipeline/pkg/profile"
	"github.com/allezon/pipeline/pkg/usertag"
)

type fakeProducer struct {
	tags []*usertag.UserTag
	err  error
}

func (p *fakeProducer) Produce(_ context.Context, tag *usertag.UserTag) error {
	if p.err != nil {
		return p.err
	}
	p.tags = append(p.tags, tag)
	return nil
}

type fakeStore struct {
	profileReply   *profile.Reply
	aggregateReply *aggregate.Reply
	err            error

	lastCookie string
	lastLimit  int
}

func (s *fakeStore) GetUserProfile(_ context.Context, cookie string, q profile.Query) (*profile.Reply, error) {
	s.lastCookie = cookie
	s.lastLimit = q.Limit
	if s.err != nil {
		return nil, s.err
	}
	return s.profileReply, nil
}

func (s *fakeStore) GetAggregates(_ context.Context, _ *aggregate.Query) (*aggregate.Reply, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.aggregateReply, nil
}

func newTestAPI(producer *fakeProducer, store *fakeStore) *API {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("api", flag.NewFlagSet("test", flag.PanicOnError))
	return New(cfg, producer, store, log.NewNopLogger(), prometheus.NewRegistry())
}

const validTag = `{
	"time": "2022-03-22T12:15:00.000Z",
	"cookie": "c1",
	"country": "PL",
	"device": "PC",
	"action": "BUY",
	"origin": "EU",
	"product_info": {"product_id": 1, "brand_id": "B1", "category_id": "C1", "price": 100}
}`

func TestPostUserTags(t *testing.T) {
	producer := &fakeProducer{}
	a := newTestAPI(producer, &fakeStore{})

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/user_tags", strings.NewReader(validTag)))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, producer.tags, 1)
	assert.Equal(t, "c1", producer.tags[0].Cookie)
	assert.Equal(t, usertag.ActionBuy, producer.tags[0].Action)
}

func TestPostUserTagsRejectsMalformed(t *testing.T) {
	for _, body := range []string{
		"",
		"not json",
		`{"time": "yesterday", "cookie": "c1"}`,
		`{"time": "2022-03-22T12:15:00.000Z", "cookie": ""}`,
	} {
		a := newTestAPI(&fakeProducer{}, &fakeStore{})
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/user_tags", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestPostUserTagsProducerFailure(t *testing.T) {
	a := newTestAPI(&fakeProducer{err: errors.New("kafka down")}, &fakeStore{})

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/user_tags", strings.NewReader(validTag)))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPostUserProfiles(t *testing.T) {
	store := &fakeStore{profileReply: &profile.Reply{Cookie: "c1", Views: []usertag.UserTag{}, Buys: []usertag.UserTag{}}}
	a := newTestAPI(&fakeProducer{}, store)

	rec := httptest.NewRecorder()
	url := "/user_profiles/c1?time_range=2022-03-22T12:15:00.000_2022-03-22T12:30:00.000&limit=50"
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, url, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "c1", store.lastCookie)
	assert.Equal(t, 50, store.lastLimit)
	assert.JSONEq(t, `{"cookie": "c1", "views": [], "buys": []}`, rec.Body.String())
}

func TestPostUserProfilesRejectsBadQuery(t *testing.T) {
	a := newTestAPI(&fakeProducer{}, &fakeStore{})

	for _, url := range []string{
		"/user_profiles/c1",
		"/user_profiles/c1?time_range=garbage",
		"/user_profiles/c1?time_range=2022-03-22T12:15:00.000_2022-03-22T12:30:00.000&limit=-1",
	} {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, url, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "url %q", url)
	}
}

func TestPostAggregates(t *testing.T) {
	store := &fakeStore{aggregateReply: &aggregate.Reply{
		Columns: []string{"1m_bucket", "action", "COUNT"},
		Rows:    [][]string{{"2022-03-22T12:15:00", "BUY", "2"}},
	}}
	a := newTestAPI(&fakeProducer{}, store)

	rec := httptest.NewRecorder()
	url := "/aggregates?time_range=2022-03-22T12:15:00_2022-03-22T12:16:00&action=BUY&aggregates=COUNT"
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, url, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"columns": ["1m_bucket", "action", "COUNT"],
		"rows": [["2022-03-22T12:15:00", "BUY", "2"]]
	}`, rec.Body.String())
}

func TestPostAggregatesRejectsBadQuery(t *testing.T) {
	a := newTestAPI(&fakeProducer{}, &fakeStore{})

	for _, url := range []string{
		"/aggregates",
		"/aggregates?time_range=2022-03-22T12:15:00_2022-03-22T12:16:00&action=BUY",
		"/aggregates?time_range=2022-03-22T12:15:00_2022-03-22T12:16:00&action=STEAL&aggregates=COUNT",
		"/aggregates?time_range=2022-03-22T12:15:00_2022-03-22T12:16:00&action=BUY&aggregates=COUNT&unknown=1",
	} {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, url, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "url %q", url)
	}
}

func TestPostAggregatesStoreFailure(t *testing.T) {
	a := newTestAPI(&fakeProducer{}, &fakeStore{err: errors.New("store down")})

	rec := httptest.NewRecorder()
	url := "/aggregates?time_range=2022-03-22T12:15:00_2022-03-22T12:16:00&action=BUY&aggregates=COUNT"
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, url, nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetHealthz(t *testing.T) {
	a := newTestAPI(&fakeProducer{}, &fakeStore{})

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAPI(&fakeProducer{}, &fakeStore{})

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
