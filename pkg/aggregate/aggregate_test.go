package aggregate

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allezon/pipeline/pkg/usertag"
)

func testTag(t *testing.T) *usertag.UserTag {
	t.Helper()
	tag, err := usertag.Unmarshal([]byte(`{"time":"2022-03-22T12:15:30.000Z","cookie":"c1","country":"PL","device":"PC","action":"BUY","origin":"EU","product_info":{"product_id":1,"brand_id":"B1","category_id":"C1","price":100}}`))
	require.NoError(t, err)
	return tag
}

func TestAllFilters(t *testing.T) {
	filters := AllFilters()
	require.Len(t, filters, 8)

	seen := map[string]bool{}
	for _, f := range filters {
		require.False(t, seen[f.String()], "duplicate filter %s", f)
		seen[f.String()] = true
	}
	assert.True(t, seen["total"])
	assert.True(t, seen["origin-brand_id-category_id"])
}

func TestFilterBucket(t *testing.T) {
	tag := testTag(t)
	minute := tag.Time.Unix() / 60

	full := Filter{Origin: true, BrandID: true, CategoryID: true}.Bucket(tag)
	assert.Equal(t, Bucket{Minute: minute, Origin: "EU", BrandID: "B1", CategoryID: "C1"}, full)

	total := Filter{}.Bucket(tag)
	assert.Equal(t, Bucket{Minute: minute}, total)

	// Events thirty seconds into the minute land in the minute's bucket.
	assert.Equal(t, time.Date(2022, 3, 22, 12, 15, 0, 0, time.UTC), full.Start())
}

func TestBucketUserKey(t *testing.T) {
	b := Bucket{Minute: 27476415, Origin: "EU", CategoryID: "C1"}
	assert.Equal(t, "27476415--EU----C1", b.UserKey())
}

func TestParseQuery(t *testing.T) {
	values, err := url.ParseQuery("time_range=2022-03-22T12:15:00_2022-03-22T12:16:00&action=BUY&aggregates=COUNT&aggregates=SUM_PRICE&origin=EU")
	require.NoError(t, err)

	q, err := ParseQuery(values)
	require.NoError(t, err)
	assert.Equal(t, usertag.ActionBuy, q.Action)
	require.NotNil(t, q.Origin)
	assert.Equal(t, "EU", *q.Origin)
	assert.Nil(t, q.BrandID)
	assert.Equal(t, []Aggregate{Count, SumPrice}, q.Aggregates)
	assert.Equal(t, Filter{Origin: true}, q.Filter())

	buckets := q.Buckets()
	require.Len(t, buckets, 1)
	assert.Equal(t, "EU", buckets[0].Origin)
}

func TestParseQueryRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
	}{
		{"unknown parameter", "time_range=2022-03-22T12:15:00_2022-03-22T12:16:00&action=BUY&aggregates=COUNT&foo=1"},
		{"duplicated parameter", "time_range=2022-03-22T12:15:00_2022-03-22T12:16:00&action=BUY&action=VIEW&aggregates=COUNT"},
		{"duplicate aggregate", "time_range=2022-03-22T12:15:00_2022-03-22T12:16:00&action=BUY&aggregates=COUNT&aggregates=COUNT"},
		{"missing aggregates", "time_range=2022-03-22T12:15:00_2022-03-22T12:16:00&action=BUY"},
		{"missing action", "time_range=2022-03-22T12:15:00_2022-03-22T12:16:00&aggregates=COUNT"},
		{"bad action", "time_range=2022-03-22T12:15:00_2022-03-22T12:16:00&action=SELL&aggregates=COUNT"},
		{"range too long", "time_range=2022-03-22T12:15:00_2022-03-22T12:26:00&action=BUY&aggregates=COUNT"},
		{"range not on minutes", "time_range=2022-03-22T12:15:01_2022-03-22T12:16:00&action=BUY&aggregates=COUNT"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			values, err := url.ParseQuery(tc.raw)
			require.NoError(t, err)
			_, err = ParseQuery(values)
			require.Error(t, err)
		})
	}
}

func TestMakeReply(t *testing.T) {
	values, err := url.ParseQuery("time_range=2022-03-22T12:15:00_2022-03-22T12:16:00&action=BUY&aggregates=COUNT&aggregates=SUM_PRICE")
	require.NoError(t, err)
	q, err := ParseQuery(values)
	require.NoError(t, err)

	reply, err := q.MakeReply([]Row{{Count: 1, SumPrice: 100}})
	require.NoError(t, err)
	assert.Equal(t, []string{"1m_bucket", "action", "COUNT", "SUM_PRICE"}, reply.Columns)
	require.Len(t, reply.Rows, 1)
	assert.Equal(t, []string{"2022-03-22T12:15:00", "BUY", "1", "100"}, reply.Rows[0])

	// Row count must match the bucket count.
	_, err = q.MakeReply([]Row{{}, {}})
	require.Error(t, err)
}

func TestMakeReplyDimensionColumns(t *testing.T) {
	values, err := url.ParseQuery("time_range=2022-03-22T12:15:00_2022-03-22T12:17:00&action=VIEW&aggregates=SUM_PRICE&origin=EU&category_id=C1")
	require.NoError(t, err)
	q, err := ParseQuery(values)
	require.NoError(t, err)

	reply, err := q.MakeReply([]Row{{SumPrice: 5}, {}})
	require.NoError(t, err)
	assert.Equal(t, []string{"1m_bucket", "action", "origin", "category_id", "SUM_PRICE"}, reply.Columns)
	assert.Equal(t, []string{"2022-03-22T12:15:00", "VIEW", "EU", "C1", "5"}, reply.Rows[0])
	assert.Equal(t, []string{"2022-03-22T12:16:00", "VIEW", "EU", "C1", "0"}, reply.Rows[1])
}
