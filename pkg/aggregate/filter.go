// Package aggregate models the per-minute count/sum_price aggregation: the
// eight filter projections an event fans out to, the bucket keys they store
// under, and the query/reply shapes of the /aggregates endpoint.
package aggregate

import (
	"fmt"
	"strings"
	"time"

	"github.com/allezon/pipeline/pkg/usertag"
)

// Aggregate is one of the two values kept per bucket.
type Aggregate int

const (
	Count Aggregate = iota
	SumPrice
)

func ParseAggregate(s string) (Aggregate, error) {
	switch s {
	case "COUNT":
		return Count, nil
	case "SUM_PRICE":
		return SumPrice, nil
	}
	return 0, fmt.Errorf("unknown aggregate %q", s)
}

func (a Aggregate) String() string {
	if a == SumPrice {
		return "SUM_PRICE"
	}
	return "COUNT"
}

// BinName is the store bin this aggregate is kept in.
func (a Aggregate) BinName() string {
	if a == SumPrice {
		return "sum_price"
	}
	return "count"
}

// Filter is a projection mask: the subset of {origin, brand_id, category_id}
// materialized into a bucket key. A projection that excludes a dimension
// accumulates events regardless of that dimension's value.
type Filter struct {
	Origin     bool
	BrandID    bool
	CategoryID bool
}

// AllFilters enumerates the power set of the three dimensions. Every event
// updates one bucket per filter.
func AllFilters() []Filter {
	filters := make([]Filter, 0, 8)
	for i := 0; i < 8; i++ {
		filters = append(filters, Filter{
			Origin:     i&1 != 0,
			BrandID:    i&2 != 0,
			CategoryID: i&4 != 0,
		})
	}
	return filters
}

// Bucket computes the bucket a tag falls into under this projection.
func (f Filter) Bucket(tag *usertag.UserTag) Bucket {
	b := Bucket{Minute: minuteOf(tag.Time.Time)}
	if f.Origin {
		b.Origin = tag.Origin
	}
	if f.BrandID {
		b.BrandID = tag.ProductInfo.BrandID
	}
	if f.CategoryID {
		b.CategoryID = tag.ProductInfo.CategoryID
	}
	return b
}

// String names the projection for logs, metrics and consumer-group suffixes.
func (f Filter) String() string {
	var parts []string
	if f.Origin {
		parts = append(parts, "origin")
	}
	if f.BrandID {
		parts = append(parts, "brand_id")
	}
	if f.CategoryID {
		parts = append(parts, "category_id")
	}
	if len(parts) == 0 {
		return "total"
	}
	return strings.Join(parts, "-")
}

// Bucket identifies a single aggregate record: one minute of one projection.
// Dimensions excluded by the projection stay empty.
type Bucket struct {
	Minute     int64
	Origin     string
	BrandID    string
	CategoryID string
}

func minuteOf(t time.Time) int64 {
	return t.Unix() / 60
}

// BucketAt builds a bucket from a minute start and the optional query
// dimensions. Nil means the dimension is not part of the key.
func BucketAt(start time.Time, origin, brandID, categoryID *string) Bucket {
	b := Bucket{Minute: minuteOf(start)}
	if origin != nil {
		b.Origin = *origin
	}
	if brandID != nil {
		b.BrandID = *brandID
	}
	if categoryID != nil {
		b.CategoryID = *categoryID
	}
	return b
}

// UserKey is the record's user key in the store. The leading component is the
// minute number so readers can reorder batch results.
func (b Bucket) UserKey() string {
	return fmt.Sprintf("%d--%s--%s--%s", b.Minute, b.Origin, b.BrandID, b.CategoryID)
}

// Start is the wall-clock start of the bucket's minute.
func (b Bucket) Start() time.Time {
	return time.Unix(b.Minute*60, 0).UTC()
}
