package aggregate

import (
	"fmt"
	"net/url"

	"github.com/allezon/pipeline/pkg/usertag"
)

const maxAggregates = 2

// Query is a validated /aggregates request.
type Query struct {
	Range      usertag.BucketRange
	Action     usertag.Action
	Origin     *string
	BrandID    *string
	CategoryID *string
	Aggregates []Aggregate
}

// ParseQuery validates raw query parameters. Unknown or duplicated parameters,
// duplicate aggregates and more than two aggregates are rejected.
func ParseQuery(values url.Values) (*Query, error) {
	q := &Query{}

	for key, vals := range values {
		switch key {
		case "time_range", "action", "origin", "brand_id", "category_id":
			if len(vals) != 1 {
				return nil, fmt.Errorf("parameter %q given %d times", key, len(vals))
			}
		case "aggregates":
			if len(vals) > maxAggregates {
				return nil, fmt.Errorf("at most %d aggregates allowed, got %d", maxAggregates, len(vals))
			}
		default:
			return nil, fmt.Errorf("unknown parameter %q", key)
		}
	}

	rangeStr := values.Get("time_range")
	if rangeStr == "" {
		return nil, fmt.Errorf("missing time_range")
	}
	var err error
	if q.Range, err = usertag.ParseBucketRange(rangeStr); err != nil {
		return nil, err
	}

	actionStr := values.Get("action")
	if actionStr == "" {
		return nil, fmt.Errorf("missing action")
	}
	if q.Action, err = usertag.ParseAction(actionStr); err != nil {
		return nil, err
	}

	for _, s := range values["aggregates"] {
		aggr, err := ParseAggregate(s)
		if err != nil {
			return nil, err
		}
		for _, seen := range q.Aggregates {
			if seen == aggr {
				return nil, fmt.Errorf("duplicate aggregate %s", aggr)
			}
		}
		q.Aggregates = append(q.Aggregates, aggr)
	}
	if len(q.Aggregates) == 0 {
		return nil, fmt.Errorf("missing aggregates")
	}

	if vals, ok := values["origin"]; ok {
		q.Origin = &vals[0]
	}
	if vals, ok := values["brand_id"]; ok {
		q.BrandID = &vals[0]
	}
	if vals, ok := values["category_id"]; ok {
		q.CategoryID = &vals[0]
	}

	return q, nil
}

// Filter is the projection implied by which dimensions the query names.
func (q *Query) Filter() Filter {
	return Filter{
		Origin:     q.Origin != nil,
		BrandID:    q.BrandID != nil,
		CategoryID: q.CategoryID != nil,
	}
}

// Buckets lists the bucket of every minute in the query window, in order.
func (q *Query) Buckets() []Bucket {
	starts := q.Range.Buckets()
	buckets := make([]Bucket, 0, len(starts))
	for _, start := range starts {
		buckets = append(buckets, BucketAt(start, q.Origin, q.BrandID, q.CategoryID))
	}
	return buckets
}

// Row is the pair of values read for one bucket. Missing records read as zero.
type Row struct {
	Count    int64
	SumPrice int64
}

// Reply is the /aggregates response body.
type Reply struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// MakeReply renders dense rows for the query window. rows must hold one entry
// per minute bucket, in bucket-start order.
func (q *Query) MakeReply(rows []Row) (*Reply, error) {
	if len(rows) != q.Range.Count() {
		return nil, fmt.Errorf("expected %d rows, got %d", q.Range.Count(), len(rows))
	}

	columns := []string{"1m_bucket", "action"}
	if q.Origin != nil {
		columns = append(columns, "origin")
	}
	if q.BrandID != nil {
		columns = append(columns, "brand_id")
	}
	if q.CategoryID != nil {
		columns = append(columns, "category_id")
	}
	for _, aggr := range q.Aggregates {
		columns = append(columns, aggr.String())
	}

	starts := q.Range.Buckets()
	rendered := make([][]string, 0, len(rows))
	for i, row := range rows {
		values := make([]string, 0, len(columns))
		values = append(values, starts[i].Format(usertag.FormatSeconds), q.Action.String())
		if q.Origin != nil {
			values = append(values, *q.Origin)
		}
		if q.BrandID != nil {
			values = append(values, *q.BrandID)
		}
		if q.CategoryID != nil {
			values = append(values, *q.CategoryID)
		}
		for _, aggr := range q.Aggregates {
			switch aggr {
			case Count:
				values = append(values, fmt.Sprintf("%d", row.Count))
			case SumPrice:
				values = append(values, fmt.Sprintf("%d", row.SumPrice))
			}
		}
		rendered = append(rendered, values)
	}

	return &Reply{Columns: columns, Rows: rendered}, nil
}
