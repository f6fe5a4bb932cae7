package usertag

import (
	"fmt"
	"strings"
	"time"
)

// Time range formats. A range serializes as "<from>_<to>" with from <= to.
const (
	FormatMillis  = "2006-01-02T15:04:05.000"
	FormatSeconds = "2006-01-02T15:04:05"
)

const maxBucketSpan = 10 * time.Minute

// SimpleRange is a millisecond-precision half-open window [From, To) used by
// profile queries.
type SimpleRange struct {
	From time.Time
	To   time.Time
}

// ParseSimpleRange accepts both millisecond and second precision endpoints.
func ParseSimpleRange(s string) (SimpleRange, error) {
	from, to, err := splitRange(s, FormatMillis, FormatSeconds)
	if err != nil {
		return SimpleRange{}, err
	}
	return SimpleRange{From: from, To: to}, nil
}

func (r SimpleRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

func (r SimpleRange) String() string {
	return r.From.Format(FormatMillis) + "_" + r.To.Format(FormatMillis)
}

// BucketRange is a second-precision window [From, To) with both endpoints on
// minute boundaries, spanning at most ten minutes. Aggregate queries use it.
type BucketRange struct {
	From time.Time
	To   time.Time
}

func ParseBucketRange(s string) (BucketRange, error) {
	from, to, err := splitRange(s, FormatSeconds)
	if err != nil {
		return BucketRange{}, err
	}
	if from.Second() != 0 || to.Second() != 0 {
		return BucketRange{}, fmt.Errorf("bucket range %q endpoints must be on minute boundaries", s)
	}
	if to.Sub(from) > maxBucketSpan {
		return BucketRange{}, fmt.Errorf("bucket range %q spans more than %s", s, maxBucketSpan)
	}
	return BucketRange{From: from, To: to}, nil
}

// Buckets returns the start of every one-minute bucket in [From, To), in
// increasing order.
func (r BucketRange) Buckets() []time.Time {
	starts := make([]time.Time, 0, r.Count())
	for t := r.From; t.Before(r.To); t = t.Add(time.Minute) {
		starts = append(starts, t)
	}
	return starts
}

func (r BucketRange) Count() int {
	return int(r.To.Sub(r.From) / time.Minute)
}

func (r BucketRange) String() string {
	return r.From.Format(FormatSeconds) + "_" + r.To.Format(FormatSeconds)
}

func splitRange(s string, formats ...string) (from, to time.Time, err error) {
	chunks := strings.Split(s, "_")
	if len(chunks) != 2 {
		return from, to, fmt.Errorf("time range %q is not of the form <from>_<to>", s)
	}
	from, err = parseAny(chunks[0], formats)
	if err != nil {
		return from, to, err
	}
	to, err = parseAny(chunks[1], formats)
	if err != nil {
		return from, to, err
	}
	if from.After(to) {
		return from, to, fmt.Errorf("time range %q ends before it starts", s)
	}
	return from, to, nil
}

func parseAny(s string, formats []string) (time.Time, error) {
	var err error
	for _, format := range formats {
		var t time.Time
		t, err = time.Parse(format, s)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
}
