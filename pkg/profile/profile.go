// Package profile models the /user_profiles endpoint: the per-user recent
// event history query and its reply.
package profile

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/allezon/pipeline/pkg/usertag"
)

// MaxTags bounds both the stored history per cookie and action, and the reply
// list length.
const MaxTags = 200

// Query is a validated /user_profiles request.
type Query struct {
	Range usertag.SimpleRange
	Limit int
}

// ParseQuery reads time_range and limit. Limit defaults to MaxTags and is
// capped at MaxTags.
func ParseQuery(values url.Values) (Query, error) {
	q := Query{Limit: MaxTags}

	rangeStr := values.Get("time_range")
	if rangeStr == "" {
		return q, fmt.Errorf("missing time_range")
	}
	var err error
	if q.Range, err = usertag.ParseSimpleRange(rangeStr); err != nil {
		return q, err
	}

	if limitStr := values.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			return q, fmt.Errorf("invalid limit %q", limitStr)
		}
		if limit < MaxTags {
			q.Limit = limit
		}
	}

	return q, nil
}

// Reply is the /user_profiles response body. Both lists are time-descending.
type Reply struct {
	Cookie string            `json:"cookie"`
	Views  []usertag.UserTag `json:"views"`
	Buys   []usertag.UserTag `json:"buys"`
}
