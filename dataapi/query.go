package dataapi

import (
	"fmt"
	"net/url"
	"strconv"
)

// SortOrder is a feathers-style sort direction.
type SortOrder int

// Sort directions
const (
	SortAsc  SortOrder = 1
	SortDesc SortOrder = -1
)

// TimeRange bounds a time filter in milliseconds. GTE and GT are mutually
// exclusive lower bounds; LT is the exclusive upper bound.
type TimeRange struct {
	GTE *int64
	GT  *int64
	LT  *int64
}

// DatapointQuery selects datapoints of one datastream.
type DatapointQuery struct {
	DatastreamID string
	Time         TimeRange
	// TimeLocal filters and sorts on local time instead of UTC
	TimeLocal bool
	Limit     int
	SortTime  SortOrder
}

// Values encodes the query for the datapoint service.
func (q DatapointQuery) Values() url.Values {
	v := url.Values{}
	v.Set("datastream_id", q.DatastreamID)
	// Integer times with local timestamps in the projection
	v.Set("t_int", "true")
	v.Set("t_local", "true")
	if q.TimeLocal {
		v.Set("time_local", "true")
	}
	if q.Time.GTE != nil {
		v.Set("time[$gte]", strconv.FormatInt(*q.Time.GTE, 10))
	}
	if q.Time.GT != nil {
		v.Set("time[$gt]", strconv.FormatInt(*q.Time.GT, 10))
	}
	if q.Time.LT != nil {
		v.Set("time[$lt]", strconv.FormatInt(*q.Time.LT, 10))
	}
	if q.Limit > 0 {
		v.Set("$limit", strconv.Itoa(q.Limit))
	}
	if q.SortTime != 0 {
		v.Set("$sort[time]", strconv.Itoa(int(q.SortTime)))
	}
	return v
}

// ConfigBuiltFilter matches datastreams by their built datapoints config.
type ConfigBuiltFilter struct {
	API  string
	DB   string
	FC   string
	Path string
}

// DatastreamQuery selects datastreams.
type DatastreamQuery struct {
	IDIn          []string
	DerivedFromIn []string
	IsEnabled     *bool
	SourceType    string
	ConfigBuilt   *ConfigBuiltFilter
	Limit         int
	SortID        SortOrder
}

// Values encodes the query for the datastream service.
func (q DatastreamQuery) Values() url.Values {
	v := url.Values{}
	for _, id := range q.IDIn {
		v.Add("_id[$in]", id)
	}
	for _, id := range q.DerivedFromIn {
		v.Add("derived_from_datastream_ids[$in]", id)
	}
	if q.IsEnabled != nil {
		v.Set("is_enabled", strconv.FormatBool(*q.IsEnabled))
	}
	if q.SourceType != "" {
		v.Set("source_type", q.SourceType)
	}
	if q.ConfigBuilt != nil {
		if q.ConfigBuilt.API != "" {
			v.Set("datapoints_config_built.params.query.api", q.ConfigBuilt.API)
		}
		v.Set("datapoints_config_built.params.query.db", q.ConfigBuilt.DB)
		v.Set("datapoints_config_built.params.query.fc", q.ConfigBuilt.FC)
		v.Set("datapoints_config_built.path", q.ConfigBuilt.Path)
	}
	if q.Limit > 0 {
		v.Set("$limit", strconv.Itoa(q.Limit))
	}
	if q.SortID != 0 {
		v.Set("$sort[_id]", strconv.Itoa(int(q.SortID)))
	}
	return v
}

// Bool returns a pointer to b, for optional query fields.
func Bool(b bool) *bool { return &b }

// Int64 returns a pointer to n, for optional time bounds.
func Int64(n int64) *int64 { return &n }

// String implements fmt.Stringer for logging.
func (q DatapointQuery) String() string {
	return fmt.Sprintf("datapoints?%s", q.Values().Encode())
}

// String implements fmt.Stringer for logging.
func (q DatastreamQuery) String() string {
	return fmt.Sprintf("datastreams?%s", q.Values().Encode())
}
