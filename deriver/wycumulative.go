package deriver

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/DendraScience/dendra-worker-tasks-deriv/dataapi"
	"github.com/DendraScience/dendra-worker-tasks-deriv/errors"
)

// MethodWYCumulative is the registry name of the water-year cumulative deriver.
const MethodWYCumulative = "wyCumulative"

// waterYearOffsetMonths shifts the aggregation-year boundary from January to
// October (US water year).
const waterYearOffsetMonths = 9

// WYCumulative derives a cumulative sum per water year. The running sum uses
// arbitrary-precision decimals so that long accumulation chains do not drift.
type WYCumulative struct {
	datapoints dataapi.DatapointService
}

// NewWYCumulative creates a water-year cumulative deriver
func NewWYCumulative(datapoints dataapi.DatapointService) *WYCumulative {
	return &WYCumulative{datapoints: datapoints}
}

// waterYearStart maps a millisecond instant to the start of its enclosing
// water year (Oct 1, 00:00 UTC).
func waterYearStart(ms int64) time.Time {
	t := time.UnixMilli(ms).UTC()
	monthStart := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	shifted := monthStart.AddDate(0, -waterYearOffsetMonths, 0)
	return time.Date(shifted.Year(), time.October, 1, 0, 0, 0, 0, time.UTC)
}

// Init returns one spec per water year covering the source's recorded
// history, or a single spec for the water year containing UpdateTime.
// Exactly one source datastream is required; otherwise no specs are
// produced.
func (d *WYCumulative) Init(ctx context.Context, req InitRequest) ([]Spec, error) {
	specs := []Spec{}
	if len(req.SourceDatastreams) != 1 {
		return specs, nil
	}

	derivedID := req.DerivedDatastream.ID
	sourceID := req.SourceDatastreams[0].ID

	if req.UpdateTime != nil {
		start := waterYearStart(*req.UpdateTime)
		specs = append(specs, Spec{
			DerivedDatastreamID: derivedID,
			SourceDatastreamID:  sourceID,
			StartTime:           start.UnixMilli(),
			UntilTime:           start.AddDate(1, 0, 0).UnixMilli(),
			UpdateTime:          req.UpdateTime,
		})
		return specs, nil
	}

	first, err := d.edgePoint(ctx, sourceID, dataapi.SortAsc)
	if err != nil {
		return nil, err
	}
	if first == nil {
		return specs, nil
	}
	last, err := d.edgePoint(ctx, sourceID, dataapi.SortDesc)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return specs, nil
	}

	firstStart := waterYearStart(first.LocalTime)
	lastStart := waterYearStart(last.LocalTime)

	for current := firstStart; !current.After(lastStart); {
		next := current.AddDate(1, 0, 0)
		specs = append(specs, Spec{
			DerivedDatastreamID: derivedID,
			SourceDatastreamID:  sourceID,
			StartTime:           current.UnixMilli(),
			UntilTime:           next.UnixMilli(),
		})
		current = next
	}

	return specs, nil
}

func (d *WYCumulative) edgePoint(ctx context.Context, sourceID string, order dataapi.SortOrder) (*dataapi.Datapoint, error) {
	points, err := d.datapoints.Find(ctx, dataapi.DatapointQuery{
		DatastreamID: sourceID,
		Limit:        1,
		SortTime:     order,
	})
	if err != nil {
		return nil, errors.Wrap(err, "WYCumulative", "Init", "find edge datapoint")
	}
	if len(points) == 0 {
		return nil, nil
	}
	return &points[0], nil
}

// Run derives the spec's window, paging through source points in ascending
// local-time order and handing each derived page to the sink before the next
// fetch. When the spec carries an update time and a prior derived point
// exists before it, the running sum is seeded from that checkpoint and
// derivation starts at the update time.
func (d *WYCumulative) Run(ctx context.Context, spec Spec, sink PageSink) (*Stats, error) {
	fromTime := spec.StartTime
	count := 0
	pages := 0
	sum := decimal.Zero

	if spec.UpdateTime != nil {
		prior, err := d.datapoints.Find(ctx, dataapi.DatapointQuery{
			DatastreamID: spec.DerivedDatastreamID,
			TimeLocal:    true,
			Time:         dataapi.TimeRange{GTE: &spec.StartTime, LT: spec.UpdateTime},
			Limit:        1,
			SortTime:     dataapi.SortDesc,
		})
		if err != nil {
			return nil, errors.Wrap(err, "WYCumulative", "Run", "find prior datapoint")
		}
		if len(prior) > 0 {
			fromTime = *spec.UpdateTime
			sum = decimal.NewFromFloat(prior[0].Value)
		}
	}

	for {
		// Inclusive lower bound on the first page only; afterwards the
		// prior page's last timestamp is an exclusive floor so the
		// boundary point is never reprocessed.
		lower := fromTime
		timeRange := dataapi.TimeRange{LT: &spec.UntilTime}
		if pages > 0 {
			timeRange.GT = &lower
		} else {
			timeRange.GTE = &lower
		}

		points, err := d.datapoints.Find(ctx, dataapi.DatapointQuery{
			DatastreamID: spec.SourceDatastreamID,
			TimeLocal:    true,
			Time:         timeRange,
			Limit:        PageSize,
			SortTime:     dataapi.SortAsc,
		})
		if err != nil {
			return nil, errors.Wrap(err, "WYCumulative", "Run", "find source datapoints")
		}
		if len(points) == 0 {
			break
		}

		page := make([]Point, 0, len(points))
		for _, pt := range points {
			sum = sum.Add(decimal.NewFromFloat(pt.Value))
			value, _ := sum.Float64()
			page = append(page, Point{
				Timestamp: pt.LocalTime,
				UTCOffset: pt.UTCOffset,
				Value:     value,
			})
		}
		count += len(points)

		if err := sink(ctx, page); err != nil {
			return nil, errors.Wrap(err, "WYCumulative", "Run", "write derived page")
		}

		fromTime = points[len(points)-1].LocalTime
		pages++
	}

	return &Stats{
		Count:      count,
		Pages:      pages,
		FromTime:   fromTime,
		StartTime:  spec.StartTime,
		UntilTime:  spec.UntilTime,
		UpdateTime: spec.UpdateTime,
		Sum:        sum,
	}, nil
}
