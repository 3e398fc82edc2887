package deriver

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DendraScience/dendra-worker-tasks-deriv/dataapi"
	"github.com/DendraScience/dendra-worker-tasks-deriv/errors"
)

// fakeDatapointService serves canned datapoints per datastream id, applying
// the query's time range, sort and limit the way the real service does.
type fakeDatapointService struct {
	data  map[string][]dataapi.Datapoint
	calls []dataapi.DatapointQuery
	err   error
}

func (f *fakeDatapointService) Find(_ context.Context, q dataapi.DatapointQuery) ([]dataapi.Datapoint, error) {
	f.calls = append(f.calls, q)
	if f.err != nil {
		return nil, f.err
	}

	var out []dataapi.Datapoint
	for _, pt := range f.data[q.DatastreamID] {
		t := pt.LocalTime
		if q.Time.GTE != nil && t < *q.Time.GTE {
			continue
		}
		if q.Time.GT != nil && t <= *q.Time.GT {
			continue
		}
		if q.Time.LT != nil && t >= *q.Time.LT {
			continue
		}
		out = append(out, pt)
	}

	sort.Slice(out, func(i, j int) bool {
		if q.SortTime == dataapi.SortDesc {
			return out[i].LocalTime > out[j].LocalTime
		}
		return out[i].LocalTime < out[j].LocalTime
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func ms(year int, month time.Month, day int) int64 {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).UnixMilli()
}

func TestWaterYearStart(t *testing.T) {
	tests := []struct {
		name     string
		instant  int64
		expected int64
	}{
		{"spring belongs to prior october", ms(2021, time.May, 15), ms(2020, time.October, 1)},
		{"november belongs to same october", ms(2021, time.November, 2), ms(2021, time.October, 1)},
		{"october first is its own boundary", ms(2021, time.October, 1), ms(2021, time.October, 1)},
		{"september 30 closes the year", ms(2021, time.September, 30), ms(2020, time.October, 1)},
		{"january", ms(2022, time.January, 1), ms(2021, time.October, 1)},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := waterYearStart(test.instant)
			assert.Equal(t, test.expected, got.UnixMilli())
		})
	}
}

func TestWaterYearStart_Properties(t *testing.T) {
	instants := []int64{
		ms(1999, time.February, 28),
		ms(2015, time.March, 26),
		ms(2020, time.September, 30),
		ms(2020, time.October, 1),
		ms(2024, time.December, 31),
	}

	for _, instant := range instants {
		epoch := waterYearStart(instant)
		next := epoch.AddDate(1, 0, 0)

		// epoch(t) <= t < epoch(t) + 1 year
		assert.LessOrEqual(t, epoch.UnixMilli(), instant)
		assert.Greater(t, next.UnixMilli(), instant)

		// epoch is idempotent
		assert.Equal(t, epoch.UnixMilli(), waterYearStart(epoch.UnixMilli()).UnixMilli())
	}
}

func sourcePoints(id string, times []int64, values []float64) map[string][]dataapi.Datapoint {
	pts := make([]dataapi.Datapoint, len(times))
	for i := range times {
		pts[i] = dataapi.Datapoint{
			Time:      times[i],
			LocalTime: times[i],
			UTCOffset: -28800,
			Value:     values[i],
		}
	}
	return map[string][]dataapi.Datapoint{id: pts}
}

func TestInit_FullHistory(t *testing.T) {
	// Source spans four water years: WY2016 (Oct 2015) through WY2019.
	svc := &fakeDatapointService{
		data: sourcePoints("src1",
			[]int64{ms(2015, time.December, 1), ms(2019, time.March, 1)},
			[]float64{1, 2}),
	}
	d := NewWYCumulative(svc)

	specs, err := d.Init(context.Background(), InitRequest{
		DerivedDatastream: dataapi.Datastream{ID: "drv1"},
		SourceDatastreams: []dataapi.Datastream{{ID: "src1"}},
	})
	require.NoError(t, err)
	require.Len(t, specs, 4)

	// Contiguous, non-overlapping, oldest first
	assert.Equal(t, ms(2015, time.October, 1), specs[0].StartTime)
	for i, spec := range specs {
		assert.Equal(t, "drv1", spec.DerivedDatastreamID)
		assert.Equal(t, "src1", spec.SourceDatastreamID)
		assert.Nil(t, spec.UpdateTime)
		assert.Equal(t, ms(2015+i, time.October, 1), spec.StartTime)
		assert.Equal(t, ms(2016+i, time.October, 1), spec.UntilTime)
	}
}

func TestInit_UpdateHint(t *testing.T) {
	svc := &fakeDatapointService{}
	d := NewWYCumulative(svc)

	update := ms(2019, time.January, 15)
	specs, err := d.Init(context.Background(), InitRequest{
		DerivedDatastream: dataapi.Datastream{ID: "drv1"},
		SourceDatastreams: []dataapi.Datastream{{ID: "src1"}},
		UpdateTime:        &update,
	})
	require.NoError(t, err)
	require.Len(t, specs, 1)

	assert.Equal(t, ms(2018, time.October, 1), specs[0].StartTime)
	assert.Equal(t, ms(2019, time.October, 1), specs[0].UntilTime)
	require.NotNil(t, specs[0].UpdateTime)
	assert.Equal(t, update, *specs[0].UpdateTime)

	// The hint path never queries the datapoint service
	assert.Empty(t, svc.calls)
}

func TestInit_RequiresExactlyOneSource(t *testing.T) {
	d := NewWYCumulative(&fakeDatapointService{})

	for _, sources := range [][]dataapi.Datastream{
		{},
		{{ID: "a"}, {ID: "b"}},
	} {
		specs, err := d.Init(context.Background(), InitRequest{
			DerivedDatastream: dataapi.Datastream{ID: "drv1"},
			SourceDatastreams: sources,
		})
		require.NoError(t, err)
		assert.Empty(t, specs)
	}
}

func TestInit_EmptySource(t *testing.T) {
	d := NewWYCumulative(&fakeDatapointService{data: map[string][]dataapi.Datapoint{}})

	specs, err := d.Init(context.Background(), InitRequest{
		DerivedDatastream: dataapi.Datastream{ID: "drv1"},
		SourceDatastreams: []dataapi.Datastream{{ID: "src1"}},
	})
	require.NoError(t, err)
	assert.Empty(t, specs)
}

func TestRun_SumSeededAtZero(t *testing.T) {
	base := ms(2018, time.October, 1)
	svc := &fakeDatapointService{
		data: sourcePoints("src1",
			[]int64{base, base + 1000, base + 2000},
			[]float64{1.5, 2.5, 3.0}),
	}
	d := NewWYCumulative(svc)

	var written []Point
	sink := func(_ context.Context, points []Point) error {
		written = append(written, points...)
		return nil
	}

	stats, err := d.Run(context.Background(), Spec{
		DerivedDatastreamID: "drv1",
		SourceDatastreamID:  "src1",
		StartTime:           base,
		UntilTime:           ms(2019, time.October, 1),
	}, sink)
	require.NoError(t, err)

	require.Len(t, written, 3)
	// First emitted value equals the first source value
	assert.Equal(t, 1.5, written[0].Value)
	assert.Equal(t, 4.0, written[1].Value)
	assert.Equal(t, 7.0, written[2].Value)
	assert.Equal(t, int64(-28800), written[0].UTCOffset)

	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, 1, stats.Pages)
	assert.Equal(t, base+2000, stats.FromTime)
	assert.Equal(t, "7", stats.Sum.String())
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	start := ms(2018, time.October, 1)
	update := start + 10_000
	until := ms(2019, time.October, 1)

	svc := &fakeDatapointService{
		data: map[string][]dataapi.Datapoint{
			"src1": {
				{LocalTime: start + 1000, Value: 5},    // before checkpoint, must be skipped
				{LocalTime: update + 1000, Value: 2.5}, // first new point
				{LocalTime: update + 2000, Value: 1.5},
			},
			"drv1": {
				{LocalTime: start + 1000, Value: 5}, // prior derived checkpoint
			},
		},
	}
	d := NewWYCumulative(svc)

	var written []Point
	sink := func(_ context.Context, points []Point) error {
		written = append(written, points...)
		return nil
	}

	stats, err := d.Run(context.Background(), Spec{
		DerivedDatastreamID: "drv1",
		SourceDatastreamID:  "src1",
		StartTime:           start,
		UntilTime:           until,
		UpdateTime:          &update,
	}, sink)
	require.NoError(t, err)

	require.Len(t, written, 2)
	// First new value equals priorValue + firstNewSourceValue
	assert.Equal(t, 7.5, written[0].Value)
	assert.Equal(t, 9.0, written[1].Value)
	assert.Equal(t, 2, stats.Count)
}

func TestRun_NoCheckpointStartsAtStartTime(t *testing.T) {
	start := ms(2018, time.October, 1)
	update := start + 10_000

	svc := &fakeDatapointService{
		data: map[string][]dataapi.Datapoint{
			"src1": {
				{LocalTime: start + 1000, Value: 5},
				{LocalTime: update + 1000, Value: 2},
			},
		},
	}
	d := NewWYCumulative(svc)

	var written []Point
	sink := func(_ context.Context, points []Point) error {
		written = append(written, points...)
		return nil
	}

	_, err := d.Run(context.Background(), Spec{
		DerivedDatastreamID: "drv1",
		SourceDatastreamID:  "src1",
		StartTime:           start,
		UntilTime:           ms(2019, time.October, 1),
		UpdateTime:          &update,
	}, sink)
	require.NoError(t, err)

	// No prior derived point: derive the whole window from zero
	require.Len(t, written, 2)
	assert.Equal(t, 5.0, written[0].Value)
	assert.Equal(t, 7.0, written[1].Value)
}

func TestRun_Pagination(t *testing.T) {
	const extra = 5
	total := PageSize*2 + extra

	start := ms(2018, time.October, 1)
	times := make([]int64, total)
	values := make([]float64, total)
	for i := 0; i < total; i++ {
		times[i] = start + int64(i)*1000
		values[i] = 1
	}

	svc := &fakeDatapointService{data: sourcePoints("src1", times, values)}
	d := NewWYCumulative(svc)

	var pageSizes []int
	sink := func(_ context.Context, points []Point) error {
		pageSizes = append(pageSizes, len(points))
		return nil
	}

	stats, err := d.Run(context.Background(), Spec{
		DerivedDatastreamID: "drv1",
		SourceDatastreamID:  "src1",
		StartTime:           start,
		UntilTime:           ms(2019, time.October, 1),
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, []int{PageSize, PageSize, extra}, pageSizes)
	assert.Equal(t, total, stats.Count)
	assert.Equal(t, 3, stats.Pages)
	// Every point processed exactly once
	assert.Equal(t, fmt.Sprint(total), stats.Sum.String())
}

func TestRun_UntilTimeExclusive(t *testing.T) {
	start := ms(2018, time.October, 1)
	until := ms(2019, time.October, 1)

	svc := &fakeDatapointService{
		data: sourcePoints("src1",
			[]int64{start, until - 1, until},
			[]float64{1, 1, 1}),
	}
	d := NewWYCumulative(svc)

	count := 0
	sink := func(_ context.Context, points []Point) error {
		count += len(points)
		return nil
	}

	stats, err := d.Run(context.Background(), Spec{
		DerivedDatastreamID: "drv1",
		SourceDatastreamID:  "src1",
		StartTime:           start,
		UntilTime:           until,
	}, sink)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, stats.Count)
}

func TestRun_SinkErrorStopsPaging(t *testing.T) {
	start := ms(2018, time.October, 1)
	svc := &fakeDatapointService{
		data: sourcePoints("src1", []int64{start}, []float64{1}),
	}
	d := NewWYCumulative(svc)

	sink := func(_ context.Context, _ []Point) error {
		return errors.ErrStorageUnavailable
	}

	_, err := d.Run(context.Background(), Spec{
		DerivedDatastreamID: "drv1",
		SourceDatastreamID:  "src1",
		StartTime:           start,
		UntilTime:           ms(2019, time.October, 1),
	}, sink)
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry(&fakeDatapointService{})

	d, err := r.Lookup(MethodWYCumulative)
	require.NoError(t, err)
	assert.NotNil(t, d)

	_, err = r.Lookup("unsupported")
	assert.ErrorIs(t, err, errors.ErrDerivationMethodNotSupported)

	assert.Equal(t, []string{MethodWYCumulative}, r.Names())
}
