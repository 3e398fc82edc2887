package build

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/DendraScience/dendra-worker-tasks-deriv/dataapi"
	"github.com/DendraScience/dendra-worker-tasks-deriv/deriver"
	"github.com/DendraScience/dendra-worker-tasks-deriv/errors"
	"github.com/DendraScience/dendra-worker-tasks-deriv/tsdb"
)

// Min and max config bounds kept within dates the time-series store accepts.
var (
	minConfigTime = time.Date(1800, time.February, 2, 0, 0, 0, 0, time.UTC)
	maxConfigTime = time.Date(2200, time.February, 2, 0, 0, 0, 0, time.UTC)
)

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// findLimit caps datastream find results per query.
const findLimit = 2000

type handlers struct {
	svc Services
}

// InitSpec is the spec of an initDerivedDatastream request. When Change is
// set only the affected water-year partition is rebuilt; otherwise the full
// history is reinitialized and the datastream's datapoints config rebuilt.
type InitSpec struct {
	Change     *Change             `json:"change,omitempty"`
	Datastream *dataapi.Datastream `json:"datastream"`
}

// InitResult reports what initDerivedDatastream touched.
type InitResult struct {
	Change     *Change             `json:"change,omitempty"`
	Datastream *dataapi.Datastream `json:"datastream,omitempty"`
	Dispatched []string            `json:"dispatched"`
}

// DeriveSpec is the spec of a deriveDatapoints request. It extends a deriver
// work spec with the storage target.
type DeriveSpec struct {
	Database         string `json:"database"`
	Measurement      string `json:"measurement"`
	DerivationMethod string `json:"derivation_method"`
	deriver.Spec
}

// ProcessSpec is the spec of a processDatastream request. Exactly one of
// Datastream or DatastreamIDs identifies the changed source(s).
type ProcessSpec struct {
	Change        *Change             `json:"change,omitempty"`
	ChangeID      string              `json:"change_id,omitempty"`
	Datastream    *dataapi.Datastream `json:"datastream,omitempty"`
	DatastreamIDs []string            `json:"datastream_ids,omitempty"`
}

// ProcessResult lists the derived datastreams fanned out to.
type ProcessResult struct {
	DatastreamIDs []string `json:"datastream_ids"`
}

// DestroySpec is the spec of a destroyDerivedDatastream request.
type DestroySpec struct {
	Datastream *dataapi.Datastream `json:"datastream"`
}

// DestroyResult names the storage destroyDerivedDatastream removed.
type DestroyResult struct {
	Database    string `json:"database"`
	Measurement string `json:"measurement"`
}

// initDerivedDatastream reinitializes a derived datastream. It resolves the
// enabled source datastreams, partitions the work with the datastream's
// derivation method, and dispatches one deriveDatapoints job per partition.
// A full (changeless) init also rebuilds the datapoints config and clears
// previously persisted data.
func (h *handlers) initDerivedDatastream(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var spec InitSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, errors.WrapInvalid(err, "build", "initDerivedDatastream", "decode spec")
	}
	if spec.Datastream == nil {
		return nil, errors.WrapInvalid(errors.ErrSpecIncomplete, "build", "initDerivedDatastream",
			"datastream is required")
	}

	if err := h.svc.Auth.Verify(ctx); err != nil {
		return nil, err
	}

	datastream := spec.Datastream
	logger := h.svc.Logger.With("method", MethodInitDerivedDatastream, "datastream_id", datastream.ID)

	query := dataapi.DatastreamQuery{
		IDIn:       datastream.DerivedFromDatastreamIDs,
		IsEnabled:  dataapi.Bool(true),
		SourceType: dataapi.SourceTypeSensor,
		Limit:      findLimit,
		SortID:     dataapi.SortAsc,
	}
	logger.Info("finding source datastreams", "query", query.String())

	sources, err := h.svc.Datastreams.Find(ctx, query)
	if err != nil {
		return nil, err
	}

	method, err := h.svc.Derivers.Lookup(datastream.DerivationMethod)
	if err != nil {
		return nil, err
	}

	database := DatabaseName(datastream.OrganizationID)
	measurement := MeasurementName(datastream.ID)

	initReq := deriver.InitRequest{
		DerivedDatastream: *datastream,
		SourceDatastreams: sources,
	}

	result := &InitResult{Change: spec.Change, Dispatched: []string{}}

	if spec.Change != nil {
		// Change extents are UTC; the deriver partitions on local time
		logger.Info("getting station", "station_id", datastream.StationID)
		station, err := h.svc.Stations.Get(ctx, datastream.StationID)
		if err != nil {
			return nil, err
		}
		updateTime := spec.Change.TimeMin + station.UTCOffset*1000
		initReq.UpdateTime = &updateTime
	}

	logger.Info("initializing deriver", "derivation_method", datastream.DerivationMethod)
	specs, err := method.Init(ctx, initReq)
	if err != nil {
		return nil, err
	}

	if spec.Change == nil {
		patched, err := h.rebuildConfig(ctx, datastream, database, measurement, logger)
		if err != nil {
			return nil, err
		}
		result.Datastream = patched

		logger.Info("deleting all measurement data", "database", database, "measurement", measurement)
		if err := h.svc.Store.DeleteMeasurement(ctx, database, measurement); err != nil {
			if !tsdb.IsNotFound(err) {
				return nil, err
			}
			logger.Warn("measurement data not deleted", "error", err)
		}
	}

	for _, deriverSpec := range specs {
		buildSpec := DeriveSpec{
			Database:         database,
			Measurement:      measurement,
			DerivationMethod: datastream.DerivationMethod,
			Spec:             deriverSpec,
		}
		job := NewJob(MethodDeriveDatapoints, datastream.ID, "", datastream.ID, buildSpec)

		logger.Info("dispatching build", "build_id", job.ID)
		if err := h.svc.Builds.Create(ctx, job); err != nil {
			return nil, err
		}
		if h.svc.Metrics != nil {
			h.svc.Metrics.BuildsDispatched.WithLabelValues(MethodDeriveDatapoints).Inc()
		}
		result.Dispatched = append(result.Dispatched, job.ID)
	}

	return result, nil
}

// rebuildConfig points readers of the derived datastream at its storage for
// all time. The patch is guarded on source_type so a concurrently retyped
// datastream is never clobbered.
func (h *handlers) rebuildConfig(ctx context.Context, datastream *dataapi.Datastream,
	database, measurement string, logger *slog.Logger) (*dataapi.Datastream, error) {

	config := []dataapi.DatapointsConfig{
		{
			BeginsAt:   minConfigTime.Format(isoMillis),
			EndsBefore: maxConfigTime.Format(isoMillis),
			Params: &dataapi.ConfigParams{
				Query: map[string]interface{}{
					"db":       database,
					"fc":       measurement,
					"coalesce": false,
					// Derived datastreams are stored in local time
					"local": true,
				},
			},
			Path: "/influx/select",
		},
	}

	logger.Info("patching derived datastream")

	return h.svc.Datastreams.Patch(ctx, datastream.ID,
		map[string]interface{}{
			"datapoints_config":       config,
			"datapoints_config_built": config,
		},
		map[string]interface{}{"source_type": dataapi.SourceTypeDeriver})
}

// deriveDatapoints derives one work spec's window and persists the pages.
// Previously derived data in the affected window is deleted first so the run
// is idempotent.
func (h *handlers) deriveDatapoints(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var spec DeriveSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, errors.WrapInvalid(err, "build", "deriveDatapoints", "decode spec")
	}
	if spec.Database == "" || spec.Measurement == "" || spec.DerivationMethod == "" {
		return nil, errors.WrapInvalid(errors.ErrSpecIncomplete, "build", "deriveDatapoints",
			"database, measurement and derivation_method are required")
	}

	if err := h.svc.Auth.Verify(ctx); err != nil {
		return nil, err
	}

	logger := h.svc.Logger.With("method", MethodDeriveDatapoints,
		"database", spec.Database, "measurement", spec.Measurement)

	logger.Info("creating database")
	if err := h.svc.Store.CreateDatabase(ctx, spec.Database); err != nil {
		return nil, err
	}

	// On an update run only data from the resume point forward is replaced;
	// everything before it is a valid checkpoint.
	deleteFrom := spec.StartTime
	if spec.UpdateTime != nil {
		deleteFrom = *spec.UpdateTime
	}

	logger.Info("deleting measurement data", "start", deleteFrom, "until", spec.UntilTime)
	if err := h.svc.Store.DeleteRange(ctx, spec.Database, spec.Measurement,
		deleteFrom, spec.UntilTime); err != nil {
		return nil, err
	}

	method, err := h.svc.Derivers.Lookup(spec.DerivationMethod)
	if err != nil {
		return nil, err
	}

	logger.Info("running deriver", "derivation_method", spec.DerivationMethod)

	sink := func(ctx context.Context, points []deriver.Point) error {
		batch := make([]tsdb.Point, len(points))
		for i, pt := range points {
			batch[i] = tsdb.Point{
				Time: pt.Timestamp,
				Fields: map[string]interface{}{
					"utc_offset": pt.UTCOffset,
					"value":      pt.Value,
				},
			}
		}

		logger.Info(fmt.Sprintf("writing (%d) point(s)", len(batch)))
		if err := h.svc.Store.WritePoints(ctx, spec.Database, spec.Measurement, batch); err != nil {
			return err
		}
		if h.svc.Metrics != nil {
			h.svc.Metrics.DerivedPoints.Add(float64(len(batch)))
			h.svc.Metrics.DerivedPages.Inc()
		}
		return nil
	}

	stats, err := method.Run(ctx, spec.Spec, sink)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// processDatastream fans a source-data change out to the derived
// datastreams that reference the source, dispatching one
// initDerivedDatastream job each.
func (h *handlers) processDatastream(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var spec ProcessSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, errors.WrapInvalid(err, "build", "processDatastream", "decode spec")
	}
	if spec.Datastream == nil && len(spec.DatastreamIDs) == 0 {
		return nil, errors.WrapInvalid(errors.ErrSpecIncomplete, "build", "processDatastream",
			"datastream or datastream_ids is required")
	}

	if err := h.svc.Auth.Verify(ctx); err != nil {
		return nil, err
	}

	sourceIDs := spec.DatastreamIDs
	if spec.Datastream != nil {
		sourceIDs = []string{spec.Datastream.ID}
	}

	logger := h.svc.Logger.With("method", MethodProcessDatastream)

	query := dataapi.DatastreamQuery{
		DerivedFromIn: sourceIDs,
		IsEnabled:     dataapi.Bool(true),
		SourceType:    dataapi.SourceTypeDeriver,
		Limit:         findLimit,
		SortID:        dataapi.SortAsc,
	}
	logger.Info("finding derived datastreams", "query", query.String())

	derived, err := h.svc.Datastreams.Find(ctx, query)
	if err != nil {
		return nil, err
	}

	logger.Info(fmt.Sprintf("processing (%d) derived datastreams", len(derived)))

	result := &ProcessResult{DatastreamIDs: make([]string, 0, len(derived))}
	for i := range derived {
		datastream := derived[i]
		buildSpec := InitSpec{Datastream: &datastream}
		changeID := ""
		if spec.Change != nil {
			buildSpec.Change = spec.Change
			changeID = spec.ChangeID
		}
		job := NewJob(MethodInitDerivedDatastream, datastream.ID, changeID, datastream.ID, buildSpec)

		logger.Info("dispatching build", "build_id", job.ID)
		if err := h.svc.Builds.Create(ctx, job); err != nil {
			return nil, err
		}
		if h.svc.Metrics != nil {
			h.svc.Metrics.BuildsDispatched.WithLabelValues(MethodInitDerivedDatastream).Inc()
		}
		result.DatastreamIDs = append(result.DatastreamIDs, datastream.ID)
	}

	return result, nil
}

// destroyDerivedDatastream drops a derived datastream's measurement. A
// missing database or measurement is not an error; the data is already gone.
func (h *handlers) destroyDerivedDatastream(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var spec DestroySpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, errors.WrapInvalid(err, "build", "destroyDerivedDatastream", "decode spec")
	}
	if spec.Datastream == nil {
		return nil, errors.WrapInvalid(errors.ErrSpecIncomplete, "build", "destroyDerivedDatastream",
			"datastream is required")
	}

	if err := h.svc.Auth.Verify(ctx); err != nil {
		return nil, err
	}

	database := DatabaseName(spec.Datastream.OrganizationID)
	measurement := MeasurementName(spec.Datastream.ID)

	logger := h.svc.Logger.With("method", MethodDestroyDerivedDatastream)
	logger.Info("dropping measurement", "database", database, "measurement", measurement)

	if err := h.svc.Store.DropMeasurement(ctx, database, measurement); err != nil {
		if !tsdb.IsNotFound(err) {
			return nil, err
		}
		logger.Warn("measurement not dropped", "error", err)
	}

	return &DestroyResult{Database: database, Measurement: measurement}, nil
}
