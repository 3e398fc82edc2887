// Package dataapi provides the client boundary to the external datastream,
// datapoint, station and build-dispatch services.
package dataapi

import (
	"context"
	"time"
)

// Datastream identifies a source (sensor) or derived (deriver) time series.
type Datastream struct {
	ID                       string             `json:"_id,omitempty"`
	DerivationMethod         string             `json:"derivation_method,omitempty"`
	DerivedFromDatastreamIDs []string           `json:"derived_from_datastream_ids,omitempty"`
	Description              string             `json:"description,omitempty"`
	IsEnabled                bool               `json:"is_enabled"`
	OrganizationID           string             `json:"organization_id,omitempty"`
	SourceType               string             `json:"source_type,omitempty"`
	StationID                string             `json:"station_id,omitempty"`
	DatapointsConfig         []DatapointsConfig `json:"datapoints_config,omitempty"`
	DatapointsConfigBuilt    []DatapointsConfig `json:"datapoints_config_built,omitempty"`
}

// Datastream source types
const (
	SourceTypeSensor  = "sensor"
	SourceTypeDeriver = "deriver"
)

// DatapointsConfig points readers of a datastream at its backing storage.
type DatapointsConfig struct {
	BeginsAt   string        `json:"begins_at,omitempty"`
	EndsBefore string        `json:"ends_before,omitempty"`
	Params     *ConfigParams `json:"params,omitempty"`
	Path       string        `json:"path,omitempty"`
}

// ConfigParams carries the query portion of a datapoints config.
type ConfigParams struct {
	Query map[string]interface{} `json:"query,omitempty"`
}

// Datapoint is one recorded value. Times are milliseconds; LocalTime is the
// instant shifted by the station's UTC offset.
type Datapoint struct {
	Time      int64   `json:"t,omitempty"`
	LocalTime int64   `json:"lt,omitempty"`
	UTCOffset int64   `json:"o,omitempty"` // seconds
	Value     float64 `json:"v"`
}

// Station describes a measurement site; UTCOffset is in seconds.
type Station struct {
	ID        string `json:"_id,omitempty"`
	Name      string `json:"name,omitempty"`
	TimeZone  string `json:"time_zone,omitempty"`
	UTCOffset int64  `json:"utc_offset"`
}

// Job is a build job dispatched through the derived-builds service and
// delivered back to this worker over the bus. Jobs are only created and
// eventually discarded, never mutated.
type Job struct {
	ID          string      `json:"_id"`
	Method      string      `json:"method"`
	DispatchAt  time.Time   `json:"dispatch_at"`
	DispatchKey string      `json:"dispatch_key"`
	ExpiresAt   time.Time   `json:"expires_at"`
	Spec        interface{} `json:"spec"`
}

// DatastreamService reads and patches datastream metadata.
type DatastreamService interface {
	Find(ctx context.Context, query DatastreamQuery) ([]Datastream, error)
	// Patch applies $set to the identified datastream; query acts as an
	// optimistic-concurrency guard on the server side.
	Patch(ctx context.Context, id string, set map[string]interface{},
		query map[string]interface{}) (*Datastream, error)
}

// DatapointService reads recorded datapoints.
type DatapointService interface {
	Find(ctx context.Context, query DatapointQuery) ([]Datapoint, error)
}

// StationService reads station metadata.
type StationService interface {
	Get(ctx context.Context, id string) (*Station, error)
}

// BuildService enqueues build jobs.
type BuildService interface {
	Create(ctx context.Context, job *Job) error
}

// Authorizer verifies the worker's credentials before a handler acts.
// Verification fails closed.
type Authorizer interface {
	Verify(ctx context.Context) error
}
