// Package tsdb defines the time-series store boundary used for persisting
// derived datapoints, with an InfluxDB-backed implementation.
package tsdb

import (
	"context"
	"strings"

	"github.com/DendraScience/dendra-worker-tasks-deriv/errors"
)

// Point is one time-series point. Time is a UTC instant in milliseconds.
type Point struct {
	Time   int64
	Fields map[string]interface{}
}

// Store is the persistence surface for derived data. All time bounds are
// milliseconds and ranges are half-open [start, until).
type Store interface {
	// CreateDatabase ensures the named database exists
	CreateDatabase(ctx context.Context, database string) error

	// DeleteRange deletes measurement rows with start <= time < until
	DeleteRange(ctx context.Context, database, measurement string, start, until int64) error

	// DeleteMeasurement deletes all rows of a measurement
	DeleteMeasurement(ctx context.Context, database, measurement string) error

	// DropMeasurement drops the measurement entirely
	DropMeasurement(ctx context.Context, database, measurement string) error

	// WritePoints writes a batch of points to a measurement
	WritePoints(ctx context.Context, database, measurement string, points []Point) error

	// Ping verifies the store is reachable
	Ping(ctx context.Context) error

	// Close releases client resources
	Close()
}

// IsNotFound reports whether an error is a tolerated "resource not found"
// condition (database or measurement missing on delete/drop).
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.IsInvalid(err) || errors.IsFatal(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database not found") ||
		strings.Contains(msg, "measurement not found") ||
		strings.Contains(msg, "not found")
}
