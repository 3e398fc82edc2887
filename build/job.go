package build

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DendraScience/dendra-worker-tasks-deriv/dataapi"
)

// jobTTL is how long a dispatched build job stays claimable before the
// dispatch service discards it.
const jobTTL = 24 * time.Hour

// DatabaseName returns the derived-data database for an organization.
// Datastreams without an organization share a default database.
func DatabaseName(organizationID string) string {
	if organizationID == "" {
		return "derived_default"
	}
	return "derived_org_" + organizationID
}

// MeasurementName returns the measurement holding a derived datastream's
// datapoints.
func MeasurementName(datastreamID string) string {
	return "derived_data_" + datastreamID
}

func idSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewJob creates a build job for dispatch. The job id embeds the method,
// target, optional change id and creation time so collisions across workers
// are practically impossible and ids remain greppable in logs.
func NewJob(method, targetID, changeID, dispatchKey string, spec interface{}) *dataapi.Job {
	now := time.Now()

	parts := []string{method, targetID}
	if changeID != "" {
		parts = append(parts, changeID)
	}
	parts = append(parts, strconv.FormatInt(now.UnixMilli(), 10), idSuffix())

	return &dataapi.Job{
		ID:          strings.Join(parts, "-"),
		Method:      method,
		DispatchAt:  now,
		DispatchKey: dispatchKey,
		ExpiresAt:   now.Add(jobTTL),
		Spec:        spec,
	}
}

// Change describes one span of source data that changed in the time-series
// store. Times are UTC milliseconds.
type Change struct {
	MsgSeq      uint64 `json:"msgSeq,omitempty"`
	Measurement string `json:"measurement,omitempty"`
	TimeMin     int64  `json:"timeMin"`
	TimeMax     int64  `json:"timeMax,omitempty"`
}

// String implements fmt.Stringer for logging.
func (c Change) String() string {
	return fmt.Sprintf("%s[%d,%d]", c.Measurement, c.TimeMin, c.TimeMax)
}
