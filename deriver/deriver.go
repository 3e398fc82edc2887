// Package deriver implements resumable derivation of computed datastreams
// from source datapoints. Derivation methods are registered by name and
// expose two phases: Init partitions the affected history into work specs,
// Run incrementally aggregates one spec's window in bounded-memory pages.
package deriver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/DendraScience/dendra-worker-tasks-deriv/dataapi"
	"github.com/DendraScience/dendra-worker-tasks-deriv/errors"
)

// PageSize bounds how many source datapoints are fetched and derived per
// page, keeping memory and write payloads bounded.
const PageSize = 2016

// Spec is one unit of derivation work over the half-open window
// [StartTime, UntilTime). When UpdateTime is set, Run resumes from the last
// persisted checkpoint before UpdateTime instead of re-deriving the full
// window. Times are milliseconds.
type Spec struct {
	DerivedDatastreamID string `json:"derived_datastream_id"`
	SourceDatastreamID  string `json:"source_datastream_id"`
	StartTime           int64  `json:"start_time"`
	UntilTime           int64  `json:"until_time"`
	UpdateTime          *int64 `json:"update_time,omitempty"`
}

// InitRequest carries the datastreams a deriver partitions into specs.
type InitRequest struct {
	DerivedDatastream dataapi.Datastream
	SourceDatastreams []dataapi.Datastream
	// UpdateTime, when set, limits init to the single partition containing
	// this instant (milliseconds, local time).
	UpdateTime *int64
}

// Point is one derived datapoint. Timestamp is the source point's local
// timestamp in milliseconds.
type Point struct {
	Timestamp int64
	UTCOffset int64
	Value     float64
}

// PageSink persists one page of derived points. Run awaits each sink call
// before fetching the next page.
type PageSink func(ctx context.Context, points []Point) error

// Stats summarizes one Run invocation.
type Stats struct {
	Count      int             `json:"count"`
	Pages      int             `json:"pages"`
	FromTime   int64           `json:"from_time"`
	StartTime  int64           `json:"start_time"`
	UntilTime  int64           `json:"until_time"`
	UpdateTime *int64          `json:"update_time,omitempty"`
	Sum        decimal.Decimal `json:"v_sum"`
}

// Deriver is a two-phase derivation method.
type Deriver interface {
	Init(ctx context.Context, req InitRequest) ([]Spec, error)
	Run(ctx context.Context, spec Spec, sink PageSink) (*Stats, error)
}

// Registry maps derivation method names to derivers.
type Registry struct {
	mu       sync.RWMutex
	derivers map[string]Deriver
}

// NewRegistry creates an empty deriver registry
func NewRegistry() *Registry {
	return &Registry{derivers: make(map[string]Deriver)}
}

// NewDefaultRegistry creates a registry with the built-in derivers
func NewDefaultRegistry(datapoints dataapi.DatapointService) *Registry {
	r := NewRegistry()
	r.Register(MethodWYCumulative, NewWYCumulative(datapoints))
	return r
}

// Register adds a deriver under the given method name, replacing any
// previous registration.
func (r *Registry) Register(name string, d Deriver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.derivers[name] = d
}

// Lookup returns the deriver for a method name
func (r *Registry) Lookup(name string) (Deriver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.derivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrDerivationMethodNotSupported, name)
	}
	return d, nil
}

// Names returns the registered method names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.derivers))
	for name := range r.derivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
