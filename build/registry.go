// Package build implements the worker's build methods: named request
// handlers invoked for jobs delivered over the bus. Methods initialize,
// derive, fan out and destroy derived datastreams.
package build

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/DendraScience/dendra-worker-tasks-deriv/dataapi"
	"github.com/DendraScience/dendra-worker-tasks-deriv/deriver"
	"github.com/DendraScience/dendra-worker-tasks-deriv/errors"
	"github.com/DendraScience/dendra-worker-tasks-deriv/metric"
	"github.com/DendraScience/dendra-worker-tasks-deriv/tsdb"
)

// Build method names
const (
	MethodInitDerivedDatastream    = "initDerivedDatastream"
	MethodDeriveDatapoints         = "deriveDatapoints"
	MethodProcessDatastream        = "processDatastream"
	MethodDestroyDerivedDatastream = "destroyDerivedDatastream"
)

// Request is a build job as delivered over the bus.
type Request struct {
	ID     string          `json:"_id"`
	Method string          `json:"method"`
	Spec   json.RawMessage `json:"spec"`
}

// ErrorInfo captures a handler failure in a build result.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Class   string `json:"class"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// errorType identifies build handler failures in persisted results.
const errorType = "BuildError"

// Result is the outcome of one dispatched build request. Handler failures
// are recorded here rather than surfaced to the dispatch layer, so a failed
// build is still acknowledged and never redelivered.
type Result struct {
	Method     string      `json:"method"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Output     interface{} `json:"output,omitempty"`
	Error      *ErrorInfo  `json:"error,omitempty"`
}

// Handler executes one build method against a decoded spec.
type Handler func(ctx context.Context, spec json.RawMessage) (interface{}, error)

// Services are the collaborators build handlers act through.
type Services struct {
	Datastreams dataapi.DatastreamService
	Datapoints  dataapi.DatapointService
	Stations    dataapi.StationService
	Builds      dataapi.BuildService
	Auth        dataapi.Authorizer
	Store       tsdb.Store
	Derivers    *deriver.Registry
	Metrics     *metric.Metrics
	Logger      *slog.Logger
}

// Registry maps build method names to handlers and dispatches requests.
type Registry struct {
	handlers map[string]Handler
	metrics  *metric.Metrics
	logger   *slog.Logger
}

// NewRegistry creates a registry with the standard build methods wired to
// the given services.
func NewRegistry(svc Services) *Registry {
	h := &handlers{svc: svc}
	r := &Registry{
		handlers: map[string]Handler{
			MethodInitDerivedDatastream:    h.initDerivedDatastream,
			MethodDeriveDatapoints:         h.deriveDatapoints,
			MethodProcessDatastream:        h.processDatastream,
			MethodDestroyDerivedDatastream: h.destroyDerivedDatastream,
		},
		metrics: svc.Metrics,
		logger:  svc.Logger,
	}
	return r
}

// Names returns the registered method names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the request's build method. Errors, including an unknown
// method, are folded into the result so the caller can acknowledge the
// message regardless of outcome.
func (r *Registry) Dispatch(ctx context.Context, req Request) *Result {
	result := &Result{Method: req.Method, StartedAt: time.Now()}

	handler, ok := r.handlers[req.Method]
	if !ok {
		result.FinishedAt = time.Now()
		result.Error = newErrorInfo(errors.WrapInvalid(errors.ErrMethodNotSupported,
			"Registry", "Dispatch", req.Method))
		r.count(req.Method, "unsupported")
		return result
	}

	output, err := handler(ctx, req.Spec)
	result.FinishedAt = time.Now()
	if err != nil {
		result.Error = newErrorInfo(err)
		r.count(req.Method, "error")
		return result
	}

	result.Output = output
	r.count(req.Method, "ok")
	return result
}

func (r *Registry) count(method, outcome string) {
	if r.metrics != nil {
		r.metrics.BuildsCompleted.WithLabelValues(method, outcome).Inc()
	}
}

func newErrorInfo(err error) *ErrorInfo {
	class := errors.Classify(err)

	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrNotAuthorized):
		code = http.StatusUnauthorized
	case errors.Is(err, errors.ErrNotFound):
		code = http.StatusNotFound
	case class == errors.ErrorInvalid:
		code = http.StatusUnprocessableEntity
	case class == errors.ErrorTransient:
		code = http.StatusServiceUnavailable
	}

	return &ErrorInfo{
		Code:    code,
		Class:   class.String(),
		Message: err.Error(),
		Type:    errorType,
	}
}
