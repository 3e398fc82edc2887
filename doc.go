// Package deriv implements a worker that maintains derived (computed)
// time-series datastreams from source sensor datastreams.
//
// # Architecture
//
// The worker runs two task machines, each a small reactive coordinator that
// brings up its dependencies in guard order and re-converges when its
// configuration generation is bumped:
//
//   - build: consumes build requests from the bus and executes them through
//     a registry of named build methods (initDerivedDatastream,
//     deriveDatapoints, processDatastream, destroyDerivedDatastream).
//   - watch_tsdb: consumes change notifications from the time-series store
//     and fans them out as processDatastream build jobs.
//
// Build jobs are dispatched through an external build-job service and
// delivered back over the same bus, closing a self-feeding pipeline: a store
// change triggers processDatastream, which enqueues initDerivedDatastream
// per affected derived datastream, which enqueues deriveDatapoints per
// derivation window.
//
// Package layout:
//
//   - worker: task machine, coordination model and dispatch pipeline
//   - build: build method registry and handlers
//   - watch: store change notification processing
//   - deriver: resumable derivation methods (water-year cumulative sum)
//   - dataapi: datastream/datapoint/station/build service client
//   - tsdb: time-series store boundary (InfluxDB)
//   - natsclient: JetStream bus client
//   - config, errors, metric: configuration, error classification, metrics
//
// Messages are processed with manual acknowledgment and at most one in
// flight per subscription. A message delivered under a stale subscription
// generation is deferred (left unacknowledged) and redelivered once the
// subscription set is rebuilt; an undecodable payload is likewise left for
// redelivery. Handler-level failures are folded into build results and
// acknowledged.
package deriv
