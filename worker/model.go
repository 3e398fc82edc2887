// Package worker coordinates the deriv worker's startup and reconfiguration.
// A task machine polls guard/execute/assign tasks that bring up the data API,
// the time-series store and the bus in dependency order, and a dispatch
// pipeline routes delivered messages to a processor under generation fencing.
package worker

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/DendraScience/dendra-worker-tasks-deriv/config"
	"github.com/DendraScience/dendra-worker-tasks-deriv/natsclient"
)

var subjectPlaceholder = regexp.MustCompile(`\{([.\w]+)\}`)

// Source is one resolved bus subscription.
type Source struct {
	Subject     string
	Durable     string
	AckWait     time.Duration
	MaxInFlight int
}

// Model is the process-wide coordination state for one task machine. All
// writes go through task assigns on the machine's poll loop; the pipeline
// only reads the generation stamps.
type Model struct {
	name        string
	hostname    string
	hostOrdinal int

	mu sync.RWMutex

	versionTs       int64
	sourcesTs       int64
	subscriptionsTs int64

	apiReady   bool
	storeReady bool
	closing    bool
	closed     bool

	sources   []Source
	bus       *natsclient.Client
	consumers []*natsclient.Consumer
}

// NewModel creates the coordination state for a named task machine. The host
// ordinal is parsed from a trailing integer in the hostname so subject
// templates can partition a topic across worker replicas.
func NewModel(name string) *Model {
	hostname, _ := os.Hostname()
	return &Model{
		name:        name,
		hostname:    hostname,
		hostOrdinal: hostOrdinal(hostname),
	}
}

func hostOrdinal(hostname string) int {
	i := len(hostname)
	for i > 0 && hostname[i-1] >= '0' && hostname[i-1] <= '9' {
		i--
	}
	if i == len(hostname) {
		return 0
	}
	n, _ := strconv.Atoi(hostname[i:])
	return n
}

// Name returns the machine name
func (m *Model) Name() string { return m.name }

// VersionTs returns the current configuration generation.
func (m *Model) VersionTs() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versionTs
}

// SourcesTs returns the generation the source config was last resolved at.
func (m *Model) SourcesTs() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sourcesTs
}

// SubscriptionsTs returns the generation the subscription set was last
// built at.
func (m *Model) SubscriptionsTs() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subscriptionsTs
}

// BumpVersion advances the configuration generation, invalidating every
// generation-stamped task so the machine re-converges on its next ticks.
func (m *Model) BumpVersion() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versionTs = time.Now().UnixMilli()
}

// APIReady reports whether data-API credentials have been verified.
func (m *Model) APIReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.apiReady
}

// StoreReady reports whether the time-series store is reachable.
func (m *Model) StoreReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.storeReady
}

// Closing reports whether shutdown has been requested.
func (m *Model) Closing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closing
}

// Closed reports whether the close task has run.
func (m *Model) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// RequestClose flags the model for shutdown; the machine's close task tears
// down subscriptions and the bus connection on a subsequent tick.
func (m *Model) RequestClose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closing = true
}

// Sources returns the resolved subscription set.
func (m *Model) Sources() []Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sources
}

// Bus returns the machine's bus client, or nil before connect.
func (m *Model) Bus() *natsclient.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bus
}

// Consumers returns the active subscription set.
func (m *Model) Consumers() []*natsclient.Consumer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consumers
}

// ResolveSubject substitutes {field} placeholders in a subject template with
// model fields. Unknown placeholders are left intact so a misconfigured
// template is visible in logs rather than silently collapsed.
func (m *Model) ResolveSubject(template string) string {
	return subjectPlaceholder.ReplaceAllStringFunc(template, func(match string) string {
		key := subjectPlaceholder.FindStringSubmatch(match)[1]
		switch key {
		case "hostOrdinal":
			return strconv.Itoa(m.hostOrdinal)
		case "hostname":
			return m.hostname
		case "name":
			return m.name
		default:
			return match
		}
	})
}

// ResolveSources maps subscription config onto the model's fields.
func (m *Model) ResolveSources(wc config.WorkerConfig) []Source {
	merged := wc.MergedSources()
	out := make([]Source, len(merged))
	for i, src := range merged {
		out[i] = Source{
			Subject:     m.ResolveSubject(src.SubToSubject),
			Durable:     src.SubOptions.DurableName,
			AckWait:     time.Duration(src.SubOptions.AckWait) * time.Millisecond,
			MaxInFlight: src.SubOptions.MaxInFlight,
		}
	}
	return out
}

func (m *Model) setVersionTs(ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versionTs = ts
}

func (m *Model) setAPIReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiReady = true
}

func (m *Model) setStoreReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeReady = true
}

// setSources records the resolved sources and stamps them with the current
// generation in one critical section.
func (m *Model) setSources(sources []Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = sources
	m.sourcesTs = m.versionTs
}

func (m *Model) setBus(c *natsclient.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bus = c
}

// resetBus drops the bus handle and subscription set and bumps the
// generation so the machine re-converges from the connect task onward.
func (m *Model) resetBus() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bus = nil
	m.consumers = nil
	m.versionTs = time.Now().UnixMilli()
}

// setConsumers records the rebuilt subscription set and stamps it with the
// current generation, realigning the pipeline's fencing check.
func (m *Model) setConsumers(consumers []*natsclient.Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers = consumers
	m.subscriptionsTs = m.versionTs
}

func (m *Model) setClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bus = nil
	m.consumers = nil
	m.closed = true
}

// String implements fmt.Stringer for logging.
func (m *Model) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("%s{version=%d sources=%d subscriptions=%d}",
		m.name, m.versionTs, m.sourcesTs, m.subscriptionsTs)
}
