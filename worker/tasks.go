package worker

import (
	"context"
	"time"

	"github.com/DendraScience/dendra-worker-tasks-deriv/config"
	"github.com/DendraScience/dendra-worker-tasks-deriv/dataapi"
	"github.com/DendraScience/dendra-worker-tasks-deriv/natsclient"
	"github.com/DendraScience/dendra-worker-tasks-deriv/tsdb"
)

// Deps are the collaborators the task set acts on. Store is optional; a
// machine without one skips the store task and its readiness requirement.
type Deps struct {
	Stream   string
	Worker   config.WorkerConfig
	Auth     dataapi.Authorizer
	Store    tsdb.Store
	NewBus   func() (*natsclient.Client, error)
	Pipeline *Pipeline
}

// Ready is the terminal readiness predicate for Machine.Start: the
// subscription set has been built at the current generation.
func Ready(m *Model) bool {
	ts := m.SubscriptionsTs()
	return ts != 0 && ts == m.VersionTs()
}

// Tasks builds the standard bring-up/teardown task set. Guards encode the
// dependency chain: version assigned, then API credentials and store
// reachability, sources resolved at the current generation, bus connected,
// and finally the subscription set built at the current generation.
func Tasks(deps Deps) []Task {
	tasks := []Task{
		{
			Name: "versionTs",
			Guard: func(m *Model) bool {
				return m.VersionTs() == 0
			},
			Execute: func(_ context.Context, _ *Model) (interface{}, error) {
				return time.Now().UnixMilli(), nil
			},
			Assign: func(m *Model, result interface{}) {
				m.setVersionTs(result.(int64))
			},
		},
		{
			Name: "api",
			Guard: func(m *Model) bool {
				return !m.Closing() && !m.APIReady()
			},
			Execute: func(ctx context.Context, _ *Model) (interface{}, error) {
				return nil, deps.Auth.Verify(ctx)
			},
			Assign: func(m *Model, _ interface{}) {
				m.setAPIReady()
			},
		},
	}

	if deps.Store != nil {
		tasks = append(tasks, Task{
			Name: "store",
			Guard: func(m *Model) bool {
				return !m.Closing() && !m.StoreReady()
			},
			Execute: func(ctx context.Context, _ *Model) (interface{}, error) {
				return nil, deps.Store.Ping(ctx)
			},
			Assign: func(m *Model, _ interface{}) {
				m.setStoreReady()
			},
		})
	}

	tasks = append(tasks,
		Task{
			Name: "sources",
			Guard: func(m *Model) bool {
				return !m.Closing() && m.VersionTs() != 0 && m.SourcesTs() != m.VersionTs()
			},
			Execute: func(_ context.Context, m *Model) (interface{}, error) {
				return m.ResolveSources(deps.Worker), nil
			},
			Assign: func(m *Model, result interface{}) {
				m.setSources(result.([]Source))
			},
		},
		Task{
			Name: "bus",
			Guard: func(m *Model) bool {
				return !m.Closing() && m.Bus() == nil &&
					m.VersionTs() != 0 && m.SourcesTs() == m.VersionTs()
			},
			Execute: func(ctx context.Context, m *Model) (interface{}, error) {
				client, err := deps.NewBus()
				if err != nil {
					return nil, err
				}
				if err := client.Connect(ctx); err != nil {
					return nil, err
				}

				sources := m.Sources()
				subjects := make([]string, len(sources))
				for i, src := range sources {
					subjects[i] = src.Subject
				}
				if _, err := client.EnsureStream(ctx, deps.Stream, subjects); err != nil {
					client.Close(ctx)
					return nil, err
				}
				return client, nil
			},
			Assign: func(m *Model, result interface{}) {
				m.setBus(result.(*natsclient.Client))
			},
		},
		Task{
			Name: "busCheck",
			Guard: func(m *Model) bool {
				bus := m.Bus()
				return !m.Closing() && bus != nil && !bus.IsHealthy()
			},
			Execute: func(ctx context.Context, m *Model) (interface{}, error) {
				for _, consumer := range m.Consumers() {
					consumer.Stop()
				}
				if bus := m.Bus(); bus != nil {
					bus.Close(ctx)
				}
				return nil, nil
			},
			Assign: func(m *Model, _ interface{}) {
				m.resetBus()
			},
		},
		Task{
			Name: "subscriptions",
			Guard: func(m *Model) bool {
				bus := m.Bus()
				return !m.Closing() &&
					m.APIReady() &&
					(deps.Store == nil || m.StoreReady()) &&
					bus != nil && bus.IsHealthy() &&
					m.VersionTs() != 0 &&
					m.SourcesTs() == m.VersionTs() &&
					m.SubscriptionsTs() != m.VersionTs()
			},
			Execute: func(ctx context.Context, m *Model) (interface{}, error) {
				// Old consumers are stopped before new ones are built;
				// anything in flight is fenced by the generation check
				// and redelivered to the new set.
				for _, consumer := range m.Consumers() {
					consumer.Stop()
				}

				bus := m.Bus()
				consumers := make([]*natsclient.Consumer, 0, len(m.Sources()))
				for _, src := range m.Sources() {
					maxInFlight := src.MaxInFlight
					if maxInFlight == 0 {
						maxInFlight = 1
					}

					consumer, err := bus.Consume(ctx, deps.Stream, natsclient.ConsumerOptions{
						Subject:     src.Subject,
						Durable:     src.Durable,
						AckWait:     src.AckWait,
						MaxInFlight: maxInFlight,
						DeliverNew:  true,
					}, deps.Pipeline.Handle)
					if err != nil {
						for _, created := range consumers {
							created.Stop()
						}
						return nil, err
					}
					consumers = append(consumers, consumer)
				}
				return consumers, nil
			},
			Assign: func(m *Model, result interface{}) {
				m.setConsumers(result.([]*natsclient.Consumer))
			},
		},
		Task{
			Name: "close",
			Guard: func(m *Model) bool {
				return m.Closing() && !m.Closed()
			},
			Execute: func(ctx context.Context, m *Model) (interface{}, error) {
				for _, consumer := range m.Consumers() {
					consumer.Stop()
				}
				if bus := m.Bus(); bus != nil {
					bus.Close(ctx)
				}
				return nil, nil
			},
			Assign: func(m *Model, _ interface{}) {
				m.setClosed()
			},
		},
	)

	return tasks
}
