package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DendraScience/dendra-worker-tasks-deriv/errors"
	"github.com/DendraScience/dendra-worker-tasks-deriv/metric"
)

// Task is one guard/execute/assign unit evaluated by the machine. Guards
// encode the dependency order implicitly by checking peer readiness on the
// model; Execute runs off the poll loop; Assign folds the result back into
// the model.
type Task struct {
	Name    string
	Guard   func(m *Model) bool
	Execute func(ctx context.Context, m *Model) (interface{}, error)
	Assign  func(m *Model, result interface{})
}

// Machine polls a task list on a fixed interval, running at most one
// execution per task at a time. A failed task keeps its guard satisfied and
// is retried on the next tick.
type Machine struct {
	model    *Model
	tasks    []Task
	interval time.Duration
	metrics  *metric.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
	fatal    error

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
	tickCh    chan struct{}
}

// NewMachine creates a task machine over the given model and tasks
func NewMachine(model *Model, tasks []Task, interval time.Duration,
	metrics *metric.Metrics, logger *slog.Logger) *Machine {

	return &Machine{
		model:    model,
		tasks:    tasks,
		interval: interval,
		metrics:  metrics,
		logger:   logger.With("machine", model.Name()),
		inflight: make(map[string]bool),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		tickCh:   make(chan struct{}, 1),
	}
}

// Model returns the machine's coordination state.
func (mc *Machine) Model() *Model { return mc.model }

// Start launches the poll loop and blocks until the ready predicate holds,
// a task fails fatally, or startCycles ticks elapse. The loop keeps running
// after Start returns; use Stop to shut it down.
func (mc *Machine) Start(ctx context.Context, ready func(*Model) bool, startCycles int) error {
	mc.startOnce.Do(func() {
		go mc.loop(ctx)
	})

	for cycle := 0; cycle < startCycles; cycle++ {
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Machine", "Start", "wait for readiness")
		case <-mc.tickCh:
			if err := mc.fatalError(); err != nil {
				return err
			}
			if ready(mc.model) {
				mc.logger.Info("machine ready", "model", mc.model.String())
				return nil
			}
		}
	}

	return errors.WrapFatal(
		fmt.Errorf("not ready after %d cycles", startCycles),
		"Machine", "Start", "wait for readiness")
}

// Stop requests a graceful close and waits for the close task to tear down
// subscriptions and the bus connection, then halts the poll loop.
func (mc *Machine) Stop(ctx context.Context) error {
	mc.model.RequestClose()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	for !mc.model.Closed() {
		select {
		case <-ctx.Done():
			mc.halt()
			return errors.WrapTransient(ctx.Err(), "Machine", "Stop", "wait for close task")
		case <-ticker.C:
		}
	}

	mc.halt()
	return nil
}

// halt stops the poll loop and waits for it to exit. Consuming startOnce
// here covers a machine whose Start never ran: the loop can no longer
// launch, and doneCh is closed in its place so the wait cannot block on a
// loop that does not exist.
func (mc *Machine) halt() {
	mc.stopOnce.Do(func() {
		close(mc.stopCh)
	})
	mc.startOnce.Do(func() {
		close(mc.doneCh)
	})
	<-mc.doneCh
}

func (mc *Machine) fatalError() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.fatal
}

func (mc *Machine) loop(ctx context.Context) {
	defer close(mc.doneCh)

	mc.tick(ctx)

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.tick(ctx)
		}
	}
}

func (mc *Machine) tick(ctx context.Context) {
	for _, task := range mc.tasks {
		task := task

		mc.mu.Lock()
		if mc.inflight[task.Name] || !task.Guard(mc.model) {
			mc.mu.Unlock()
			continue
		}
		mc.inflight[task.Name] = true
		mc.mu.Unlock()

		go mc.run(ctx, task)
	}

	select {
	case mc.tickCh <- struct{}{}:
	default:
	}
}

func (mc *Machine) run(ctx context.Context, task Task) {
	defer func() {
		mc.mu.Lock()
		delete(mc.inflight, task.Name)
		mc.mu.Unlock()
	}()

	result, err := task.Execute(ctx, mc.model)
	if err != nil {
		mc.logger.Error("task failed", "task", task.Name, "error", err)
		mc.count(task.Name, "error")
		if errors.IsFatal(err) {
			mc.mu.Lock()
			mc.fatal = err
			mc.mu.Unlock()
		}
		return
	}

	if task.Assign != nil {
		task.Assign(mc.model, result)
	}
	mc.count(task.Name, "ok")
	mc.logger.Debug("task completed", "task", task.Name)
}

func (mc *Machine) count(task, outcome string) {
	if mc.metrics != nil {
		mc.metrics.TaskRuns.WithLabelValues(task, outcome).Inc()
	}
}
