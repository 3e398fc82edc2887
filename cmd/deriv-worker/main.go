// Package main implements the entry point for the deriv worker. The worker
// maintains derived time-series datastreams: it consumes build requests and
// store change notifications from the bus, re-derives affected time ranges
// and persists the results to the time-series store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/DendraScience/dendra-worker-tasks-deriv/build"
	"github.com/DendraScience/dendra-worker-tasks-deriv/config"
	"github.com/DendraScience/dendra-worker-tasks-deriv/dataapi"
	"github.com/DendraScience/dendra-worker-tasks-deriv/deriver"
	"github.com/DendraScience/dendra-worker-tasks-deriv/metric"
	"github.com/DendraScience/dendra-worker-tasks-deriv/natsclient"
	"github.com/DendraScience/dendra-worker-tasks-deriv/tsdb"
	"github.com/DendraScience/dendra-worker-tasks-deriv/watch"
	"github.com/DendraScience/dendra-worker-tasks-deriv/worker"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "deriv-worker"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	metricsRegistry := metric.NewRegistry()
	metricsServer := metric.NewServer(cfg.Metrics.Addr, metricsRegistry, logger)
	metricsServer.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Stop(stopCtx)
	}()

	api := dataapi.NewClient(cfg.API.URL, cfg.API.Auth.Email, cfg.API.Auth.Password, cfg.API.Timeout)

	store := tsdb.NewInfluxStore(cfg.Influx.URL, cfg.Influx.Token)
	defer store.Close()

	machines, err := setupMachines(cfg, api, store, metricsRegistry.Metrics, logger)
	if err != nil {
		return err
	}

	for _, mc := range machines {
		logger.Info("Starting machine", "machine", mc.Model().Name())
		if err := mc.Start(ctx, worker.Ready, cfg.Machine.StartCycles); err != nil {
			shutdownMachines(machines, cliCfg.ShutdownTimeout)
			return fmt.Errorf("start %s machine: %w", mc.Model().Name(), err)
		}
	}

	logger.Info("Worker running", "version", Version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutdown signal received", "signal", sig.String())

	shutdownMachines(machines, cliCfg.ShutdownTimeout)
	return nil
}

// setupMachines wires the build and watch task machines. The build machine
// consumes build requests and requires the time-series store; the watch
// machine consumes store change notifications and only needs the data API.
func setupMachines(cfg *config.Config, api *dataapi.Client, store tsdb.Store,
	metrics *metric.Metrics, logger *slog.Logger) ([]*worker.Machine, error) {

	newBus := func(name string) func() (*natsclient.Client, error) {
		return func() (*natsclient.Client, error) {
			return natsclient.NewClient(cfg.NATS.URL,
				natsclient.WithName(cfg.NATS.ClientName+"-"+name),
				natsclient.WithLogger(logger.With("machine", name)),
			)
		}
	}

	var machines []*worker.Machine

	if len(cfg.Build.Sources) > 0 {
		derivers := deriver.NewDefaultRegistry(api.Datapoints())
		registry := build.NewRegistry(build.Services{
			Datastreams: api,
			Datapoints:  api.Datapoints(),
			Stations:    api,
			Builds:      api,
			Auth:        api,
			Store:       store,
			Derivers:    derivers,
			Metrics:     metrics,
			Logger:      logger,
		})

		model := worker.NewModel(config.WorkerBuild)
		pipeline := worker.NewPipeline(model,
			build.NewProcessor(registry, logger), metrics, logger)
		tasks := worker.Tasks(worker.Deps{
			Stream:   cfg.NATS.Stream,
			Worker:   cfg.Build,
			Auth:     api,
			Store:    store,
			NewBus:   newBus(config.WorkerBuild),
			Pipeline: pipeline,
		})
		machines = append(machines,
			worker.NewMachine(model, tasks, cfg.Machine.PollInterval(), metrics, logger))
	}

	if len(cfg.Watch.Sources) > 0 {
		model := worker.NewModel(config.WorkerWatch)
		pipeline := worker.NewPipeline(model,
			watch.NewProcessor(api, api, api, metrics, logger), metrics, logger)
		tasks := worker.Tasks(worker.Deps{
			Stream:   cfg.NATS.Stream,
			Worker:   cfg.Watch,
			Auth:     api,
			NewBus:   newBus(config.WorkerWatch),
			Pipeline: pipeline,
		})
		machines = append(machines,
			worker.NewMachine(model, tasks, cfg.Machine.PollInterval(), metrics, logger))
	}

	if len(machines) == 0 {
		return nil, fmt.Errorf("no sources configured for any worker")
	}

	return machines, nil
}

// shutdownMachines stops machines in reverse start order.
func shutdownMachines(machines []*worker.Machine, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for i := len(machines) - 1; i >= 0; i-- {
		mc := machines[i]
		if err := mc.Stop(ctx); err != nil {
			slog.Error("Machine shutdown failed", "machine", mc.Model().Name(), "error", err)
		}
	}
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting deriv worker",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}
