// Package main is the entry point for the lifestream pipeline processes. One
// binary serves every role: the outbox forwarder, the router, the per-stage
// workers, the materializer, and the ingestion gateway; --role selects which
// components run, and "all" wires the whole pipeline into a single process.
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

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/lifestream/config"
	"github.com/c360/lifestream/gateway"
	"github.com/c360/lifestream/health"
	"github.com/c360/lifestream/llm"
	"github.com/c360/lifestream/materializer"
	"github.com/c360/lifestream/metric"
	"github.com/c360/lifestream/natsclient"
	"github.com/c360/lifestream/outbox"
	"github.com/c360/lifestream/router"
	"github.com/c360/lifestream/store"
	"github.com/c360/lifestream/worker"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "lifestream"
)

// component is the shared lifecycle every long-running piece implements.
type component interface {
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

type namedComponent struct {
	name string
	component
}

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
		slog.Error("process failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("starting lifestream", "role", cliCfg.Role)

	cfg := config.Load()
	if err := cfg.Validate(cliCfg.Role); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	ctx := context.Background()

	db, err := store.New(ctx, store.Config{DSN: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	bus, err := connectBus(ctx, cfg, cliCfg.Role, logger)
	if err != nil {
		return err
	}
	if bus != nil {
		defer bus.Close(ctx)
	}

	metrics := metric.NewRegistry()
	monitor := health.NewMonitor()

	components, fatal, err := buildComponents(ctx, cliCfg.Role, cfg, db, bus, metrics, monitor, logger)
	if err != nil {
		return err
	}

	return runWithSignalHandling(ctx, components, fatal, cliCfg.ShutdownTimeout)
}

// connectBus connects NATS for every role that touches the bus. The gateway
// only writes to the ledger; the outbox carries its events onward.
func connectBus(ctx context.Context, cfg *config.Config, role string, logger *slog.Logger) (*natsclient.Client, error) {
	if role == config.RoleGateway {
		return nil, nil
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(appName + "-" + role),
		natsclient.WithLogger(logger),
	}
	if cfg.NATSUsername != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATSUsername, cfg.NATSPassword))
	}

	bus, err := natsclient.NewClient(cfg.NATSURLs, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bus client: %w", err)
	}
	if err := bus.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := bus.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("bus connection timeout: %w", err)
	}

	if err := bus.EnsureTopology(ctx, cfg.Partitions); err != nil {
		return nil, fmt.Errorf("ensure bus topology: %w", err)
	}
	return bus, nil
}

// buildComponents assembles the component set for a role, in start order.
func buildComponents(
	ctx context.Context,
	role string,
	cfg *config.Config,
	db *store.Store,
	bus *natsclient.Client,
	metrics *metric.Registry,
	monitor *health.Monitor,
	logger *slog.Logger,
) ([]namedComponent, <-chan error, error) {
	var components []namedComponent
	var fatal <-chan error

	want := func(r string) bool { return role == r || role == config.RoleAll }

	if want(config.RoleGateway) {
		srv := gateway.NewServer(db, cfg.HTTPAddr, metrics, monitor, logger)
		components = append(components, namedComponent{"gateway", srv})
	}

	if want(config.RoleMaterializer) {
		mat := materializer.New(db, bus, materializer.Config{Partitions: cfg.Partitions}, metrics.Metrics, logger)
		components = append(components, namedComponent{"materializer", mat})
	}

	if want(config.RoleRouter) {
		rt := router.New(db.Queries(), bus, bus, router.Config{
			Partitions:  cfg.Partitions,
			MaxAttempts: cfg.MaxAttempts,
		}, metrics.Metrics, logger)
		components = append(components, namedComponent{"router", rt})
	}

	if want(config.RoleFetcher) {
		fetcher := worker.NewFetcher(cfg.FetchTimeout, cfg.FetchUserAgent)
		runner := worker.NewRunner(fetcher, db.Queries(), bus, cfg.FetchTimeout, metrics.Metrics, logger)
		components = append(components, namedComponent{"fetcher", runner})
	}

	if want(config.RoleEnricher) {
		model, err := llm.New(llm.Config{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel})
		if err != nil {
			return nil, nil, fmt.Errorf("create model client: %w", err)
		}

		kv, err := bus.EnsureKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:  natsclient.TagCatalogBucket,
			History: 1,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open tag catalog: %w", err)
		}
		catalog := worker.NewTagCatalog(kv, logger)

		enricher := worker.NewEnricher(model, catalog, cfg.EnrichTextBudget, cfg.MaxTagHints)
		runner := worker.NewRunner(enricher, db.Queries(), bus, cfg.EnrichTimeout, metrics.Metrics, logger)
		components = append(components, namedComponent{"enricher", runner})
	}

	if want(config.RolePublisher) {
		runner := worker.NewRunner(worker.NewPublisher(), db.Queries(), bus, 10*time.Second, metrics.Metrics, logger)
		components = append(components, namedComponent{"publisher", runner})
	}

	if want(config.RoleOutbox) {
		fwd := outbox.NewForwarder(db.Queries(), bus, outbox.Config{
			Partitions:     cfg.Partitions,
			BatchSize:      cfg.OutboxBatchSize,
			PollInterval:   cfg.OutboxPollInterval,
			MaxConsecutive: cfg.OutboxMaxConsecutive,
		}, metrics.Metrics, logger)
		components = append(components, namedComponent{"outbox", fwd})
		fatal = fwd.Fatal()
	}

	if len(components) == 0 {
		return nil, nil, fmt.Errorf("role %q selects no components", role)
	}

	for _, c := range components {
		name := c.name
		monitor.Register(name, func() health.Status { return health.Healthy(name) })
	}

	return components, fatal, nil
}

// runWithSignalHandling starts every component, waits for a shutdown signal
// or a fatal outbox condition, and stops everything in reverse order.
func runWithSignalHandling(
	ctx context.Context,
	components []namedComponent,
	fatal <-chan error,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	for _, c := range components {
		if err := c.Initialize(); err != nil {
			return fmt.Errorf("initialize %s: %w", c.name, err)
		}
		if err := c.Start(signalCtx); err != nil {
			return fmt.Errorf("start %s: %w", c.name, err)
		}
		slog.Info("component started", "component", c.name)
	}

	slog.Info("lifestream running")

	var runErr error
	select {
	case <-signalCtx.Done():
		slog.Info("received shutdown signal")
	case err := <-orNever(fatal):
		slog.Error("fatal component condition", "error", err)
		runErr = err
	}

	deadline := time.Now().Add(shutdownTimeout)
	for i := len(components) - 1; i >= 0; i-- {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			slog.Error("shutdown deadline exceeded, exiting")
			break
		}
		if err := components[i].Stop(remaining); err != nil {
			slog.Error("component stop failed", "component", components[i].name, "error", err)
			if runErr == nil {
				runErr = err
			}
		}
	}

	slog.Info("lifestream shutdown complete")
	return runErr
}

// orNever returns the channel, or one that never delivers when nil, keeping
// the select above simple for roles without an outbox.
func orNever(ch <-chan error) <-chan error {
	if ch != nil {
		return ch
	}
	return make(chan error)
}
