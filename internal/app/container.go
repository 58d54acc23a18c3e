// Package app wires the scripting subsystem together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nfrund/hookscript/internal/catalogue"
	"github.com/nfrund/hookscript/internal/config"
	"github.com/nfrund/hookscript/internal/database"
	"github.com/nfrund/hookscript/internal/lifecycle"
	"github.com/nfrund/hookscript/internal/notify"
	"github.com/nfrund/hookscript/internal/pubsub"
	"github.com/nfrund/hookscript/internal/scheduler"
	"github.com/nfrund/hookscript/internal/script"
	"github.com/nfrund/hookscript/internal/storage"
	"github.com/samber/do/v2"
	"github.com/surrealdb/surrealdb.go"
	"go.opentelemetry.io/otel/trace"
)

// surrealConn owns the shared SurrealDB connection
type surrealConn struct {
	db *surrealdb.DB
}

func (c *surrealConn) Shutdown(ctx context.Context) error {
	return c.db.Close(ctx)
}

// tracing owns the tracer provider
type tracing struct {
	tracer  trace.Tracer
	cleanup func()
}

func (t *tracing) Shutdown() {
	t.cleanup()
}

// Container builds services on first use and tears them down in reverse
// dependency order.
type Container struct {
	cfg      *config.Config
	injector *do.RootScope

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	executor *script.Executor
}

// New registers every provider. Nothing connects until a service is asked
// for.
func New(ctx context.Context, cfg *config.Config) *Container {
	injector := do.New()
	do.ProvideValue(injector, cfg)

	do.Provide(injector, func(i do.Injector) (*tracing, error) {
		tracer, cleanup, err := pubsub.SetupOTel(ctx, pubsub.TracingConfigFrom(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to set up tracing: %w", err)
		}
		return &tracing{tracer: tracer, cleanup: cleanup}, nil
	})

	do.Provide(injector, func(i do.Injector) (*pubsub.WatermillBridge, error) {
		if !cfg.TracingEnabled {
			return pubsub.NewWatermillBridge(), nil
		}
		t, err := do.Invoke[*tracing](i)
		if err != nil {
			return nil, err
		}
		return pubsub.NewWatermillBridge(pubsub.WithTracer(t.tracer)), nil
	})

	do.Provide(injector, func(i do.Injector) (*surrealConn, error) {
		db, err := database.NewDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &surrealConn{db: db}, nil
	})

	do.Provide(injector, func(i do.Injector) (catalogue.Store, error) {
		return newCatalogue(ctx, i, cfg)
	})

	do.Provide(injector, func(i do.Injector) (script.RecordStore, error) {
		if cfg.DBUrl == "" {
			slog.Info("No SurrealDB configured, scripts use an in-memory record store")
			return database.NewMemoryRecords(), nil
		}
		conn, err := do.Invoke[*surrealConn](i)
		if err != nil {
			return nil, err
		}
		return database.NewSurrealRecords(conn.db), nil
	})

	do.Provide(injector, func(i do.Injector) (*notify.Service, error) {
		bus, err := do.Invoke[*pubsub.WatermillBridge](i)
		if err != nil {
			return nil, err
		}
		return notify.New(bus, notify.Config{
			RatePerSec: cfg.WebhookRate,
			Burst:      cfg.WebhookBurst,
			Timeout:    cfg.WebhookTimeout,
		}), nil
	})

	do.Provide(injector, func(i do.Injector) (*script.Bridge, error) {
		records, err := do.Invoke[script.RecordStore](i)
		if err != nil {
			return nil, err
		}
		notifier, err := do.Invoke[*notify.Service](i)
		if err != nil {
			return nil, err
		}
		return script.NewBridge(records, notifier), nil
	})

	do.Provide(injector, func(i do.Injector) (*script.EngineSet, error) {
		bridge, err := do.Invoke[*script.Bridge](i)
		if err != nil {
			return nil, err
		}
		return script.NewEngineSet(bridge, script.DefaultPhaseConfigs())
	})

	do.Provide(injector, func(i do.Injector) (*script.Executor, error) {
		store, err := do.Invoke[catalogue.Store](i)
		if err != nil {
			return nil, err
		}
		bridge, err := do.Invoke[*script.Bridge](i)
		if err != nil {
			return nil, err
		}
		engines, err := do.Invoke[*script.EngineSet](i)
		if err != nil {
			return nil, err
		}
		executor := script.NewExecutor(store, engines, script.WithMaxChainDepth(cfg.MaxChainDepth))
		if cfg.ErrorEscalateAfter > 0 || cfg.ErrorAlertThreshold > 0 {
			executor.Reporter().SetPolicy(script.ReportingPolicy{
				EscalateAfter:  cfg.ErrorEscalateAfter,
				AlertThreshold: cfg.ErrorAlertThreshold,
			})
		}
		bridge.SetInvoker(executor)
		return executor, nil
	})

	do.Provide(injector, func(i do.Injector) (*script.Orchestrator, error) {
		store, err := do.Invoke[catalogue.Store](i)
		if err != nil {
			return nil, err
		}
		executor, err := do.Invoke[*script.Executor](i)
		if err != nil {
			return nil, err
		}
		return script.NewOrchestrator(store, executor), nil
	})

	do.Provide(injector, func(i do.Injector) (*scheduler.Scheduler, error) {
		store, err := do.Invoke[catalogue.Store](i)
		if err != nil {
			return nil, err
		}
		executor, err := do.Invoke[*script.Executor](i)
		if err != nil {
			return nil, err
		}
		s := scheduler.New(store, executor, scheduler.Config{
			TickInterval:  cfg.SchedulerTick,
			MaxConcurrent: cfg.SchedulerMaxConcurrent,
			Timezone:      cfg.SchedulerTimezone,
		})
		store.OnChange(s.Reload)
		return s, nil
	})

	do.Provide(injector, func(i do.Injector) (*lifecycle.Listener, error) {
		bus, err := do.Invoke[*pubsub.WatermillBridge](i)
		if err != nil {
			return nil, err
		}
		orchestrator, err := do.Invoke[*script.Orchestrator](i)
		if err != nil {
			return nil, err
		}
		return lifecycle.NewListener(bus, orchestrator), nil
	})

	return &Container{cfg: cfg, injector: injector}
}

func newCatalogue(ctx context.Context, i do.Injector, cfg *config.Config) (catalogue.Store, error) {
	switch cfg.Catalogue {
	case config.CatalogueMemory:
		return catalogue.NewMemory()
	case config.CatalogueFile:
		return catalogue.NewFile(ctx, storage.NewDiskStore(cfg.ScriptsDir), ".")
	case config.CatalogueSQLite:
		return catalogue.NewSQLite(ctx, cfg.SQLitePath)
	case config.CatalogueSurreal:
		conn, err := do.Invoke[*surrealConn](i)
		if err != nil {
			return nil, err
		}
		return catalogue.NewSurreal(ctx, conn.db)
	default:
		return nil, fmt.Errorf("unknown script catalogue %q", cfg.Catalogue)
	}
}

func (c *Container) Catalogue() (catalogue.Store, error) {
	return do.Invoke[catalogue.Store](c.injector)
}

// Engines returns the per-phase engines without building the executor
func (c *Container) Engines() (*script.EngineSet, error) {
	return do.Invoke[*script.EngineSet](c.injector)
}

func (c *Container) Executor() (*script.Executor, error) {
	executor, err := do.Invoke[*script.Executor](c.injector)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.executor = executor
	c.mu.Unlock()
	return executor, nil
}

func (c *Container) Orchestrator() (*script.Orchestrator, error) {
	if _, err := c.Executor(); err != nil {
		return nil, err
	}
	return do.Invoke[*script.Orchestrator](c.injector)
}

func (c *Container) Scheduler() (*scheduler.Scheduler, error) {
	if _, err := c.Executor(); err != nil {
		return nil, err
	}
	return do.Invoke[*scheduler.Scheduler](c.injector)
}

func (c *Container) Bus() (*pubsub.WatermillBridge, error) {
	return do.Invoke[*pubsub.WatermillBridge](c.injector)
}

// Start runs the background services: catalogue hot reload, the scheduler
// and the lifecycle listener.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	store, err := c.Catalogue()
	if err != nil {
		cancel()
		return err
	}
	if file, ok := store.(*catalogue.File); ok {
		if err := file.StartWatcher(runCtx, c.cfg.ScriptsDir, c.cfg.HotReloadScripts); err != nil {
			cancel()
			return err
		}
	}

	executor, err := do.Invoke[*script.Executor](c.injector)
	if err != nil {
		cancel()
		return err
	}
	c.executor = executor

	listener, err := do.Invoke[*lifecycle.Listener](c.injector)
	if err != nil {
		cancel()
		return err
	}
	if err := listener.Start(runCtx); err != nil {
		cancel()
		return err
	}

	sched, err := do.Invoke[*scheduler.Scheduler](c.injector)
	if err != nil {
		cancel()
		return err
	}
	if err := sched.Start(runCtx); err != nil {
		cancel()
		return err
	}

	c.cancel = cancel
	c.started = true
	return nil
}

// Shutdown stops the scheduler, waits for pending error bookkeeping, then
// shuts every built service down.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	started, cancel := c.started, c.cancel
	c.started, c.cancel = false, nil
	c.mu.Unlock()

	var errs []error
	if started {
		if sched, err := c.Scheduler(); err == nil {
			if err := sched.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		cancel()
	}
	c.mu.Lock()
	executor := c.executor
	c.mu.Unlock()
	if executor != nil {
		executor.Wait()
	}

	if report := c.injector.ShutdownWithContext(ctx); report != nil && !report.Succeed {
		errs = append(errs, errors.New(report.Error()))
	}
	return errors.Join(errs...)
}
