package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/traceline/bomflow/internal/bus"
	"github.com/traceline/bomflow/internal/config"
	"github.com/traceline/bomflow/internal/coordinator"
	"github.com/traceline/bomflow/internal/enrich"
	"github.com/traceline/bomflow/internal/resilience"
	"github.com/traceline/bomflow/internal/risk"
	"github.com/traceline/bomflow/internal/scheduler"
	"github.com/traceline/bomflow/internal/store"
	"github.com/traceline/bomflow/internal/supplier"
	"github.com/traceline/bomflow/pkg/catalog"
)

// eventBuffer is the per-subscriber channel depth on the progress bus.
const eventBuffer = 64

// orchestratorEnv holds the initialized store and orchestration components
// shared by the serve/enrich/jobs commands.
type orchestratorEnv struct {
	Store    store.Store
	Bus      *bus.Bus
	Coord    *coordinator.Coordinator
	Sched    *scheduler.Scheduler
	Resolver *supplier.Resolver
	Engine   *risk.Engine
	Pool     *enrich.Pool
}

// Close waits for in-flight job processing, then releases the bus and store.
func (env *orchestratorEnv) Close() {
	if env.Pool != nil {
		env.Pool.Wait()
	}
	if env.Bus != nil {
		env.Bus.Close()
	}
	if env.Store != nil {
		_ = env.Store.Close()
	}
}

// initOrchestrator sets up the store, supplier resolver, coordinator,
// scheduler, risk engine, and worker pool. Callers should defer env.Close().
func initOrchestrator(ctx context.Context, mode string) (*orchestratorEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	policy, err := risk.LoadPolicy(cfg.Risk.PolicyPath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	sources, err := initSources()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	lookupRetry := resilience.FromRetryConfig(
		cfg.Workers.MaxAttempts,
		cfg.Workers.InitialBackoffMs,
		cfg.Workers.MaxBackoffMs,
		cfg.Workers.Multiplier,
		cfg.Workers.JitterFraction,
	)
	breakerCfg := resilience.FromCircuitConfig(
		cfg.Suppliers.Breaker.FailureThreshold,
		cfg.Suppliers.Breaker.FailureWindowSecs,
		cfg.Suppliers.Breaker.CoolDownSecs,
	)
	resolver := supplier.NewResolver(sources, breakerCfg, lookupRetry)

	b := bus.New(eventBuffer)
	coord := coordinator.New(st, b, resilience.DefaultRetryConfig())
	sched := scheduler.New(st)
	engine := risk.NewEngine(st, policy)
	pool := enrich.NewPool(st, resolver, coord, sched, b, engine, enrichConfigFrom(cfg))

	return &orchestratorEnv{
		Store:    st,
		Bus:      b,
		Coord:    coord,
		Sched:    sched,
		Resolver: resolver,
		Engine:   engine,
		Pool:     pool,
	}, nil
}

// enrichConfigFrom maps worker settings onto the pool configuration.
func enrichConfigFrom(c *config.Config) enrich.Config {
	return enrich.Config{
		PerJob:      c.Workers.PerJob,
		GlobalLimit: int64(c.Workers.GlobalLimit),
		ClaimTTL:    time.Duration(c.Workers.ClaimTTLSecs) * time.Second,
		MaxAttempts: c.Workers.MaxAttempts,
		Backoff: resilience.FromRetryConfig(
			c.Workers.MaxAttempts,
			c.Workers.InitialBackoffMs,
			c.Workers.MaxBackoffMs,
			c.Workers.Multiplier,
			c.Workers.JitterFraction,
		),
	}
}

// initSources builds the supplier cascade in config order. With use_fixture
// set, a deterministic offline catalog stands in so any BOM can be processed
// without credentials.
func initSources() ([]supplier.Source, error) {
	if cfg.Suppliers.UseFixture {
		zap.L().Info("using fixture supplier catalog")
		return []supplier.Source{supplier.NewSource(catalog.NewFixtureClient("fixture"), 0, 0)}, nil
	}
	if len(cfg.Suppliers.Entries) == 0 {
		return nil, eris.New("no suppliers configured and fixture catalog disabled")
	}

	sources := make([]supplier.Source, 0, len(cfg.Suppliers.Entries))
	for _, sc := range cfg.Suppliers.Entries {
		client := catalog.NewClient(sc.Name, sc.BaseURL, sc.APIKey)
		sources = append(sources, supplier.NewSource(client, sc.RatePerSec, sc.Burst))
		zap.L().Info("supplier configured",
			zap.String("supplier", sc.Name),
			zap.Float64("rate_per_sec", sc.RatePerSec),
		)
	}
	return sources, nil
}
