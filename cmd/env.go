package main

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/coveragecheck/trust-api/internal/abuse"
	"github.com/coveragecheck/trust-api/internal/backend"
	"github.com/coveragecheck/trust-api/internal/cache"
	"github.com/coveragecheck/trust-api/internal/config"
	"github.com/coveragecheck/trust-api/internal/monitoring"
	"github.com/coveragecheck/trust-api/internal/ratelimit"
	"github.com/coveragecheck/trust-api/internal/store"
	"github.com/coveragecheck/trust-api/internal/sybil"
	"github.com/coveragecheck/trust-api/internal/trust"
	"github.com/coveragecheck/trust-api/pkg/challenge"
)

// env holds the wired application graph. Driver and backend mode are
// chosen once here; nothing downstream branches on them again.
type env struct {
	Store     store.Store
	Backend   backend.Backend
	Stats     *backend.Stats
	Limiter   *ratelimit.Limiter
	Cache     *cache.Cache
	Pipeline  *trust.Pipeline
	Sweeper   *trust.Sweeper
	Collector *monitoring.Collector
}

func initEnv(ctx context.Context) (*env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	be, err := openBackend(ctx, cfg.Backend)
	if err != nil {
		st.Close()
		return nil, err
	}

	stats := backend.NewStats()
	limiter := ratelimit.New(be, stats)
	readCache := cache.New(be, stats, cfg.Trust.CacheTTL)

	verifier := challenge.NewClient(cfg.Challenge.Secret,
		challenge.WithBaseURL(cfg.Challenge.BaseURL),
		challenge.WithTimeout(cfg.Challenge.Timeout),
	)
	gate := abuse.NewGate(limiter, verifier, cfg.Challenge.Gate())
	guard := sybil.NewGuard(cfg.Trust.SybilLookback)

	return &env{
		Store:     st,
		Backend:   be,
		Stats:     stats,
		Limiter:   limiter,
		Cache:     readCache,
		Pipeline:  trust.NewPipeline(st, gate, guard, readCache),
		Sweeper:   trust.NewSweeper(st, readCache, cfg.Trust.Sweeper),
		Collector: monitoring.NewCollector(st, stats, gate),
	}, nil
}

func openStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case "postgres":
		return store.NewPostgres(ctx, sc.DatabaseURL, &sc.Pool)
	case "sqlite":
		return store.NewSQLite(sc.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", sc.Driver)
	}
}

func openBackend(ctx context.Context, bc config.BackendConfig) (backend.Backend, error) {
	switch bc.Mode {
	case "redis":
		return backend.NewRedis(ctx, bc.Redis)
	case "memory":
		zap.L().Warn("backend: in-process mode, limits and cache are per-instance")
		return backend.NewMemory(), nil
	default:
		return nil, eris.Errorf("unknown backend mode %q", bc.Mode)
	}
}

func (e *env) Close() {
	if err := e.Backend.Close(); err != nil {
		fmt.Fprintf(rootCmd.ErrOrStderr(), "close backend: %v\n", err)
	}
	if err := e.Store.Close(); err != nil {
		fmt.Fprintf(rootCmd.ErrOrStderr(), "close store: %v\n", err)
	}
}
