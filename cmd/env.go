package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sitetrace/changeflow/internal/dedup"
	"github.com/sitetrace/changeflow/internal/ingest"
	"github.com/sitetrace/changeflow/internal/ledger"
	"github.com/sitetrace/changeflow/internal/lifecycle"
	"github.com/sitetrace/changeflow/internal/order"
	"github.com/sitetrace/changeflow/internal/store"
)

// env bundles the wired services behind every command.
type env struct {
	Store     store.Store
	Ingest    *ingest.Service
	Lifecycle *lifecycle.Service
	Orders    *order.Service
	Ledger    *ledger.Service
}

func (e *env) Close() {
	_ = e.Store.Close()
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "changeflow.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.Pool.MaxConns,
			MinConns: cfg.Store.Pool.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	lc := lifecycle.New(st, cfg.Automation)
	engine := dedup.New(cfg.Dedup.SimilarityThreshold, cfg.Dedup.AmbiguityMargin)
	return &env{
		Store:     st,
		Ingest:    ingest.New(st, engine, lc, cfg.Dedup, cfg.Ingest),
		Lifecycle: lc,
		Orders:    order.New(st, lc, nil, nil, cfg.Consent, cfg.Pricing),
		Ledger:    ledger.New(st),
	}, nil
}
