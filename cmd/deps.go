package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/lccnetwork/catalog-sync/internal/pipeline"
	"github.com/lccnetwork/catalog-sync/internal/runlog"
	"github.com/lccnetwork/catalog-sync/internal/store"
	"github.com/lccnetwork/catalog-sync/pkg/lccnet"
	"github.com/lccnetwork/catalog-sync/pkg/sciencebase"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "catalog.db"
		}
		return store.NewSQLite(dsn, cfg.Store.MaxLogRows)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxLogRows)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initDeps wires the processor dependency bundle. Clients are built
// unconditionally; none of them dials until a processor uses it.
func initDeps(st store.Store) (pipeline.Deps, error) {
	session, err := lccnet.New(lccnet.Config{
		BaseURL:  cfg.Lccnet.BaseURL,
		Username: cfg.Lccnet.Username,
		Password: cfg.Lccnet.Password,
		RPS:      cfg.Lccnet.RPS,
	})
	if err != nil {
		return pipeline.Deps{}, err
	}

	return pipeline.Deps{
		Cfg:   cfg,
		Store: st,
		Log:   runlog.New(st),
		Catalog: sciencebase.New(sciencebase.Config{
			BaseURL:        cfg.ScienceBase.BaseURL,
			PageSize:       cfg.ScienceBase.PageSize,
			MaxAttempts:    cfg.ScienceBase.MaxAttempts,
			RetryPause:     cfg.ScienceBase.RetryPause,
			RateLimitEvery: cfg.ScienceBase.RateLimitEvery,
			RateLimitPause: cfg.ScienceBase.RateLimitPause,
		}),
		Lccnet: session,
	}, nil
}
