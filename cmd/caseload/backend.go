package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/wesm/caseload/internal/analytics"
	"github.com/wesm/caseload/internal/config"
	"github.com/wesm/caseload/internal/fetch"
	"github.com/wesm/caseload/internal/store"
	"github.com/wesm/caseload/internal/store/postgrest"
	"github.com/wesm/caseload/internal/store/sqlstore"
)

// rateBurst is the PostgREST limiter burst. The fetcher issues
// pages sequentially, so a small burst only smooths retries.
const rateBurst = 2

// backend is the configured row store plus the table it reads.
type backend struct {
	rows  store.RowStore
	table string
	close func() error
}

// openBackend opens the row store selected by cfg.Store. The
// config must already be validated.
func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	switch cfg.Store {
	case config.StorePostgREST:
		c, err := openRemote(cfg)
		if err != nil {
			return nil, err
		}
		return &backend{
			rows: c, table: cfg.Table,
			close: func() error { return nil },
		}, nil
	case config.StorePostgres:
		st, err := sqlstore.OpenPostgres(
			ctx, cfg.PostgresDSN, cfg.Table, cfg.Columns,
		)
		if err != nil {
			return nil, err
		}
		return &backend{rows: st, table: st.Table(), close: st.Close}, nil
	case config.StoreSQLite:
		st, err := openLocal(cfg)
		if err != nil {
			return nil, err
		}
		return &backend{rows: st, table: st.Table(), close: st.Close}, nil
	}
	return nil, fmt.Errorf("%w: unknown store %q", config.ErrInvalid, cfg.Store)
}

// openRemote builds the PostgREST client from cfg.
func openRemote(cfg config.Config) (*postgrest.Client, error) {
	return postgrest.New(cfg.RestURL, cfg.APIKey,
		postgrest.WithColumns(cfg.Columns),
		postgrest.WithRateLimit(cfg.RateLimit, rateBurst),
		postgrest.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
	)
}

// openLocal opens the SQLite store under the data directory.
func openLocal(cfg config.Config) (*sqlstore.Store, error) {
	st, err := sqlstore.OpenSQLite(
		cfg.DBPath, cfg.LocalTable(), cfg.Columns,
	)
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}
	return st, nil
}

// newFetcher pages through the backend with the configured window.
func newFetcher(cfg config.Config, b *backend) *fetch.Fetcher {
	return fetch.New(b.rows, b.table, cfg.Columns.Timestamp,
		fetch.WithPageSize(cfg.PageSize),
		fetch.WithMaxPages(cfg.MaxPages),
	)
}

// newService wires the analytics service to a fetcher.
func newService(
	cfg config.Config, f analytics.Fetcher,
) (*analytics.Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}
	return analytics.New(f,
		analytics.WithLocation(loc),
		analytics.WithDisplayNames(cfg.TherapistNames),
	), nil
}

// mustOpenBackend validates cfg and opens its store, exiting on
// failure.
func mustOpenBackend(cfg config.Config) *backend {
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}
	b, err := openBackend(context.Background(), cfg)
	if err != nil {
		log.Fatalf("opening %s store: %v", cfg.Store, err)
	}
	return b
}
