// Package fetch reads every row matching a period from a row store
// by walking fixed-size ranges until the store runs dry.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/wesm/caseload/internal/period"
	"github.com/wesm/caseload/internal/session"
	"github.com/wesm/caseload/internal/store"
)

const (
	// DefaultPageSize matches the row cap most PostgREST
	// deployments apply to a single response.
	DefaultPageSize = 1000
	// DefaultMaxPages bounds a fetch at about 100k rows.
	DefaultMaxPages = 100
)

// ErrStoreUnavailable wraps every failure of the underlying row
// store, including cancellation of an in-flight page.
var ErrStoreUnavailable = errors.New("row store unavailable")

// Fetcher pages through a session table.
type Fetcher struct {
	store     store.RowStore
	table     string
	timeField string
	pageSize  int
	maxPages  int
	logf      func(format string, args ...any)
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithPageSize sets the rows requested per page. Values below 1
// are ignored.
func WithPageSize(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.pageSize = n
		}
	}
}

// WithMaxPages sets the iteration cap. Values below 1 are ignored.
func WithMaxPages(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxPages = n
		}
	}
}

// WithLogf overrides the progress logger, allowing tests to
// capture output. Nil is ignored.
func WithLogf(fn func(format string, args ...any)) Option {
	return func(f *Fetcher) {
		if fn != nil {
			f.logf = fn
		}
	}
}

// New creates a Fetcher reading table, filtering and ordering on
// timeField.
func New(
	rs store.RowStore, table, timeField string, opts ...Option,
) *Fetcher {
	f := &Fetcher{
		store:     rs,
		table:     table,
		timeField: timeField,
		pageSize:  DefaultPageSize,
		maxPages:  DefaultMaxPages,
		logf:      log.Printf,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// PageSize returns the configured page size.
func (f *Fetcher) PageSize() int {
	return f.pageSize
}

// filters translates period bounds into store filters.
func (f *Fetcher) filters(p period.Spec) []store.Filter {
	var out []store.Filter
	if p.Start != nil {
		out = append(out, store.Filter{
			Field: f.timeField, Op: store.OpGte, Value: *p.Start,
		})
	}
	if p.End != nil {
		out = append(out, store.Filter{
			Field: f.timeField, Op: store.OpLte, Value: *p.End,
		})
	}
	return out
}

// FetchAll returns every row within the period, newest first.
// Pages are requested sequentially; a short page ends the walk.
// Any page failure aborts the whole fetch and no rows are
// returned.
func (f *Fetcher) FetchAll(
	ctx context.Context, p period.Spec,
) ([]session.Record, error) {
	filters := f.filters(p)
	var all []session.Record

	for page := 0; page < f.maxPages; page++ {
		start := page * f.pageSize
		q := store.Query{
			Table:      f.table,
			Filters:    filters,
			Order:      store.Order{Field: f.timeField, Desc: true},
			RangeStart: start,
			RangeEnd:   start + f.pageSize - 1,
		}

		batch, err := f.store.Query(ctx, q)
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			return nil, fmt.Errorf(
				"%w: page %d (rows %d-%d) of %s for %s: %w",
				ErrStoreUnavailable, page+1, q.RangeStart, q.RangeEnd,
				f.table, describe(p), err,
			)
		}

		all = append(all, batch...)
		if len(batch) < f.pageSize {
			return all, nil
		}
	}

	f.logf(
		"warning: fetch of %s for %s stopped at page cap (%d pages, %d rows); results may be incomplete",
		f.table, describe(p), f.maxPages, len(all),
	)
	return all, nil
}

// Probe reads at most one row to check that the store answers
// and the table exists.
func (f *Fetcher) Probe(ctx context.Context) error {
	_, err := f.store.Query(ctx, store.Query{
		Table:    f.table,
		Order:    store.Order{Field: f.timeField, Desc: true},
		RangeEnd: 0,
	})
	if err != nil {
		return fmt.Errorf("%w: probing %s: %w", ErrStoreUnavailable, f.table, err)
	}
	return nil
}

// describe renders a period for error and log messages.
func describe(p period.Spec) string {
	s := p.Token
	if p.Start != nil {
		s += " from " + p.Start.Format("2006-01-02T15:04:05Z07:00")
	}
	if p.End != nil {
		s += " to " + p.End.Format("2006-01-02T15:04:05Z07:00")
	}
	return s
}
