// Package sqlstore implements store.RowStore on database/sql. It
// serves a local SQLite mirror (mattn/go-sqlite3) and direct
// Postgres access (pgx stdlib driver) with the same query code.
package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"text/template"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/wesm/caseload/internal/store"
)

//go:embed schema.sql
var schemaSQL string

var schemaTmpl = template.Must(template.New("schema").Parse(schemaSQL))

// Dialect selects placeholder syntax and value encoding.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// tsLayout is fixed-width so SQLite text comparison matches
// chronological order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// quoteIdent validates and double-quotes an identifier.
func quoteIdent(name string) (string, error) {
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return `"` + name + `"`, nil
}

// Store manages a write connection and a read pool. For Postgres
// both point at the same pool.
type Store struct {
	writer  *sql.DB
	reader  *sql.DB
	dialect Dialect
	table   string
	cols    store.Columns
	mu      sync.Mutex // serializes writes
}

// makeDSN builds a SQLite connection string with shared pragmas.
func makeDSN(path string, readOnly bool) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_cache_size", "-16000")
	if readOnly {
		params.Set("mode", "ro")
	} else {
		params.Set("_synchronous", "NORMAL")
	}
	return path + "?" + params.Encode()
}

// OpenSQLite creates or opens a SQLite store at path and ensures
// the session table exists.
func OpenSQLite(
	path, table string, cols store.Columns,
) (*Store, error) {
	cols = cols.WithDefaults()
	if err := validateNames(table, cols); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	writer, err := sql.Open("sqlite3", makeDSN(path, false))
	if err != nil {
		return nil, fmt.Errorf("opening writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	s := &Store{
		writer: writer, dialect: SQLite,
		table: table, cols: cols,
	}
	// The schema must exist before a read-only connection can
	// open a fresh file.
	if err := s.init(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	reader, err := sql.Open("sqlite3", makeDSN(path, true))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("opening reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	s.reader = reader
	return s, nil
}

// OpenPostgres connects to an existing Postgres table through the
// pgx stdlib driver. The table is not created.
func OpenPostgres(
	ctx context.Context, dsn, table string, cols store.Columns,
) (*Store, error) {
	cols = cols.WithDefaults()
	if err := validateNames(table, cols); err != nil {
		return nil, err
	}
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(20 * time.Minute)

	return &Store{
		writer: conn, reader: conn, dialect: Postgres,
		table: table, cols: cols,
	}, nil
}

func validateNames(table string, cols store.Columns) error {
	if _, err := quoteIdent(table); err != nil {
		return fmt.Errorf("table: %w", err)
	}
	for _, c := range cols.List() {
		if _, err := quoteIdent(c); err != nil {
			return fmt.Errorf("column: %w", err)
		}
	}
	return nil
}

func (s *Store) init() error {
	q := func(name string) string {
		quoted, _ := quoteIdent(name)
		return quoted
	}
	data := map[string]string{
		"Table":          q(s.table),
		"ID":             q(s.cols.ID),
		"StudentID":      q(s.cols.StudentID),
		"TherapistID":    q(s.cols.TherapistID),
		"MentalState":    q(s.cols.MentalState),
		"Notes":          q(s.cols.Notes),
		"Timestamp":      q(s.cols.Timestamp),
		"TimestampIndex": q("idx_" + s.table + "_ts"),
		"TherapistIndex": q("idx_" + s.table + "_therapist"),
	}
	if s.cols.Score != "" {
		data["Score"] = q(s.cols.Score)
	}

	var buf bytes.Buffer
	if err := schemaTmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("rendering schema: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.writer.Exec(buf.String())
	return err
}

// Dialect returns the backend dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Table returns the configured table name.
func (s *Store) Table() string {
	return s.table
}

// Close closes both writer and reader connections.
func (s *Store) Close() error {
	if s.reader == nil || s.reader == s.writer {
		return s.writer.Close()
	}
	return errors.Join(s.writer.Close(), s.reader.Close())
}

// Ping checks that the read pool is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.reader.PingContext(ctx)
}

// Update executes fn within a write lock and transaction.
// The transaction is committed if fn returns nil, rolled back
// otherwise.
func (s *Store) Update(
	ctx context.Context, fn func(tx *sql.Tx) error,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// placeholder returns the n-th (1-based) bind placeholder.
func (s *Store) placeholder(n int) string {
	if s.dialect == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// timeArg encodes a timestamp bind value for the dialect.
func (s *Store) timeArg(t time.Time) any {
	if s.dialect == Postgres {
		return t
	}
	return t.UTC().Format(tsLayout)
}
