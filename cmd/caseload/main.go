package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/wesm/caseload/internal/config"
	"github.com/wesm/caseload/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

const (
	logFileName     = "debug.log"
	maxLogSize      = 10 << 20
	shutdownTimeout = 5 * time.Second
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "report":
			runReport(os.Args[2:])
			return
		case "import":
			runImport(os.Args[2:])
			return
		case "mirror":
			runMirror(os.Args[2:])
			return
		case "prune":
			runPrune(os.Args[2:])
			return
		case "check":
			runCheck(os.Args[2:])
			return
		case "name":
			runName(os.Args[2:])
			return
		case "serve":
			runServe(os.Args[2:])
			return
		case "version", "--version", "-v":
			fmt.Printf("caseload %s (commit %s, built %s)\n",
				version, commit, buildDate)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	runServe(os.Args[1:])
}

func printUsage() {
	fmt.Printf(`caseload %s - therapy session metrics

Reads consultation rows from a Supabase/PostgREST project, a Postgres
table, or a local SQLite mirror, and reports per-therapist and team
metrics over calendar and rolling periods.

Usage:
  caseload [flags]                 Start the API server (default command)
  caseload serve [flags]           Start the API server (explicit)
  caseload report [flags]          Print metrics for a period
  caseload import [flags] PATH...  Import JSON/JSONL exports into SQLite
  caseload mirror [flags]          Copy remote rows into SQLite
  caseload prune [flags]           Delete old rows from SQLite
  caseload check                   Validate config and probe the store
  caseload name ID [NAME]          Set or clear a therapist display name
  caseload version                 Show version information
  caseload help                    Show this help

Server flags:
  -host string        Host to bind to (default "127.0.0.1")
  -port int           Port to listen on (default 8080)
  -store string       Row store: postgrest, sqlite, or postgres
  -timezone string    Time zone for calendar periods (default "Local")

Report flags:
  -period string      Period token (default "current_month")
  -sort string        sessions, score, efficiency, or students
  -json               Print the report as JSON

Import flags:
  -watch              Keep importing files as they change

Mirror flags:
  -period string      Period token to copy (default "all")

Prune flags:
  -before string      Delete rows before this date (YYYY-MM-DD)
  -dry-run            Show what would be pruned without deleting
  -yes                Skip confirmation prompt

Environment variables:
  CASELOAD_DATA_DIR       Data directory (database, config)
  CASELOAD_STORE          Row store backend
  SUPABASE_URL            PostgREST project URL
  SUPABASE_ANON_KEY       PostgREST API key
  CASELOAD_POSTGRES_DSN   Postgres connection string
  CASELOAD_TABLE          Session table name
  CASELOAD_TIMEZONE       Time zone for calendar periods
  CASELOAD_PAGE_SIZE      Rows requested per page

Data is stored in ~/.caseload/ by default.
`, version)
}

func runServe(args []string) {
	cfg := mustLoadConfig(args)
	setupLogFile(cfg.DataDir)

	b := mustOpenBackend(cfg)
	defer b.close()

	f := newFetcher(cfg, b)
	svc, err := newService(cfg, f)
	if err != nil {
		log.Fatalf("%v", err)
	}

	port := server.FindAvailablePort(cfg.Host, cfg.Port)
	if port != cfg.Port {
		fmt.Printf("Port %d in use, using %d\n", cfg.Port, port)
	}
	cfg.Port = port

	srv := server.New(cfg, svc,
		server.WithVersion(server.VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		}),
		server.WithHealthCheck(f.Probe),
	)

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	fmt.Printf("caseload %s listening at http://%s:%d (%s store, table %s)\n",
		version, cfg.Host, cfg.Port, cfg.Store, b.table)
	if err := srv.ListenAndServe(); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

func mustLoadConfig(args []string) config.Config {
	fs := flag.NewFlagSet("caseload", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(),
			"Usage: caseload [serve] [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	config.RegisterServeFlags(fs)
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	return cfg
}

// mustLoadMinimal loads config for subcommands that own their
// flag sets.
func mustLoadMinimal() config.Config {
	cfg, err := config.LoadMinimal()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	return cfg
}

// setupLogFile mirrors the standard logger into a file in the
// data directory. The file is truncated once it grows past
// maxLogSize.
func setupLogFile(dataDir string) {
	path := filepath.Join(dataDir, logFileName)
	truncateLogFile(path, maxLogSize)
	f, err := os.OpenFile(
		path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644,
	)
	if err != nil {
		log.Printf("warning: cannot open log file %s: %v", path, err)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
}

// truncateLogFile empties path when it exceeds limit. Symlinks
// are left alone.
func truncateLogFile(path string, limit int64) {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	if info.Size() <= limit {
		return
	}
	if err := os.Truncate(path, 0); err != nil {
		log.Printf("warning: truncating log file: %v", err)
	}
}
