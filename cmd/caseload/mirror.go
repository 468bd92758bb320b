package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/wesm/caseload/internal/config"
	"github.com/wesm/caseload/internal/importer"
	"github.com/wesm/caseload/internal/period"
	"github.com/wesm/caseload/internal/session"
)

// mirrorBatch is the number of rows written per transaction.
const mirrorBatch = importer.DefaultBatchSize

// MirrorConfig holds parsed CLI options for the mirror command.
type MirrorConfig struct {
	Period string
}

func parseMirrorFlags(args []string) (MirrorConfig, error) {
	fs := flag.NewFlagSet("mirror", flag.ContinueOnError)
	p := fs.String("period", period.All, "Period token to copy")
	if err := fs.Parse(args); err != nil {
		return MirrorConfig{}, err
	}
	token, ok := period.Canonical(*p)
	if !ok {
		return MirrorConfig{}, fmt.Errorf(
			"unknown period %q (valid: %v)", *p, period.Tokens(),
		)
	}
	return MirrorConfig{Period: token}, nil
}

// rowSource returns every row within a period.
type rowSource interface {
	FetchAll(ctx context.Context, p period.Spec) ([]session.Record, error)
}

// Mirrorer copies rows from a remote store into the local one.
type Mirrorer struct {
	Src rowSource
	Dst importer.Upserter
	Out io.Writer
	Now func() time.Time
}

// Mirror fetches the period from Src and upserts it into Dst.
// Rows without an id cannot be keyed locally and are skipped.
func (m *Mirrorer) Mirror(ctx context.Context, token string) (int, error) {
	p := period.Resolve(token, m.Now())
	rows, err := m.Src.FetchAll(ctx, p)
	if err != nil {
		return 0, err
	}

	keyed := rows[:0:0]
	for _, r := range rows {
		if r.ID != "" {
			keyed = append(keyed, r)
		}
	}
	if skipped := len(rows) - len(keyed); skipped > 0 {
		fmt.Fprintf(m.Out, "Skipping %d row(s) without an id\n", skipped)
	}

	written := 0
	for start := 0; start < len(keyed); start += mirrorBatch {
		end := min(start+mirrorBatch, len(keyed))
		n, err := m.Dst.Upsert(ctx, keyed[start:end])
		if err != nil {
			return written, fmt.Errorf("writing rows %d-%d: %w", start, end-1, err)
		}
		written += n
	}
	fmt.Fprintf(m.Out, "Mirrored %d row(s) for %s\n", written, p.Label)
	return written, nil
}

func runMirror(args []string) {
	mc, err := parseMirrorFlags(args)
	if err != nil {
		exitFlagError(err)
	}

	cfg := mustLoadMinimal()
	if cfg.Store == config.StoreSQLite {
		log.Fatalf("mirror needs a remote store; set store to %q or %q",
			config.StorePostgREST, config.StorePostgres)
	}
	remote := mustOpenBackend(cfg)
	defer remote.close()

	local, err := openLocal(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer local.Close()

	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("loading timezone: %v", err)
	}
	m := &Mirrorer{
		Src: newFetcher(cfg, remote),
		Dst: local,
		Out: os.Stdout,
		Now: func() time.Time { return time.Now().In(loc) },
	}
	if _, err := m.Mirror(context.Background(), mc.Period); err != nil {
		log.Fatalf("mirror: %v", err)
	}
}
