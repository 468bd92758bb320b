package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/wesm/caseload/internal/config"
	"github.com/wesm/caseload/internal/fetch"
)

const checkTimeout = 15 * time.Second

// checkConfig validates cfg, opens its store, and reads one row,
// reporting each step to w.
func checkConfig(ctx context.Context, w io.Writer, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Fprintf(w, "config:  ok (%s store)\n", cfg.Store)

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store, err)
	}
	defer b.close()

	f := fetch.New(b.rows, b.table, cfg.Columns.Timestamp)
	if err := f.Probe(ctx); err != nil {
		return err
	}
	fmt.Fprintf(w, "table:   ok (%s)\n", b.table)
	return nil
}

func runCheck(args []string) {
	if len(args) > 0 {
		exitFlagError(fmt.Errorf("check takes no arguments"))
	}
	cfg := mustLoadMinimal()
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	if err := checkConfig(ctx, os.Stdout, cfg); err != nil {
		log.Fatalf("check failed: %v", err)
	}
}
