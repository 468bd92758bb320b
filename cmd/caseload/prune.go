package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/wesm/caseload/internal/store/sqlstore"
)

// PruneConfig holds parsed CLI options for the prune command.
type PruneConfig struct {
	Before time.Time
	DryRun bool
	Yes    bool
}

func parsePruneFlags(args []string) (PruneConfig, error) {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	before := fs.String(
		"before", "",
		"Delete rows recorded before this date (YYYY-MM-DD)",
	)
	dryRun := fs.Bool(
		"dry-run", false,
		"Show what would be pruned without deleting",
	)
	yes := fs.Bool(
		"yes", false,
		"Skip confirmation prompt",
	)

	if err := fs.Parse(args); err != nil {
		return PruneConfig{}, err
	}

	if *before == "" {
		return PruneConfig{}, fmt.Errorf(
			"--before is required (refusing to prune all rows)",
		)
	}
	t, err := time.ParseInLocation("2006-01-02", *before, time.Local)
	if err != nil {
		return PruneConfig{}, fmt.Errorf(
			"invalid --before date %q: want YYYY-MM-DD", *before,
		)
	}

	return PruneConfig{Before: t, DryRun: *dryRun, Yes: *yes}, nil
}

// pruneStore is the part of the local store the pruner needs.
type pruneStore interface {
	FindPruneCandidates(
		ctx context.Context, before time.Time,
	) ([]sqlstore.PruneCandidate, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Pruner executes the prune workflow against the local store.
type Pruner struct {
	Store pruneStore
	Out   io.Writer
	In    io.Reader
}

// Prune finds rows older than the cutoff and deletes them.
func (p *Pruner) Prune(ctx context.Context, cfg PruneConfig) error {
	if cfg.Before.IsZero() {
		return fmt.Errorf(
			"a cutoff date is required " +
				"(refusing to prune all rows)",
		)
	}

	candidates, err := p.Store.FindPruneCandidates(ctx, cfg.Before)
	if err != nil {
		return fmt.Errorf("finding candidates: %w", err)
	}

	if len(candidates) == 0 {
		fmt.Fprintln(p.Out,
			"No rows recorded before the cutoff.")
		return nil
	}

	total := writeSummary(p.Out, cfg.Before, candidates)

	if cfg.DryRun {
		fmt.Fprintln(p.Out, "\nDry run: no changes made.")
		return nil
	}

	if !cfg.Yes {
		msg := fmt.Sprintf("\nDelete %d rows?", total)
		if !confirm(p.In, p.Out, msg) {
			fmt.Fprintln(p.Out, "Aborted.")
			return nil
		}
	}

	deleted, err := p.Store.DeleteBefore(ctx, cfg.Before)
	if err != nil {
		return fmt.Errorf("deleting rows: %w", err)
	}

	fmt.Fprintf(p.Out, "\nDeleted %d rows\n", deleted)
	return nil
}

func confirm(r io.Reader, w io.Writer, msg string) bool {
	fmt.Fprintf(w, "%s [y/N] ", msg)
	scanner := bufio.NewScanner(r)
	scanner.Scan()
	ans := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return ans == "y" || ans == "yes"
}

// writeSummary prints per-therapist counts and returns the total.
// Candidates arrive ordered by therapist id.
func writeSummary(
	w io.Writer, before time.Time, candidates []sqlstore.PruneCandidate,
) int {
	total := 0
	for _, c := range candidates {
		total += c.Rows
	}

	fmt.Fprintf(w,
		"Found %d rows recorded before %s\n",
		total, before.Format("2006-01-02"),
	)
	fmt.Fprintln(w, "\nBy therapist:")
	for _, c := range candidates {
		id := c.TherapistID
		if id == "" {
			id = "(none)"
		}
		fmt.Fprintf(w, "  %-40s %d\n", id, c.Rows)
	}
	return total
}

func runPrune(args []string) {
	cfg, err := parsePruneFlags(args)
	if err != nil {
		exitFlagError(err)
	}

	appCfg := mustLoadMinimal()
	st, err := openLocal(appCfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer st.Close()

	pruner := &Pruner{
		Store: st,
		Out:   os.Stdout,
		In:    os.Stdin,
	}
	if err := pruner.Prune(context.Background(), cfg); err != nil {
		log.Fatalf("prune: %v", err)
	}
}
