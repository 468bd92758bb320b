package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wesm/caseload/internal/importer"
)

const watcherDebounce = 500 * time.Millisecond

// ImportConfig holds parsed CLI options for the import command.
type ImportConfig struct {
	Paths []string
	Watch bool
}

func parseImportFlags(args []string) (ImportConfig, error) {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	watch := fs.Bool(
		"watch", false, "Keep importing files as they change",
	)
	if err := fs.Parse(args); err != nil {
		return ImportConfig{}, err
	}
	if fs.NArg() == 0 {
		return ImportConfig{}, fmt.Errorf(
			"at least one file or directory is required",
		)
	}
	return ImportConfig{Paths: fs.Args(), Watch: *watch}, nil
}

func runImport(args []string) {
	ic, err := parseImportFlags(args)
	if err != nil {
		exitFlagError(err)
	}

	cfg := mustLoadMinimal()
	st, err := openLocal(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	im := importer.New(st, importer.WithColumns(cfg.Columns))
	stats, err := im.ImportPaths(ctx, ic.Paths)
	if err != nil {
		log.Fatalf("import: %v", err)
	}
	writeImportStats(os.Stdout, stats)

	if !ic.Watch {
		if stats.Failed > 0 {
			os.Exit(1)
		}
		return
	}
	if err := watchImports(ctx, im, ic.Paths); err != nil {
		log.Fatalf("watch: %v", err)
	}
}

// watchImports re-imports changed export files until ctx is done.
func watchImports(
	ctx context.Context, im *importer.Importer, paths []string,
) error {
	w, err := importer.NewWatcher(watcherDebounce, func(changed []string) {
		stats, err := im.ImportPaths(ctx, changed)
		if err != nil {
			log.Printf("watch import: %v", err)
			return
		}
		writeImportStats(os.Stdout, stats)
	})
	if err != nil {
		return err
	}
	w.Start()
	defer w.Stop()

	dirs := 0
	for _, p := range paths {
		n, err := w.Watch(p)
		if err != nil {
			log.Printf("warning: not watching %s: %v", p, err)
			continue
		}
		dirs += n
	}
	if dirs == 0 {
		return fmt.Errorf("no directories could be watched")
	}
	fmt.Printf("Watching %d director%s for changes (Ctrl-C to stop)\n",
		dirs, plural(dirs, "y", "ies"))
	<-ctx.Done()
	return nil
}

func writeImportStats(w io.Writer, s importer.Stats) {
	fmt.Fprintf(w,
		"Imported %d record(s) from %d file(s), %d skipped, %d failed\n",
		s.Imported, s.Files, s.Skipped, s.Failed,
	)
	for _, warn := range s.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
