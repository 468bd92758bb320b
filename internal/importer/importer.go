// Package importer loads JSON and JSONL session exports into the
// local SQL store and can keep re-importing them as they change.
package importer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/wesm/caseload/internal/session"
	"github.com/wesm/caseload/internal/store"
)

// DefaultBatchSize is the number of records upserted per
// transaction.
const DefaultBatchSize = 500

// Upserter writes records, replacing rows with the same ID.
// *sqlstore.Store satisfies it.
type Upserter interface {
	Upsert(ctx context.Context, recs []session.Record) (int, error)
}

// Stats summarizes an import run.
type Stats struct {
	Files    int      `json:"files"`
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Warnings []string `json:"warnings,omitempty"`
}

func (s *Stats) add(r FileResult) {
	s.Files++
	s.Imported += r.Imported
	s.Skipped += r.Skipped
}

func (s *Stats) fail(path string, err error) {
	s.Failed++
	s.Warnings = append(s.Warnings, fmt.Sprintf("%s: %v", path, err))
}

// FileResult describes the outcome of importing one file.
type FileResult struct {
	Path     string `json:"path"`
	Imported int    `json:"imported"`
	// Skipped counts rows without an ID, invalid JSON lines, and
	// oversized lines.
	Skipped int `json:"skipped"`
}

// Importer reads export files into a store.
type Importer struct {
	dst       Upserter
	cols      store.Columns
	batchSize int
	logf      func(format string, args ...any)
}

// Option configures an Importer.
type Option func(*Importer)

// WithColumns sets the field names read from each exported row.
func WithColumns(cols store.Columns) Option {
	return func(im *Importer) { im.cols = cols.WithDefaults() }
}

// WithBatchSize sets the records per upsert. Values below 1 are
// ignored.
func WithBatchSize(n int) Option {
	return func(im *Importer) {
		if n > 0 {
			im.batchSize = n
		}
	}
}

// WithLogf overrides the progress logger. Nil is ignored.
func WithLogf(fn func(format string, args ...any)) Option {
	return func(im *Importer) {
		if fn != nil {
			im.logf = fn
		}
	}
}

// New creates an Importer writing into dst.
func New(dst Upserter, opts ...Option) *Importer {
	im := &Importer{
		dst:       dst,
		cols:      store.DefaultColumns(),
		batchSize: DefaultBatchSize,
		logf:      log.Printf,
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// IsImportable reports whether path names a JSON or JSONL export.
func IsImportable(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonl", ".ndjson":
		return true
	}
	return false
}

// Discover expands paths into the importable files they name.
// Directories are walked recursively; hidden entries are skipped.
// The result is sorted and free of duplicates.
func Discover(paths []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	addFile := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", root, err)
		}
		if !info.IsDir() {
			addFile(root)
			continue
		}
		err = filepath.WalkDir(root,
			func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil // skip inaccessible entries
				}
				if path != root && strings.HasPrefix(d.Name(), ".") {
					if d.IsDir() {
						return filepath.SkipDir
					}
					return nil
				}
				if !d.IsDir() && IsImportable(path) {
					addFile(path)
				}
				return nil
			})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

// ImportPaths imports every file named by paths. A failing file is
// recorded in the stats and does not stop the run; only discovery
// errors and cancellation abort it.
func (im *Importer) ImportPaths(
	ctx context.Context, paths []string,
) (Stats, error) {
	var stats Stats
	files, err := Discover(paths)
	if err != nil {
		return stats, err
	}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		res, err := im.ImportFile(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			im.logf("import %s: %v", path, err)
			stats.fail(path, err)
			continue
		}
		stats.add(res)
	}
	im.logf(
		"import: %d file(s), %d record(s), %d skipped, %d failed",
		stats.Files, stats.Imported, stats.Skipped, stats.Failed,
	)
	return stats, nil
}

// ImportFile imports one export. A file whose first non-blank byte
// is '[' is read as a JSON array; anything else is read as JSONL.
func (im *Importer) ImportFile(
	ctx context.Context, path string,
) (FileResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileResult{}, err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, initialBufSize)
	first, err := firstByte(br)
	if err == io.EOF {
		return FileResult{Path: path}, nil
	}
	if err != nil {
		return FileResult{}, fmt.Errorf("reading: %w", err)
	}

	var res FileResult
	if first == '[' {
		res, err = im.importArray(ctx, br)
	} else {
		res, err = im.importLines(ctx, br)
	}
	res.Path = path
	return res, err
}

// firstByte peeks past leading whitespace and a UTF-8 byte order
// mark.
func firstByte(br *bufio.Reader) (byte, error) {
	if bom, err := br.Peek(3); err == nil && bytes.Equal(bom, utf8BOM) {
		_, _ = br.Discard(3)
	}
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func (im *Importer) importArray(
	ctx context.Context, r io.Reader,
) (FileResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return FileResult{}, fmt.Errorf("reading: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return FileResult{}, fmt.Errorf("invalid JSON array")
	}

	var res FileResult
	b := im.newBatch(ctx, &res)
	gjson.ParseBytes(data).ForEach(func(_, v gjson.Result) bool {
		b.add(v)
		return b.err == nil
	})
	return res, b.flush()
}

func (im *Importer) importLines(
	ctx context.Context, r io.Reader,
) (FileResult, error) {
	var res FileResult
	b := im.newBatch(ctx, &res)
	lr := newLineReader(r, maxLineSize)
	for {
		line, ok := lr.next()
		if !ok {
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !gjson.Valid(line) {
			res.Skipped++
			continue
		}
		b.add(gjson.Parse(line))
		if b.err != nil {
			return res, b.err
		}
	}
	res.Skipped += lr.skipped
	if lr.err != nil {
		return res, fmt.Errorf("reading line %d: %w", lr.lineNo+1, lr.err)
	}
	return res, b.flush()
}

// batch accumulates decoded records and upserts them in groups.
type batch struct {
	im   *Importer
	ctx  context.Context
	res  *FileResult
	recs []session.Record
	err  error
}

func (im *Importer) newBatch(
	ctx context.Context, res *FileResult,
) *batch {
	return &batch{
		im: im, ctx: ctx, res: res,
		recs: make([]session.Record, 0, im.batchSize),
	}
}

func (b *batch) add(v gjson.Result) {
	if b.err != nil {
		return
	}
	if !v.IsObject() {
		b.res.Skipped++
		return
	}
	r := store.DecodeRecord(v, b.im.cols)
	if r.ID == "" {
		b.res.Skipped++
		return
	}
	b.recs = append(b.recs, r)
	if len(b.recs) >= b.im.batchSize {
		b.err = b.flush()
	}
}

func (b *batch) flush() error {
	if b.err != nil {
		return b.err
	}
	if len(b.recs) == 0 {
		return nil
	}
	n, err := b.im.dst.Upsert(b.ctx, b.recs)
	if err != nil {
		return fmt.Errorf("upserting %d record(s): %w", len(b.recs), err)
	}
	b.res.Imported += n
	b.recs = b.recs[:0]
	return nil
}
