package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/caseload/internal/config"
	"github.com/wesm/caseload/internal/session"
	"github.com/wesm/caseload/internal/store"
	"github.com/wesm/caseload/internal/store/sqlstore"
	"github.com/wesm/caseload/internal/testjsonl"
)

var baseTime = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	st, err := sqlstore.OpenSQLite(
		filepath.Join(t.TempDir(), "test.db"),
		config.DefaultLocalTable, store.Columns{},
	)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func allRows(t *testing.T, st *sqlstore.Store) []session.Record {
	t.Helper()
	recs, err := st.Query(context.Background(), store.Query{
		Table:    st.Table(),
		Order:    store.Order{Field: store.DefaultColumns().ID},
		RangeEnd: 999,
	})
	require.NoError(t, err)
	return recs
}

func quietImporter(st Upserter, opts ...Option) *Importer {
	opts = append(opts, WithLogf(func(string, ...any) {}))
	return New(st, opts...)
}

func TestImportFileJSONL(t *testing.T) {
	st := openStore(t)
	content := testjsonl.NewJSONLBuilder().
		Add(testjsonl.Session{
			ID: 1, StudentID: "s1", TherapistID: "A",
			State: "LEVE", Timestamp: testjsonl.At(baseTime),
			Notes: "first",
		}).
		AddRaw("").
		AddRaw("   ").
		AddRaw("{not json").
		Add(testjsonl.Session{StudentID: "s2", TherapistID: "A"}).
		Add(testjsonl.Session{
			ID: "2", StudentID: "s2", TherapistID: "B",
			State: "GRAVE",
		}).
		String()
	path := writeFile(t, t.TempDir(), "export.jsonl", content)

	res, err := quietImporter(st).ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path, res.Path)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 2, res.Skipped, "invalid line and row without id")

	rows := allRows(t, st)
	require.Len(t, rows, 2)
	assert.Equal(t, "1", rows[0].ID)
	assert.Equal(t, session.StateMild, rows[0].MentalState)
	assert.Equal(t, "first", rows[0].Notes)
	require.NotNil(t, rows[0].Timestamp)
	assert.True(t, rows[0].Timestamp.Equal(baseTime))
	assert.Equal(t, session.StateSevere, rows[1].MentalState)
	assert.Nil(t, rows[1].Timestamp)
}

func TestImportFileJSONArray(t *testing.T) {
	st := openStore(t)
	content := "\xEF\xBB\xBF\n  " + testjsonl.ArrayJSON(
		testjsonl.Session{
			ID: "a", StudentID: "s1", TherapistID: "A",
			State: "ESTAVEL", Timestamp: testjsonl.At(baseTime),
		},
		testjsonl.Session{
			ID: "b", StudentID: "s2", TherapistID: "A",
			State: "CONSIDERAVEL", Timestamp: testjsonl.At(baseTime.Add(time.Hour)),
		},
		testjsonl.Session{TherapistID: "A"},
	)
	path := writeFile(t, t.TempDir(), "export.json", content)

	res, err := quietImporter(st).ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.Skipped)

	rows := allRows(t, st)
	require.Len(t, rows, 2)
	assert.Equal(t, session.StateStable, rows[0].MentalState)
	assert.Equal(t, session.StateConsiderable, rows[1].MentalState)
}

func TestImportFileArrayWithNonObjects(t *testing.T) {
	st := openStore(t)
	path := writeFile(t, t.TempDir(), "mixed.json",
		`[1, "x", null, `+testjsonl.SessionJSON("9", "s", "T", "LEVE", baseTime)+`]`)

	res, err := quietImporter(st).ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 3, res.Skipped)
}

func TestImportFileInvalidArray(t *testing.T) {
	st := openStore(t)
	path := writeFile(t, t.TempDir(), "broken.json", `[{"id": 1},`)

	_, err := quietImporter(st).ImportFile(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON array")
}

func TestImportFileEmpty(t *testing.T) {
	st := openStore(t)
	path := writeFile(t, t.TempDir(), "empty.jsonl", "\n\n")

	res, err := quietImporter(st).ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Zero(t, res.Imported)
	assert.Zero(t, res.Skipped)
}

func TestImportFileIsIdempotent(t *testing.T) {
	st := openStore(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "export.jsonl",
		testjsonl.SessionJSON("1", "s1", "A", "LEVE", baseTime)+"\n")
	im := quietImporter(st)

	_, err := im.ImportFile(context.Background(), path)
	require.NoError(t, err)

	// Re-export with the state corrected.
	writeFile(t, dir, "export.jsonl",
		testjsonl.SessionJSON("1", "s1", "A", "GRAVE", baseTime)+"\n")
	_, err = im.ImportFile(context.Background(), path)
	require.NoError(t, err)

	rows := allRows(t, st)
	require.Len(t, rows, 1)
	assert.Equal(t, session.StateSevere, rows[0].MentalState)
}

func TestImportFileCustomColumns(t *testing.T) {
	cols := store.Columns{
		ID: "uuid", StudentID: "student", TherapistID: "clinician",
		MentalState: "state", Timestamp: "at",
	}
	st, err := sqlstore.OpenSQLite(
		filepath.Join(t.TempDir(), "c.db"), "visits", cols,
	)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	path := writeFile(t, t.TempDir(), "visits.jsonl",
		`{"uuid":"u1","student":"s","clinician":"C","state":"MILD","at":"2025-01-10T09:00:00Z"}`+"\n")

	res, err := quietImporter(st, WithColumns(cols)).
		ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)

	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// countingUpserter records the size of every batch it receives.
type countingUpserter struct {
	batches []int
	failAt  int
}

func (c *countingUpserter) Upsert(
	_ context.Context, recs []session.Record,
) (int, error) {
	if c.failAt > 0 && len(c.batches)+1 == c.failAt {
		return 0, errors.New("disk full")
	}
	c.batches = append(c.batches, len(recs))
	return len(recs), nil
}

func jsonlRows(n int) string {
	b := testjsonl.NewJSONLBuilder()
	for i := range n {
		b.Add(testjsonl.Session{
			ID: i + 1, StudentID: "s", TherapistID: "A", State: "LEVE",
		})
	}
	return b.String()
}

func TestImportFileBatches(t *testing.T) {
	up := &countingUpserter{}
	path := writeFile(t, t.TempDir(), "big.jsonl", jsonlRows(7))

	res, err := quietImporter(up, WithBatchSize(3)).
		ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Imported)
	assert.Equal(t, []int{3, 3, 1}, up.batches)
}

func TestImportFileUpsertError(t *testing.T) {
	up := &countingUpserter{failAt: 2}
	path := writeFile(t, t.TempDir(), "big.jsonl", jsonlRows(7))

	res, err := quietImporter(up, WithBatchSize(3)).
		ImportFile(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 3, res.Imported)
}

func TestImportFileOversizedLine(t *testing.T) {
	up := &countingUpserter{}
	huge := `{"id":"big","notes":"` + strings.Repeat("x", maxLineSize) + `"}`
	content := huge + "\n" +
		testjsonl.SessionJSON("ok", "s", "A", "LEVE", baseTime) + "\n"
	path := writeFile(t, t.TempDir(), "huge.jsonl", content)

	res, err := quietImporter(up).ImportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Skipped)
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.jsonl", "")
	b := writeFile(t, dir, filepath.Join("2025", "b.JSON"), "")
	writeFile(t, dir, "readme.txt", "")
	writeFile(t, dir, ".hidden.jsonl", "")
	writeFile(t, dir, filepath.Join(".cache", "c.jsonl"), "")
	explicit := writeFile(t, t.TempDir(), "named.data", "")

	files, err := Discover([]string{dir, explicit, a})
	require.NoError(t, err)
	want := []string{b, a, explicit}
	slices.Sort(want)
	assert.Equal(t, want, files)

	_, err = Discover([]string{filepath.Join(dir, "missing")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestImportPathsContinuesPastFailures(t *testing.T) {
	st := openStore(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.jsonl",
		testjsonl.SessionJSON("1", "s1", "A", "LEVE", baseTime)+"\n")
	writeFile(t, dir, "b.json", `[{"id": 1`)
	writeFile(t, dir, "c.json", testjsonl.ArrayJSON(
		testjsonl.Session{ID: "2", StudentID: "s2", TherapistID: "B", State: "GRAVE"},
		testjsonl.Session{StudentID: "s3"},
	))

	var logged []string
	im := New(st, WithLogf(func(format string, args ...any) {
		logged = append(logged, format)
	}))
	stats, err := im.ImportPaths(context.Background(), []string{dir})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 2, stats.Imported)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Failed)
	require.Len(t, stats.Warnings, 1)
	assert.Contains(t, stats.Warnings[0], "b.json")
	assert.NotEmpty(t, logged)

	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestImportPathsCanceled(t *testing.T) {
	st := openStore(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.jsonl",
		testjsonl.SessionJSON("1", "s1", "A", "LEVE", baseTime)+"\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := quietImporter(st).ImportPaths(ctx, []string{dir})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsImportable(t *testing.T) {
	for path, want := range map[string]bool{
		"a.json":       true,
		"a.JSONL":      true,
		"dir/a.ndjson": true,
		"a.csv":        false,
		"a":            false,
		"a.json.bak":   false,
	} {
		assert.Equal(t, want, IsImportable(path), path)
	}
}
