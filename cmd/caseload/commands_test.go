package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/caseload/internal/analytics"
	"github.com/wesm/caseload/internal/config"
	"github.com/wesm/caseload/internal/fetch"
	"github.com/wesm/caseload/internal/importer"
	"github.com/wesm/caseload/internal/period"
	"github.com/wesm/caseload/internal/session"
	"github.com/wesm/caseload/internal/store"
	"github.com/wesm/caseload/internal/store/sqlstore"
	"github.com/wesm/caseload/internal/testjsonl"
)

var testNow = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

func TestParseReportFlags(t *testing.T) {
	rc, err := parseReportFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, ReportConfig{
		Period: period.CurrentMonth, Sort: analytics.SortSessions,
	}, rc)

	rc, err = parseReportFlags([]string{
		"-period", "semana", "-sort", "eficiencia", "-json",
	})
	require.NoError(t, err)
	assert.Equal(t, ReportConfig{
		Period: period.Week, Sort: analytics.SortEfficiency, JSON: true,
	}, rc)

	rc, err = parseReportFlags([]string{"-period", "all"})
	require.NoError(t, err)
	assert.Equal(t, period.All, rc.Period)

	_, err = parseReportFlags([]string{"-period", "fortnight"})
	assert.ErrorContains(t, err, "unknown period")

	_, err = parseReportFlags([]string{"-sort", "rating"})
	assert.ErrorIs(t, err, analytics.ErrInvalidSortKey)

	_, err = parseReportFlags([]string{"extra"})
	assert.ErrorContains(t, err, "unexpected arguments")
}

func sampleReport(t *testing.T) analytics.Report {
	t.Helper()
	st := openTestStore(t)
	seedRecords(t, st,
		session.Record{
			ID: "1", StudentID: "s1", TherapistID: "A",
			MentalState: session.StateMild, Timestamp: ptrTime(testNow.Add(-time.Hour)),
		},
		session.Record{
			ID: "2", StudentID: "s2", TherapistID: "A",
			MentalState: session.StateSevere, Timestamp: ptrTime(testNow.Add(-2 * time.Hour)),
		},
		session.Record{
			ID: "3", StudentID: "s3", TherapistID: "B",
			MentalState: session.StateStable, Timestamp: ptrTime(testNow.Add(-3 * time.Hour)),
		},
	)
	f := fetch.New(st, st.Table(), "created_at")
	svc := analytics.New(f,
		analytics.WithClock(func() time.Time { return testNow }),
		analytics.WithLocation(time.UTC),
		analytics.WithDisplayNames(map[string]string{"A": "Dr. Ana"}),
	)
	rep, err := svc.Report(context.Background(), period.CurrentMonth, analytics.SortSessions)
	require.NoError(t, err)
	return rep
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestWriteReport(t *testing.T) {
	rep := sampleReport(t)

	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, rep))
	out := buf.String()

	for _, want := range []string{
		"Current month (since 2025-03-01)",
		"Sessions:            3",
		"Unique students:     3",
		"Most sessions:       Dr. Ana (2)",
		"Most efficient:      B (100.0%)",
		"Therapists by sessions:",
		"THERAPIST",
	} {
		assert.Contains(t, out, want)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := lines[len(lines)-1]
	assert.True(t, strings.HasPrefix(last, "2"), "last row %q", last)
	assert.Contains(t, last, "B")
	assert.Contains(t, last, "2025-03-15")
}

func TestWriteReportEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, analytics.Report{
		Team: analytics.TeamStats{Period: period.Resolve(period.All, testNow)},
		Sort: analytics.SortScore,
	}))
	assert.Contains(t, buf.String(), "(all time)")
	assert.Contains(t, buf.String(), "No sessions in this period.")
	assert.NotContains(t, buf.String(), "Most sessions")
}

func TestWriteReportJSON(t *testing.T) {
	rep := sampleReport(t)

	var buf bytes.Buffer
	require.NoError(t, writeReportJSON(&buf, rep))

	var got analytics.Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, 3, got.Team.TotalSessions)
	require.Len(t, got.Therapists, 2)
	assert.Equal(t, "A", got.Therapists[0].TherapistID)
}

// staticSource serves fixed rows and records the period it was
// asked for.
type staticSource struct {
	rows []session.Record
	err  error
	got  period.Spec
}

func (s *staticSource) FetchAll(
	_ context.Context, p period.Spec,
) ([]session.Record, error) {
	s.got = p
	return s.rows, s.err
}

func TestMirror(t *testing.T) {
	st := openTestStore(t)
	src := &staticSource{rows: []session.Record{
		recAt("1", "A", testNow.Add(-time.Hour)),
		{TherapistID: "A"},
		recAt("2", "B", testNow.Add(-2*time.Hour)),
	}}
	var out bytes.Buffer
	m := &Mirrorer{
		Src: src, Dst: st, Out: &out,
		Now: func() time.Time { return testNow },
	}

	n, err := m.Mirror(context.Background(), period.Week)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, countRows(t, st))
	assert.Equal(t, period.Week, src.got.Token)
	require.NotNil(t, src.got.Start)
	assert.True(t, src.got.Start.Equal(testNow.AddDate(0, 0, -7)))
	assert.Contains(t, out.String(), "Skipping 1 row(s) without an id")
	assert.Contains(t, out.String(), "Mirrored 2 row(s)")

	// Mirroring again replaces rather than duplicates.
	_, err = m.Mirror(context.Background(), period.Week)
	require.NoError(t, err)
	assert.Equal(t, 2, countRows(t, st))
}

func TestMirrorFetchError(t *testing.T) {
	st := openTestStore(t)
	boom := errors.New("remote down")
	m := &Mirrorer{
		Src: &staticSource{err: boom}, Dst: st, Out: &bytes.Buffer{},
		Now: func() time.Time { return testNow },
	}
	_, err := m.Mirror(context.Background(), period.All)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, countRows(t, st))
}

func TestParseMirrorFlags(t *testing.T) {
	mc, err := parseMirrorFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, period.All, mc.Period)

	mc, err = parseMirrorFlags([]string{"-period", "trimestre"})
	require.NoError(t, err)
	assert.Equal(t, period.Quarter, mc.Period)

	_, err = parseMirrorFlags([]string{"-period", "decade"})
	assert.Error(t, err)
}

func TestParseImportFlags(t *testing.T) {
	ic, err := parseImportFlags([]string{"-watch", "a.jsonl", "dir"})
	require.NoError(t, err)
	assert.True(t, ic.Watch)
	assert.Equal(t, []string{"a.jsonl", "dir"}, ic.Paths)

	_, err = parseImportFlags([]string{"-watch"})
	assert.ErrorContains(t, err, "at least one file")
}

func TestWatchImportsPicksUpNewFiles(t *testing.T) {
	st := openTestStore(t)
	dir := t.TempDir()
	im := newQuietImporter(st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watchImports(ctx, im, []string{dir}) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	path := filepath.Join(dir, "late.jsonl")
	content := testjsonl.SessionJSON("w1", "s1", "A", "LEVE", testNow) + "\n"
	// A write that lands before the directory is registered is
	// missed, so rewrite after each window longer than the debounce.
	retry := 3 * watcherDebounce
	deadline := time.Now().Add(10 * time.Second)
	for {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		settle := time.Now().Add(retry)
		for time.Now().Before(settle) {
			if countRows(t, st) > 0 {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for watched import")
		}
	}
}

func TestWatchImportsNothingToWatch(t *testing.T) {
	st := openTestStore(t)
	err := watchImports(
		context.Background(), newQuietImporter(st),
		[]string{filepath.Join(t.TempDir(), "missing")},
	)
	assert.ErrorContains(t, err, "no directories")
}

func TestCheckConfigSQLite(t *testing.T) {
	dir := isolateEnv(t)
	cfg, err := config.LoadMinimal()
	require.NoError(t, err)
	require.Equal(t, dir, cfg.DataDir)

	var out bytes.Buffer
	require.NoError(t, checkConfig(context.Background(), &out, cfg))
	assert.Contains(t, out.String(), "config:  ok (sqlite store)")
	assert.Contains(t, out.String(), "table:   ok (sessions)")
}

func TestCheckConfigInvalid(t *testing.T) {
	isolateEnv(t)
	cfg, err := config.LoadMinimal()
	require.NoError(t, err)
	cfg.Store = config.StorePostgREST

	err = checkConfig(context.Background(), &bytes.Buffer{}, cfg)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestCheckConfigPostgREST(t *testing.T) {
	var gotPath, gotRange string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer ts.Close()

	isolateEnv(t)
	cfg, err := config.LoadMinimal()
	require.NoError(t, err)
	cfg.Store = config.StorePostgREST
	cfg.RestURL = ts.URL
	cfg.APIKey = "anon"
	cfg.Table = "consulta"

	var out bytes.Buffer
	require.NoError(t, checkConfig(context.Background(), &out, cfg))
	assert.Equal(t, "/rest/v1/consulta", gotPath)
	assert.Equal(t, "0-0", gotRange)
	assert.Contains(t, out.String(), "table:   ok (consulta)")
}

func TestCheckConfigPostgRESTMissingTable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"42P01","message":"relation \"public.consultas\" does not exist"}`))
	}))
	defer ts.Close()

	isolateEnv(t)
	cfg, err := config.LoadMinimal()
	require.NoError(t, err)
	cfg.Store = config.StorePostgREST
	cfg.RestURL = ts.URL
	cfg.APIKey = "anon"
	cfg.Table = "consultas"

	err = checkConfig(context.Background(), &bytes.Buffer{}, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, fetch.ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestOpenBackendUnknownStore(t *testing.T) {
	_, err := openBackend(context.Background(), config.Config{Store: "mongo"})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestNewFetcherUsesConfiguredTimestampColumn(t *testing.T) {
	cfg := config.Config{
		Columns:  store.Columns{Timestamp: "data"}.WithDefaults(),
		PageSize: 7, MaxPages: 3,
	}
	rs := &recordingStore{}
	f := newFetcher(cfg, &backend{rows: rs, table: "t"})
	_, err := f.FetchAll(context.Background(), period.Spec{})
	require.NoError(t, err)
	require.Len(t, rs.queries, 1)
	assert.Equal(t, "data", rs.queries[0].Order.Field)
	assert.Equal(t, 7, rs.queries[0].Limit())
	assert.Equal(t, 7, f.PageSize())
}

func newQuietImporter(st *sqlstore.Store) *importer.Importer {
	return importer.New(st, importer.WithLogf(func(string, ...any) {}))
}

type recordingStore struct {
	queries []store.Query
}

func (r *recordingStore) Query(
	_ context.Context, q store.Query,
) ([]session.Record, error) {
	r.queries = append(r.queries, q)
	return nil, nil
}

func TestDescribeBounds(t *testing.T) {
	prev := period.Resolve(period.PreviousMonth, testNow)
	assert.Equal(t, "2025-02-01 to 2025-02-28",
		describeBounds(analytics.TeamStats{Period: prev}))
	end := testNow
	assert.Equal(t, "until 2025-03-15",
		describeBounds(analytics.TeamStats{Period: period.Spec{End: &end}}))
}
