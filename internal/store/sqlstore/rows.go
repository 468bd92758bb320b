package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wesm/caseload/internal/session"
	"github.com/wesm/caseload/internal/store"
	"github.com/wesm/caseload/internal/timeutil"
)

// selectCols returns the quoted column list for reads. Keep in
// sync with scanRecord.
func (s *Store) selectCols() string {
	cols := s.cols.List()
	for i, c := range cols {
		cols[i], _ = quoteIdent(c)
	}
	return strings.Join(cols, ", ")
}

// buildQuery renders a range query as SQL with bind args.
func (s *Store) buildQuery(q store.Query) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	table, err := quoteIdent(q.Table)
	if err != nil {
		return "", nil, fmt.Errorf("table: %w", err)
	}

	var (
		preds []string
		args  []any
	)
	for _, f := range q.Filters {
		col, err := quoteIdent(f.Field)
		if err != nil {
			return "", nil, fmt.Errorf("filter: %w", err)
		}
		op := ">="
		if f.Op == store.OpLte {
			op = "<="
		}
		args = append(args, s.timeArg(f.Value))
		preds = append(preds, col+" "+op+" "+s.placeholder(len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT " + s.selectCols() + " FROM " + table)
	if len(preds) > 0 {
		b.WriteString(" WHERE " + strings.Join(preds, " AND "))
	}
	if q.Order.Field != "" {
		col, err := quoteIdent(q.Order.Field)
		if err != nil {
			return "", nil, fmt.Errorf("order: %w", err)
		}
		dir := "ASC"
		if q.Order.Desc {
			dir = "DESC"
		}
		id, _ := quoteIdent(s.cols.ID)
		b.WriteString(" ORDER BY " + col + " " + dir)
		if q.Order.Field != s.cols.ID {
			b.WriteString(", " + id + " ASC")
		}
	}
	args = append(args, q.Limit())
	b.WriteString(" LIMIT " + s.placeholder(len(args)))
	args = append(args, q.RangeStart)
	b.WriteString(" OFFSET " + s.placeholder(len(args)))
	return b.String(), args, nil
}

// Query implements store.RowStore.
func (s *Store) Query(
	ctx context.Context, q store.Query,
) ([]session.Record, error) {
	query, args, err := s.buildQuery(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", q.Table, err)
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		r, err := s.scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}

// scanRecord reads one row in selectCols order. Values are
// scanned loosely because Postgres tables may use numeric ids and
// native timestamps where the SQLite mirror stores text.
func (s *Store) scanRecord(rows *sql.Rows) (session.Record, error) {
	var id, student, therapist, state, notes, ts, score any
	dest := []any{&id, &student, &therapist, &state, &notes, &ts}
	if s.cols.Score != "" {
		dest = append(dest, &score)
	}
	if err := rows.Scan(dest...); err != nil {
		return session.Record{}, err
	}

	r := session.Record{
		ID:          asString(id),
		StudentID:   asString(student),
		TherapistID: asString(therapist),
		MentalState: session.ParseMentalState(asString(state)),
		Notes:       asString(notes),
	}
	if t, ok := asTime(ts); ok {
		r.Timestamp = &t
	}
	if f, ok := asFloat(score); ok {
		r.Score = &f
	}
	return r, nil
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return timeutil.Format(x)
	default:
		return fmt.Sprint(x)
	}
}

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, !x.IsZero()
	case string:
		return timeutil.Parse(x)
	case []byte:
		return timeutil.Parse(string(x))
	}
	return time.Time{}, false
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(string(x), 64)
		return f, err == nil
	}
	return 0, false
}

// Upsert inserts records, replacing rows with the same id. It
// returns the number of records written.
func (s *Store) Upsert(
	ctx context.Context, records []session.Record,
) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	cols := s.cols.List()
	quoted := make([]string, len(cols))
	ph := make([]string, len(cols))
	var sets []string
	for i, c := range cols {
		quoted[i], _ = quoteIdent(c)
		ph[i] = s.placeholder(i + 1)
		if c != s.cols.ID {
			sets = append(sets, quoted[i]+" = excluded."+quoted[i])
		}
	}
	table, _ := quoteIdent(s.table)
	stmt := "INSERT INTO " + table +
		" (" + strings.Join(quoted, ", ") + ")" +
		" VALUES (" + strings.Join(ph, ", ") + ")" +
		" ON CONFLICT (" + quoted[0] + ") DO UPDATE SET " +
		strings.Join(sets, ", ")

	err := s.Update(ctx, func(tx *sql.Tx) error {
		prep, err := tx.PrepareContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("preparing upsert: %w", err)
		}
		defer prep.Close()
		for _, r := range records {
			if _, err := prep.ExecContext(ctx, s.rowArgs(r)...); err != nil {
				return fmt.Errorf("upserting %s: %w", r.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// rowArgs returns bind values in Columns.List order.
func (s *Store) rowArgs(r session.Record) []any {
	var ts any
	if r.Timestamp != nil {
		ts = s.timeArg(*r.Timestamp)
	}
	args := []any{
		r.ID, r.StudentID, r.TherapistID,
		string(r.MentalState), r.Notes, ts,
	}
	if s.cols.Score != "" {
		var score any
		if r.Score != nil {
			score = *r.Score
		}
		args = append(args, score)
	}
	return args
}

// Count returns the number of rows in the table.
func (s *Store) Count(ctx context.Context) (int, error) {
	table, _ := quoteIdent(s.table)
	var n int
	err := s.reader.QueryRowContext(
		ctx, "SELECT COUNT(*) FROM "+table,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting rows: %w", err)
	}
	return n, nil
}

// PruneCandidate summarizes rows older than a cutoff for one
// therapist.
type PruneCandidate struct {
	TherapistID string
	Rows        int
}

// FindPruneCandidates groups rows with a timestamp before the
// cutoff by therapist. Rows without a timestamp are never pruned.
func (s *Store) FindPruneCandidates(
	ctx context.Context, before time.Time,
) ([]PruneCandidate, error) {
	table, _ := quoteIdent(s.table)
	therapist, _ := quoteIdent(s.cols.TherapistID)
	ts, _ := quoteIdent(s.cols.Timestamp)

	rows, err := s.reader.QueryContext(ctx,
		"SELECT "+therapist+", COUNT(*) FROM "+table+
			" WHERE "+ts+" IS NOT NULL AND "+ts+" < "+s.placeholder(1)+
			" GROUP BY "+therapist+" ORDER BY "+therapist,
		s.timeArg(before),
	)
	if err != nil {
		return nil, fmt.Errorf("querying prune candidates: %w", err)
	}
	defer rows.Close()

	var out []PruneCandidate
	for rows.Next() {
		var c PruneCandidate
		var id any
		if err := rows.Scan(&id, &c.Rows); err != nil {
			return nil, fmt.Errorf("scanning prune candidate: %w", err)
		}
		c.TherapistID = asString(id)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteBefore removes rows with a timestamp before the cutoff and
// returns how many were deleted.
func (s *Store) DeleteBefore(
	ctx context.Context, before time.Time,
) (int64, error) {
	table, _ := quoteIdent(s.table)
	ts, _ := quoteIdent(s.cols.Timestamp)

	var n int64
	err := s.Update(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM "+table+
				" WHERE "+ts+" IS NOT NULL AND "+ts+" < "+s.placeholder(1),
			s.timeArg(before),
		)
		if err != nil {
			return fmt.Errorf("deleting rows: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
