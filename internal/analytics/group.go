package analytics

import (
	"time"

	"github.com/wesm/caseload/internal/session"
)

// GroupByTherapist partitions rows by therapist ID. A therapist
// with no rows has no entry.
func GroupByTherapist(rows []session.Record) map[string][]session.Record {
	return groupBy(rows, therapistKey)
}

// GroupByStudent partitions rows by student ID. A student with no
// rows has no entry.
func GroupByStudent(rows []session.Record) map[string][]session.Record {
	return groupBy(rows, studentKey)
}

func therapistKey(r session.Record) string { return r.TherapistID }
func studentKey(r session.Record) string   { return r.StudentID }

func groupBy(
	rows []session.Record, key func(session.Record) string,
) map[string][]session.Record {
	groups := make(map[string][]session.Record)
	for _, r := range rows {
		k := key(r)
		groups[k] = append(groups[k], r)
	}
	return groups
}

// groupOrder returns group keys in order of first appearance. It
// fixes the iteration order used for stable tie-breaking.
func groupOrder(
	rows []session.Record, key func(session.Record) string,
) []string {
	seen := make(map[string]bool)
	var order []string
	for _, r := range rows {
		k := key(r)
		if !seen[k] {
			seen[k] = true
			order = append(order, k)
		}
	}
	return order
}

// fillTimestamps returns a copy of rows in which every record
// without a timestamp gets now minus one hour per position. The
// substitute only keeps bucketing total; it is never shown as a
// real session time.
func fillTimestamps(
	rows []session.Record, now time.Time,
) []session.Record {
	out := make([]session.Record, len(rows))
	copy(out, rows)
	for i := range out {
		if out[i].Timestamp == nil {
			t := now.Add(-time.Duration(i) * time.Hour)
			out[i].Timestamp = &t
		}
	}
	return out
}
