package store

import (
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/wesm/caseload/internal/session"
	"github.com/wesm/caseload/internal/timeutil"
)

// DecodeRecord reads one JSON object into a record using the
// given column names. A missing or unparseable timestamp leaves
// Timestamp nil. Numeric IDs are kept in their JSON text form.
func DecodeRecord(v gjson.Result, cols Columns) session.Record {
	r := session.Record{
		ID:          v.Get(cols.ID).String(),
		StudentID:   v.Get(cols.StudentID).String(),
		TherapistID: v.Get(cols.TherapistID).String(),
		MentalState: session.ParseMentalState(
			v.Get(cols.MentalState).String(),
		),
		Notes: v.Get(cols.Notes).String(),
	}
	if ts := v.Get(cols.Timestamp); ts.Type == gjson.String {
		if t, ok := timeutil.Parse(ts.Str); ok {
			r.Timestamp = &t
		}
	}
	if cols.Score != "" {
		switch s := v.Get(cols.Score); s.Type {
		case gjson.Number:
			f := s.Float()
			r.Score = &f
		case gjson.String:
			if f, err := strconv.ParseFloat(s.Str, 64); err == nil {
				r.Score = &f
			}
		}
	}
	return r
}
