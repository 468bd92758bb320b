// Package store defines the row-store contract the analytics engine
// reads session rows through. Implementations live in subpackages.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/wesm/caseload/internal/session"
)

// Op is a comparison operator supported by filters.
type Op string

const (
	OpGte Op = "gte"
	OpLte Op = "lte"
)

// Filter restricts a timestamp column.
type Filter struct {
	Field string
	Op    Op
	Value time.Time
}

// Order sorts results by a single column.
type Order struct {
	Field string
	Desc  bool
}

// Query describes one range-bounded read. RangeStart and RangeEnd
// are zero-based, inclusive row offsets.
type Query struct {
	Table      string
	Filters    []Filter
	Order      Order
	RangeStart int
	RangeEnd   int
}

// Limit returns the number of rows the range covers.
func (q Query) Limit() int {
	if q.RangeEnd < q.RangeStart {
		return 0
	}
	return q.RangeEnd - q.RangeStart + 1
}

// Validate checks the query shape before it is sent to a backend.
func (q Query) Validate() error {
	if q.Table == "" {
		return fmt.Errorf("query: table is required")
	}
	if q.RangeStart < 0 || q.RangeEnd < q.RangeStart {
		return fmt.Errorf(
			"query: invalid range %d-%d", q.RangeStart, q.RangeEnd,
		)
	}
	for _, f := range q.Filters {
		if f.Field == "" {
			return fmt.Errorf("query: filter field is required")
		}
		if f.Op != OpGte && f.Op != OpLte {
			return fmt.Errorf("query: unsupported operator %q", f.Op)
		}
	}
	return nil
}

// RowStore is the capability the analytics core depends on: query
// session rows with optional timestamp filters, one range at a time.
type RowStore interface {
	Query(ctx context.Context, q Query) ([]session.Record, error)
}

// Columns maps record fields to backend column names.
type Columns struct {
	ID          string `json:"id"`
	StudentID   string `json:"student_id"`
	TherapistID string `json:"therapist_id"`
	MentalState string `json:"mental_state"`
	Notes       string `json:"notes"`
	Timestamp   string `json:"timestamp"`
	// Score is optional; empty means the backend has no score column.
	Score string `json:"score,omitempty"`
}

// DefaultColumns returns the column names of the consultation table
// used by the existing deployment.
func DefaultColumns() Columns {
	return Columns{
		ID:          "id",
		StudentID:   "aluno_id",
		TherapistID: "terapeuta_id",
		MentalState: "situacao_mental",
		Notes:       "observacoes",
		Timestamp:   "created_at",
	}
}

// WithDefaults fills empty names from DefaultColumns. Score is
// left as given.
func (c Columns) WithDefaults() Columns {
	d := DefaultColumns()
	if c.ID == "" {
		c.ID = d.ID
	}
	if c.StudentID == "" {
		c.StudentID = d.StudentID
	}
	if c.TherapistID == "" {
		c.TherapistID = d.TherapistID
	}
	if c.MentalState == "" {
		c.MentalState = d.MentalState
	}
	if c.Notes == "" {
		c.Notes = d.Notes
	}
	if c.Timestamp == "" {
		c.Timestamp = d.Timestamp
	}
	return c
}

// List returns the selected column names in a fixed order.
func (c Columns) List() []string {
	cols := []string{
		c.ID, c.StudentID, c.TherapistID,
		c.MentalState, c.Notes, c.Timestamp,
	}
	if c.Score != "" {
		cols = append(cols, c.Score)
	}
	return cols
}
