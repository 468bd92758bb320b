// Package testjsonl provides shared fixture builders for session
// export files. Used by the importer and command test packages.
package testjsonl

import (
	"encoding/json"
	"strings"
	"time"
)

// Session describes one exported consultation row. Empty fields are
// omitted from the generated JSON so tests can build malformed rows.
type Session struct {
	ID          any
	StudentID   string
	TherapistID string
	State       string
	Notes       string
	Timestamp   string
	Score       any
}

// At formats t the way the hosted backend does.
func At(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000+00:00")
}

// Map returns the row keyed by the default column names.
func (s Session) Map() map[string]any {
	m := map[string]any{}
	if s.ID != nil {
		m["id"] = s.ID
	}
	if s.StudentID != "" {
		m["aluno_id"] = s.StudentID
	}
	if s.TherapistID != "" {
		m["terapeuta_id"] = s.TherapistID
	}
	if s.State != "" {
		m["situacao_mental"] = s.State
	}
	if s.Notes != "" {
		m["observacoes"] = s.Notes
	}
	if s.Timestamp != "" {
		m["created_at"] = s.Timestamp
	}
	if s.Score != nil {
		m["score"] = s.Score
	}
	return m
}

// JSON returns the row as a single-line JSON object.
func (s Session) JSON() string {
	return mustMarshal(s.Map())
}

// SessionJSON is a shorthand for a complete row.
func SessionJSON(
	id, student, therapist, state string, at time.Time,
) string {
	return Session{
		ID: id, StudentID: student, TherapistID: therapist,
		State: state, Timestamp: At(at),
	}.JSON()
}

// JSONLBuilder helps construct JSONL export content.
type JSONLBuilder struct {
	lines []string
}

// NewJSONLBuilder returns an empty builder.
func NewJSONLBuilder() *JSONLBuilder {
	return &JSONLBuilder{}
}

// Add appends a row.
func (b *JSONLBuilder) Add(s Session) *JSONLBuilder {
	b.lines = append(b.lines, s.JSON())
	return b
}

// AddRaw appends a raw line verbatim.
func (b *JSONLBuilder) AddRaw(line string) *JSONLBuilder {
	b.lines = append(b.lines, line)
	return b
}

// String returns the content with a trailing newline.
func (b *JSONLBuilder) String() string {
	if len(b.lines) == 0 {
		return ""
	}
	return strings.Join(b.lines, "\n") + "\n"
}

// Bytes returns the content as bytes.
func (b *JSONLBuilder) Bytes() []byte {
	return []byte(b.String())
}

// ArrayJSON returns rows as an indented JSON array, the shape the
// hosted backend's table export produces.
func ArrayJSON(rows ...Session) string {
	ms := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		ms = append(ms, r.Map())
	}
	b, err := json.MarshalIndent(ms, "", "  ")
	if err != nil {
		panic(err)
	}
	return string(b)
}

func mustMarshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
