// Package timeutil formats and parses the timestamp strings stored
// by the row stores.
package timeutil

import (
	"strings"
	"time"
)

// layouts are tried in order by Parse. PostgREST emits RFC 3339
// with an offset; Postgres "timestamp without time zone" columns
// and SQLite text columns may omit it.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Format returns t as an RFC 3339 UTC string, or "" for the zero
// time.
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Ptr returns a pointer to Format(t), or nil for the zero time.
func Ptr(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := Format(t)
	return &s
}

// Parse reads a stored timestamp. Strings without an offset are
// taken as UTC. It returns false for empty or unparseable input.
func Parse(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
