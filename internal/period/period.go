// Package period resolves named reporting periods into concrete
// date bounds.
package period

import (
	"time"
)

// Canonical period tokens.
const (
	CurrentMonth  = "current_month"
	PreviousMonth = "previous_month"
	Week          = "week"
	Month         = "month"
	Quarter       = "quarter"
	Semester      = "semester"
	Year          = "year"
	All           = "all"
)

const day = 24 * time.Hour

// rolling maps rolling-window tokens to their length in days.
var rolling = map[string]int{
	Week:     7,
	Month:    30,
	Quarter:  90,
	Semester: 180,
	Year:     365,
}

// aliases maps the legacy dashboard tokens to canonical ones.
var aliases = map[string]string{
	"semana":    Week,
	"mes":       Month,
	"trimestre": Quarter,
	"semestre":  Semester,
	"ano":       Year,
}

var labels = map[string]string{
	CurrentMonth:  "Current month",
	PreviousMonth: "Previous month",
	Week:          "Last 7 days",
	Month:         "Last 30 days",
	Quarter:       "Last 90 days",
	Semester:      "Last 180 days",
	Year:          "Last 365 days",
	All:           "All time",
}

// Spec is a resolved period. A nil bound is unbounded in that
// direction. When both bounds are set, Start <= End.
type Spec struct {
	Token string     `json:"token"`
	Label string     `json:"label"`
	Start *time.Time `json:"start"`
	End   *time.Time `json:"end"`
}

// Tokens returns the supported canonical tokens in display order.
func Tokens() []string {
	return []string{
		CurrentMonth, PreviousMonth,
		Week, Month, Quarter, Semester, Year, All,
	}
}

// Canonical returns the canonical form of token and whether it is
// a recognized token. Unknown tokens canonicalize to All with ok
// false; the literal "all" is recognized.
func Canonical(token string) (string, bool) {
	if alias, ok := aliases[token]; ok {
		token = alias
	}
	if _, ok := rolling[token]; ok {
		return token, true
	}
	switch token {
	case CurrentMonth, PreviousMonth, All:
		return token, true
	}
	return All, false
}

// MonthStart returns the first instant of t's calendar month in
// t's location.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// Resolve maps a period token to concrete bounds relative to now.
// Calendar arithmetic happens in now's location. Unrecognized or
// empty tokens resolve to an unbounded period.
func Resolve(token string, now time.Time) Spec {
	canon, _ := Canonical(token)
	s := Spec{Token: canon, Label: labels[canon]}

	switch canon {
	case CurrentMonth:
		start := MonthStart(now)
		s.Start = &start
	case PreviousMonth:
		cur := MonthStart(now)
		// time.Date normalizes month 0 to December of the prior year.
		start := time.Date(
			cur.Year(), cur.Month()-1, 1, 0, 0, 0, 0, cur.Location(),
		)
		end := cur.Add(-time.Nanosecond)
		s.Start, s.End = &start, &end
	case All:
		// unbounded
	default:
		start := now.Add(-time.Duration(rolling[canon]) * day)
		s.Start = &start
	}
	return s
}

// Bounded reports whether either bound is set.
func (s Spec) Bounded() bool {
	return s.Start != nil || s.End != nil
}

// Contains reports whether t lies within the period, inclusive on
// both ends.
func (s Spec) Contains(t time.Time) bool {
	if s.Start != nil && t.Before(*s.Start) {
		return false
	}
	if s.End != nil && t.After(*s.End) {
		return false
	}
	return true
}

// Days returns the period length in days. An open end is measured
// to now; an open start is measured from earliest, the oldest
// timestamp in the data set. The result is never negative.
func (s Spec) Days(now, earliest time.Time) float64 {
	end := now
	if s.End != nil {
		end = *s.End
	}
	start := earliest
	if s.Start != nil {
		start = *s.Start
	}
	if start.IsZero() || !end.After(start) {
		return 0
	}
	return end.Sub(start).Hours() / 24
}
