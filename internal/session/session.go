// Package session defines the therapy-session record consumed by
// the analytics engine, along with the mental-state classification
// that drives scoring and outcome counting.
package session

import (
	"strings"
	"time"
)

// MentalState is the assessed state recorded for a session.
type MentalState string

const (
	StateMild         MentalState = "MILD"
	StateConsiderable MentalState = "CONSIDERABLE"
	StateSevere       MentalState = "SEVERE"
	StateStable       MentalState = "STABLE"
	StateUnknown      MentalState = "UNKNOWN"
)

// stateAliases maps normalized labels to states. The Portuguese
// labels are the values written by the existing intake forms.
var stateAliases = map[string]MentalState{
	"MILD":         StateMild,
	"LEVE":         StateMild,
	"CONSIDERABLE": StateConsiderable,
	"CONSIDERAVEL": StateConsiderable,
	"CONSIDERÁVEL": StateConsiderable,
	"SEVERE":       StateSevere,
	"GRAVE":        StateSevere,
	"STABLE":       StateStable,
	"ESTAVEL":      StateStable,
	"ESTÁVEL":      StateStable,
}

// ParseMentalState maps a stored label to a MentalState. Matching
// is case-insensitive and ignores surrounding whitespace.
// Unrecognized labels yield StateUnknown.
func ParseMentalState(s string) MentalState {
	key := strings.ToUpper(strings.TrimSpace(s))
	if st, ok := stateAliases[key]; ok {
		return st
	}
	return StateUnknown
}

// Positive reports whether the state counts as a positive outcome.
func (m MentalState) Positive() bool {
	return m == StateMild || m == StateStable
}

// Negative reports whether the state counts as a negative outcome.
func (m MentalState) Negative() bool {
	return m == StateConsiderable || m == StateSevere
}

// Record is one therapy encounter between a therapist and a
// student. Timestamp is nil when the source row had no usable
// timestamp. Score is set only when the source stores one.
type Record struct {
	ID          string      `json:"id"`
	StudentID   string      `json:"student_id"`
	TherapistID string      `json:"therapist_id"`
	MentalState MentalState `json:"mental_state"`
	Notes       string      `json:"notes,omitempty"`
	Timestamp   *time.Time  `json:"timestamp,omitempty"`
	Score       *float64    `json:"score,omitempty"`
}

// At returns the record timestamp, or the zero time when absent.
func (r Record) At() time.Time {
	if r.Timestamp == nil {
		return time.Time{}
	}
	return *r.Timestamp
}

// Band midpoints per state. The source bands are
// MILD [0,30), CONSIDERABLE [30,50), SEVERE [50,70), STABLE [0,25).
const (
	scoreMild         = 15.0
	scoreConsiderable = 40.0
	scoreSevere       = 60.0
	scoreStable       = 12.5
	scoreUnknown      = 50.0
)

// StateScore returns the fixed representative score for a state.
func StateScore(m MentalState) float64 {
	switch m {
	case StateMild:
		return scoreMild
	case StateConsiderable:
		return scoreConsiderable
	case StateSevere:
		return scoreSevere
	case StateStable:
		return scoreStable
	default:
		return scoreUnknown
	}
}

// Score returns the stored score when present, otherwise the
// state's band midpoint. Lower is better.
func Score(r Record) float64 {
	if r.Score != nil {
		return *r.Score
	}
	return StateScore(r.MentalState)
}
