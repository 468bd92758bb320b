package analytics

import (
	"math"
	"time"

	"github.com/wesm/caseload/internal/period"
	"github.com/wesm/caseload/internal/session"
)

const (
	day  = 24 * time.Hour
	week = 7 * day

	histogramMonths = 12
)

// Trend is the week-over-week direction of session volume.
type Trend string

const (
	TrendUp   Trend = "up"
	TrendFlat Trend = "flat"
	TrendDown Trend = "down"
)

// Outcomes counts sessions by mental state.
type Outcomes struct {
	Mild         int `json:"mild"`
	Considerable int `json:"considerable"`
	Severe       int `json:"severe"`
	Stable       int `json:"stable"`
	Unknown      int `json:"unknown,omitempty"`
}

// Positive returns the number of positive-outcome sessions.
func (o Outcomes) Positive() int {
	return o.Mild + o.Stable
}

// Negative returns the number of negative-outcome sessions.
func (o Outcomes) Negative() int {
	return o.Considerable + o.Severe
}

// MonthBucket is one calendar month of session counts.
type MonthBucket struct {
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

// round1 rounds to one decimal place.
func round1(x float64) float64 {
	return math.Round(x*10) / 10
}

func uniqueStudents(rows []session.Record) int {
	set := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		set[r.StudentID] = struct{}{}
	}
	return len(set)
}

// averageScore returns the mean score, or 0 for no rows.
func averageScore(rows []session.Record) float64 {
	if len(rows) == 0 {
		return 0
	}
	var sum float64
	for _, r := range rows {
		sum += session.Score(r)
	}
	return sum / float64(len(rows))
}

func countOutcomes(rows []session.Record) Outcomes {
	var o Outcomes
	for _, r := range rows {
		switch r.MentalState {
		case session.StateMild:
			o.Mild++
		case session.StateConsiderable:
			o.Considerable++
		case session.StateSevere:
			o.Severe++
		case session.StateStable:
			o.Stable++
		default:
			o.Unknown++
		}
	}
	return o
}

// efficiency returns the positive-outcome share as a percentage,
// or 0 when total is 0.
func efficiency(o Outcomes, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(o.Positive()) / float64(total)
}

// countBetween counts rows with from <= t < to.
func countBetween(rows []session.Record, from, to time.Time) int {
	n := 0
	for _, r := range rows {
		t := r.At()
		if !t.Before(from) && t.Before(to) {
			n++
		}
	}
	return n
}

// countSince counts rows with t >= from.
func countSince(rows []session.Record, from time.Time) int {
	n := 0
	for _, r := range rows {
		if !r.At().Before(from) {
			n++
		}
	}
	return n
}

// monthlyHistogram buckets rows into the trailing 12 calendar
// months, most recent first. Months are computed in now's location.
func monthlyHistogram(
	rows []session.Record, now time.Time,
) []MonthBucket {
	cur := period.MonthStart(now)
	buckets := make([]MonthBucket, histogramMonths)
	for i := range buckets {
		start := time.Date(
			cur.Year(), cur.Month()-time.Month(i), 1,
			0, 0, 0, 0, cur.Location(),
		)
		end := time.Date(
			start.Year(), start.Month()+1, 1,
			0, 0, 0, 0, start.Location(),
		)
		buckets[i] = MonthBucket{
			Label: start.Format("Jan 2006"),
			Start: start,
			Count: countBetween(rows, start, end),
		}
	}
	return buckets
}

// weekTrend compares the most recent week with the fourth
// trailing week.
func weekTrend(rows []session.Record, now time.Time) Trend {
	recent := countBetween(rows, now.Add(-week), now)
	fourth := countBetween(rows, now.Add(-4*week), now.Add(-3*week))
	switch {
	case recent > fourth:
		return TrendUp
	case recent < fourth:
		return TrendDown
	default:
		return TrendFlat
	}
}

// lastSession returns the newest timestamp, or nil for no rows.
func lastSession(rows []session.Record) *time.Time {
	var last *time.Time
	for _, r := range rows {
		if r.Timestamp == nil {
			continue
		}
		if last == nil || r.Timestamp.After(*last) {
			t := *r.Timestamp
			last = &t
		}
	}
	return last
}

// weeklyAverage divides total by the number of weeks in the
// period, counting at least one week.
func weeklyAverage(total int, periodDays float64) float64 {
	weeks := math.Max(1, math.Ceil(periodDays/7))
	return float64(total) / weeks
}

// earliest returns the oldest timestamp in rows, or the zero time.
func earliest(rows []session.Record) time.Time {
	var first time.Time
	for _, r := range rows {
		t := r.At()
		if t.IsZero() {
			continue
		}
		if first.IsZero() || t.Before(first) {
			first = t
		}
	}
	return first
}
