// Package analytics turns raw session rows into per-therapist and
// team-wide productivity metrics.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wesm/caseload/internal/period"
	"github.com/wesm/caseload/internal/session"
)

// ErrInvalidSortKey is returned for an unrecognized sort key.
var ErrInvalidSortKey = errors.New("invalid sort key")

// SortKey selects the ordering of therapist metrics.
type SortKey string

const (
	SortSessions   SortKey = "sessions"
	SortScore      SortKey = "score"
	SortEfficiency SortKey = "efficiency"
	SortStudents   SortKey = "students"
)

var sortAliases = map[string]SortKey{
	"sessions":          SortSessions,
	"totalatendimentos": SortSessions,
	"score":             SortScore,
	"notamedia":         SortScore,
	"efficiency":        SortEfficiency,
	"eficiencia":        SortEfficiency,
	"students":          SortStudents,
	"alunosunicos":      SortStudents,
}

// ParseSortKey maps a user-supplied key to a SortKey. The empty
// string selects SortSessions.
func ParseSortKey(s string) (SortKey, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return SortSessions, nil
	}
	if k, ok := sortAliases[s]; ok {
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSortKey, s)
}

// TherapistStats is the aggregate for one therapist over a period.
type TherapistStats struct {
	Rank              int           `json:"rank"`
	TherapistID       string        `json:"therapist_id"`
	DisplayName       string        `json:"display_name"`
	TotalSessions     int           `json:"total_sessions"`
	SessionsThisMonth int           `json:"sessions_this_month"`
	SessionsThisWeek  int           `json:"sessions_this_week"`
	UniqueStudents    int           `json:"unique_students"`
	AverageScore      float64       `json:"average_score"`
	Outcomes          Outcomes      `json:"outcomes"`
	WeeklyAverage     float64       `json:"weekly_average"`
	Monthly           []MonthBucket `json:"monthly"`
	Trend             Trend         `json:"trend"`
	EfficiencyPercent float64       `json:"efficiency_percent"`
	LastSession       *time.Time    `json:"last_session"`
}

// Leader names the top therapist for one measure.
type Leader struct {
	TherapistID string  `json:"therapist_id"`
	DisplayName string  `json:"display_name"`
	Value       float64 `json:"value"`
}

// TeamStats is the team-wide aggregate over a period.
type TeamStats struct {
	Period                period.Spec `json:"period"`
	TotalSessions         int         `json:"total_sessions"`
	TotalUniqueStudents   int         `json:"total_unique_students"`
	TherapistCount        int         `json:"therapist_count"`
	TeamAverageScore      float64     `json:"team_average_score"`
	TeamAverageEfficiency float64     `json:"team_average_efficiency"`
	TopByVolume           *Leader     `json:"top_by_volume"`
	TopByEfficiency       *Leader     `json:"top_by_efficiency"`
}

// Report bundles team and therapist metrics computed from a
// single fetch.
type Report struct {
	Team       TeamStats        `json:"team"`
	Sort       SortKey          `json:"sort"`
	Therapists []TherapistStats `json:"therapists"`
}

// Fetcher returns every session row within a period.
type Fetcher interface {
	FetchAll(ctx context.Context, p period.Spec) ([]session.Record, error)
}

// Service assembles metrics from fetched rows.
type Service struct {
	fetcher Fetcher
	now     func() time.Time
	loc     *time.Location
	names   map[string]string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation sets the location used for calendar arithmetic.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithDisplayNames sets the therapist ID to display name mapping.
// Unmapped therapists are shown by ID.
func WithDisplayNames(names map[string]string) Option {
	return func(s *Service) {
		s.names = make(map[string]string, len(names))
		for k, v := range names {
			s.names[k] = v
		}
	}
}

// New creates a Service reading rows through f.
func New(f Fetcher, opts ...Option) *Service {
	s := &Service{
		fetcher: f,
		now:     time.Now,
		loc:     time.Local,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DisplayName returns the configured name for a therapist, or the
// ID itself.
func (s *Service) DisplayName(id string) string {
	if name, ok := s.names[id]; ok && name != "" {
		return name
	}
	return id
}

// Now returns the service clock in the configured location.
func (s *Service) Now() time.Time {
	return s.now().In(s.loc)
}

// TeamMetrics returns team-wide metrics for the period token.
func (s *Service) TeamMetrics(
	ctx context.Context, token string,
) (TeamStats, error) {
	r, err := s.Report(ctx, token, SortSessions)
	if err != nil {
		return TeamStats{}, err
	}
	return r.Team, nil
}

// TherapistMetrics returns one aggregate per therapist with at
// least one session in the period, ordered by key and ranked from 1.
func (s *Service) TherapistMetrics(
	ctx context.Context, token string, key SortKey,
) ([]TherapistStats, error) {
	r, err := s.Report(ctx, token, key)
	if err != nil {
		return nil, err
	}
	return r.Therapists, nil
}

// Report fetches the period once and computes both team and
// therapist metrics against a single clock reading.
func (s *Service) Report(
	ctx context.Context, token string, key SortKey,
) (Report, error) {
	key, err := ParseSortKey(string(key))
	if err != nil {
		return Report{}, err
	}
	now := s.Now()
	p := period.Resolve(token, now)

	rows, err := s.fetcher.FetchAll(ctx, p)
	if err != nil {
		return Report{}, fmt.Errorf("metrics for %s: %w", p.Token, err)
	}
	rows = fillTimestamps(rows, now)

	stats := s.therapistStats(rows, p, now)
	team := s.teamStats(rows, stats, p)

	sortStats(stats, key)
	for i := range stats {
		stats[i].Rank = i + 1
	}
	return Report{Team: team, Sort: key, Therapists: stats}, nil
}

// therapistStats computes one aggregate per therapist in group
// order.
func (s *Service) therapistStats(
	rows []session.Record, p period.Spec, now time.Time,
) []TherapistStats {
	groups := GroupByTherapist(rows)
	order := groupOrder(rows, therapistKey)
	days := p.Days(now, earliest(rows))
	monthStart := period.MonthStart(now)
	weekStart := now.Add(-week)

	stats := make([]TherapistStats, 0, len(order))
	for _, id := range order {
		g := groups[id]
		o := countOutcomes(g)
		stats = append(stats, TherapistStats{
			TherapistID:       id,
			DisplayName:       s.DisplayName(id),
			TotalSessions:     len(g),
			SessionsThisMonth: countSince(g, monthStart),
			SessionsThisWeek:  countSince(g, weekStart),
			UniqueStudents:    uniqueStudents(g),
			AverageScore:      round1(averageScore(g)),
			Outcomes:          o,
			WeeklyAverage:     round1(weeklyAverage(len(g), days)),
			Monthly:           monthlyHistogram(g, now),
			Trend:             weekTrend(g, now),
			EfficiencyPercent: round1(efficiency(o, len(g))),
			LastSession:       lastSession(g),
		})
	}
	return stats
}

// teamStats derives team totals from the raw rows. Leaders are
// chosen from stats, which must still be in group order so that
// ties go to the first-appearing therapist.
func (s *Service) teamStats(
	rows []session.Record, stats []TherapistStats, p period.Spec,
) TeamStats {
	team := TeamStats{
		Period:                p,
		TotalSessions:         len(rows),
		TotalUniqueStudents:   uniqueStudents(rows),
		TherapistCount:        len(stats),
		TeamAverageScore:      round1(averageScore(rows)),
		TeamAverageEfficiency: round1(efficiency(countOutcomes(rows), len(rows))),
	}
	for i := range stats {
		st := &stats[i]
		if team.TopByVolume == nil ||
			float64(st.TotalSessions) > team.TopByVolume.Value {
			team.TopByVolume = &Leader{
				TherapistID: st.TherapistID,
				DisplayName: st.DisplayName,
				Value:       float64(st.TotalSessions),
			}
		}
		if team.TopByEfficiency == nil ||
			st.EfficiencyPercent > team.TopByEfficiency.Value {
			team.TopByEfficiency = &Leader{
				TherapistID: st.TherapistID,
				DisplayName: st.DisplayName,
				Value:       st.EfficiencyPercent,
			}
		}
	}
	return team
}

// sortStats orders stats in place. The sort is stable, so equal
// values keep their group order.
func sortStats(stats []TherapistStats, key SortKey) {
	var less func(a, b *TherapistStats) bool
	switch sortAliases[string(key)] {
	case SortScore:
		less = func(a, b *TherapistStats) bool {
			return a.AverageScore < b.AverageScore
		}
	case SortEfficiency:
		less = func(a, b *TherapistStats) bool {
			return a.EfficiencyPercent > b.EfficiencyPercent
		}
	case SortStudents:
		less = func(a, b *TherapistStats) bool {
			return a.UniqueStudents > b.UniqueStudents
		}
	default:
		less = func(a, b *TherapistStats) bool {
			return a.TotalSessions > b.TotalSessions
		}
	}
	sort.SliceStable(stats, func(i, j int) bool {
		return less(&stats[i], &stats[j])
	})
}
