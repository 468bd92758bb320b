package server

import (
	"log"
	"net/http"

	"github.com/wesm/caseload/internal/analytics"
	"github.com/wesm/caseload/internal/period"
)

// parseMetricsParams extracts the period token and sort key from
// the query string. Unknown periods are not an error: they resolve
// to the unbounded period.
func parseMetricsParams(
	w http.ResponseWriter, r *http.Request,
) (string, analytics.SortKey, bool) {
	q := r.URL.Query()
	key, err := analytics.ParseSortKey(q.Get("sort"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	token, _ := period.Canonical(q.Get("period"))
	return token, key, true
}

func (s *Server) handleTeamMetrics(
	w http.ResponseWriter, r *http.Request,
) {
	token, key, ok := parseMetricsParams(w, r)
	if !ok {
		return
	}
	rep, err := s.reporter.Report(r.Context(), token, key)
	if err != nil {
		writeMetricsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep.Team)
}

type therapistsResponse struct {
	Period     period.Spec                `json:"period"`
	Sort       analytics.SortKey          `json:"sort"`
	Therapists []analytics.TherapistStats `json:"therapists"`
}

func (s *Server) handleTherapistMetrics(
	w http.ResponseWriter, r *http.Request,
) {
	token, key, ok := parseMetricsParams(w, r)
	if !ok {
		return
	}
	rep, err := s.reporter.Report(r.Context(), token, key)
	if err != nil {
		writeMetricsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, therapistsResponse{
		Period:     rep.Team.Period,
		Sort:       rep.Sort,
		Therapists: rep.Therapists,
	})
}

func (s *Server) handleListPeriods(
	w http.ResponseWriter, _ *http.Request,
) {
	now := s.now()
	if loc, err := s.cfg.Location(); err == nil {
		now = now.In(loc)
	}
	tokens := period.Tokens()
	out := make([]period.Spec, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, period.Resolve(tok, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"periods": out})
}

func (s *Server) handleHealth(
	w http.ResponseWriter, r *http.Request,
) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			if handleContextError(w, err) {
				return
			}
			log.Printf("health check: %v", err)
			writeJSON(w, http.StatusBadGateway, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
