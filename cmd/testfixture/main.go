package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/wesm/caseload/internal/config"
	"github.com/wesm/caseload/internal/session"
	"github.com/wesm/caseload/internal/store"
	"github.com/wesm/caseload/internal/store/sqlstore"
)

// therapistSpec describes the caseload generated for one therapist.
type therapistSpec struct {
	id       string
	students int
	sessions int
	// states cycles through the outcomes assigned to sessions.
	states []session.MentalState
}

var specs = []therapistSpec{
	{"therapist-alpha", 4, 12, []session.MentalState{
		session.StateMild, session.StateStable, session.StateConsiderable,
	}},
	{"therapist-beta", 6, 30, []session.MentalState{
		session.StateStable, session.StateStable, session.StateSevere,
	}},
	{"therapist-gamma", 2, 5, []session.MentalState{
		session.StateSevere, session.StateConsiderable,
	}},
	{"therapist-delta", 10, 120, []session.MentalState{
		session.StateMild, session.StateStable, session.StateUnknown,
		session.StateConsiderable,
	}},
}

func main() {
	out := flag.String("out", "", "output database path")
	endFlag := flag.String(
		"end", "2025-03-15", "date of the newest session (YYYY-MM-DD)",
	)
	flag.Parse()
	if *out == "" {
		fmt.Fprintln(os.Stderr, "usage: testfixture -out <path> [-end YYYY-MM-DD]")
		os.Exit(1)
	}
	end, err := time.Parse("2006-01-02", *endFlag)
	if err != nil {
		log.Fatalf("invalid -end: %v", err)
	}

	if err := os.Remove(*out); err != nil &&
		!errors.Is(err, os.ErrNotExist) {
		log.Fatalf("removing existing db: %v", err)
	}

	st, err := sqlstore.OpenSQLite(
		*out, config.DefaultLocalTable, store.Columns{},
	)
	if err != nil {
		log.Fatalf("opening db: %v", err)
	}
	defer st.Close()

	newest := end.Add(17 * time.Hour)
	for _, spec := range specs {
		recs := generateSessions(spec, newest)
		if _, err := st.Upsert(context.Background(), recs); err != nil {
			log.Fatalf("writing fixture %s: %v", spec.id, err)
		}
		fmt.Printf(
			"  %s: %d sessions, %d students\n",
			spec.id, spec.sessions, spec.students,
		)
	}

	fmt.Printf("Fixture DB written to %s\n", *out)
}

// generateSessions spreads a therapist's sessions backwards from
// newest, roughly one every 26 hours, so fixtures cover several
// calendar months and every rolling window.
func generateSessions(
	spec therapistSpec, newest time.Time,
) []session.Record {
	recs := make([]session.Record, 0, spec.sessions)
	for i := range spec.sessions {
		ts := newest.Add(-time.Duration(i) * 26 * time.Hour)
		recs = append(recs, session.Record{
			ID:          fmt.Sprintf("%s-%04d", spec.id, i),
			StudentID:   fmt.Sprintf("%s-student-%02d", spec.id, i%spec.students),
			TherapistID: spec.id,
			MentalState: spec.states[i%len(spec.states)],
			Notes:       fmt.Sprintf("Session %d", i+1),
			Timestamp:   &ts,
		})
	}
	return recs
}
