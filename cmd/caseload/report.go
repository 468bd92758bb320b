package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"

	"github.com/wesm/caseload/internal/analytics"
	"github.com/wesm/caseload/internal/period"
)

// ReportConfig holds parsed CLI options for the report command.
type ReportConfig struct {
	Period string
	Sort   analytics.SortKey
	JSON   bool
}

func parseReportFlags(args []string) (ReportConfig, error) {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	p := fs.String("period", period.CurrentMonth, "Period token")
	sortKey := fs.String(
		"sort", string(analytics.SortSessions),
		"Ranking: sessions, score, efficiency, or students",
	)
	asJSON := fs.Bool("json", false, "Print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return ReportConfig{}, err
	}
	if fs.NArg() > 0 {
		return ReportConfig{}, fmt.Errorf(
			"unexpected arguments: %v", fs.Args(),
		)
	}

	token, ok := period.Canonical(*p)
	if !ok {
		return ReportConfig{}, fmt.Errorf(
			"unknown period %q (valid: %v)", *p, period.Tokens(),
		)
	}
	key, err := analytics.ParseSortKey(*sortKey)
	if err != nil {
		return ReportConfig{}, err
	}
	return ReportConfig{Period: token, Sort: key, JSON: *asJSON}, nil
}

func runReport(args []string) {
	rc, err := parseReportFlags(args)
	if err != nil {
		exitFlagError(err)
	}

	cfg := mustLoadMinimal()
	b := mustOpenBackend(cfg)
	defer b.close()

	svc, err := newService(cfg, newFetcher(cfg, b))
	if err != nil {
		log.Fatalf("%v", err)
	}
	rep, err := svc.Report(context.Background(), rc.Period, rc.Sort)
	if err != nil {
		log.Fatalf("report: %v", err)
	}

	if rc.JSON {
		err = writeReportJSON(os.Stdout, rep)
	} else {
		err = writeReport(os.Stdout, rep)
	}
	if err != nil {
		log.Fatalf("writing report: %v", err)
	}
}

func writeReportJSON(w io.Writer, rep analytics.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// writeReport prints the team summary followed by the ranked
// therapist table.
func writeReport(w io.Writer, rep analytics.Report) error {
	t := rep.Team
	fmt.Fprintf(w, "%s (%s)\n", t.Period.Label, describeBounds(t))
	fmt.Fprintf(w, "  Sessions:            %d\n", t.TotalSessions)
	fmt.Fprintf(w, "  Unique students:     %d\n", t.TotalUniqueStudents)
	fmt.Fprintf(w, "  Therapists:          %d\n", t.TherapistCount)
	fmt.Fprintf(w, "  Average score:       %.1f\n", t.TeamAverageScore)
	fmt.Fprintf(w, "  Average efficiency:  %.1f%%\n", t.TeamAverageEfficiency)
	if t.TopByVolume != nil {
		fmt.Fprintf(w, "  Most sessions:       %s (%.0f)\n",
			t.TopByVolume.DisplayName, t.TopByVolume.Value)
	}
	if t.TopByEfficiency != nil {
		fmt.Fprintf(w, "  Most efficient:      %s (%.1f%%)\n",
			t.TopByEfficiency.DisplayName, t.TopByEfficiency.Value)
	}

	if len(rep.Therapists) == 0 {
		_, err := fmt.Fprintln(w, "\nNo sessions in this period.")
		return err
	}

	fmt.Fprintf(w, "\nTherapists by %s:\n", rep.Sort)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw,
		"#\tTHERAPIST\tSESSIONS\tSTUDENTS\tSCORE\tEFFICIENCY\tWEEKLY\tTREND\tLAST")
	for _, s := range rep.Therapists {
		last := "-"
		if s.LastSession != nil {
			last = s.LastSession.Format("2006-01-02")
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%.1f\t%.1f%%\t%.1f\t%s\t%s\n",
			s.Rank, s.DisplayName, s.TotalSessions, s.UniqueStudents,
			s.AverageScore, s.EfficiencyPercent, s.WeeklyAverage,
			s.Trend, last,
		)
	}
	return tw.Flush()
}

func describeBounds(t analytics.TeamStats) string {
	const layout = "2006-01-02"
	p := t.Period
	switch {
	case p.Start == nil && p.End == nil:
		return "all time"
	case p.End == nil:
		return "since " + p.Start.Format(layout)
	case p.Start == nil:
		return "until " + p.End.Format(layout)
	}
	return p.Start.Format(layout) + " to " + p.End.Format(layout)
}

// exitFlagError reports a subcommand flag error and exits.
func exitFlagError(err error) {
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
