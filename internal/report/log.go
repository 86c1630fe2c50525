package report

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/i474232898/lindas-relay/internal/hydro"
)

// LogReporter writes one structured record per finished cycle.
type LogReporter struct {
	Logger *slog.Logger
}

// Report implements hydro.Reporter.
func (r LogReporter) Report(ctx context.Context, s hydro.CycleSummary) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []any{
		"cycle_id", s.ID,
		"relayed", s.Relayed,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"warnings", s.Warnings,
		"duration_ms", s.Duration().Milliseconds(),
	}
	if failed := hydro.ByKind(s.Outcomes)[hydro.OutcomeFailed]; len(failed) > 0 {
		ids := make([]string, 0, len(failed))
		for _, o := range failed {
			ids = append(ids, o.LocalID)
		}
		attrs = append(attrs, "failed_stations", ids)
	}
	if s.Aborted() {
		logger.ErrorContext(ctx, "fetch cycle aborted", append(attrs, "error", s.Error)...)
		return
	}
	logger.InfoContext(ctx, "fetch cycle completed", attrs...)
}

// WriteTable prints the outcomes of a cycle as an aligned table.
func WriteTable(w io.Writer, s hydro.CycleSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATION\tNAME\tSENSOR\tRESULT\tOBSERVED AT\tDETAIL")
	for _, o := range s.Outcomes {
		observed := "-"
		if o.ObservedAt != nil {
			observed = o.ObservedAt.Format(time.RFC3339)
		}
		detail := string(o.Reason)
		if o.Error != "" {
			detail = strings.TrimSpace(detail + " " + o.Error)
		}
		name := o.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", o.LocalID, name, o.APISensorID, o.Kind, observed, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if s.Aborted() {
		_, err := fmt.Fprintf(w, "\ncycle %s aborted: %s\n", s.ID, s.Error)
		return err
	}
	_, err := fmt.Fprintf(w, "\nrelayed %d, skipped %d, failed %d, warnings %d\n", s.Relayed, s.Skipped, s.Failed, s.Warnings)
	return err
}
