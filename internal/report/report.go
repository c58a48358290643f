// Package report renders the end-of-run summary.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/Sternrassler/review-harvester/internal/harvest"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Summary renders one row per repository and a totals footer.
func Summary(results []harvest.Result) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Repository", "Forge", "Records", "Degraded", "Duration", "Status"})

	var records, degraded, failed int
	var total time.Duration
	for _, r := range results {
		status := "ok"
		if r.Err != nil {
			status = "failed"
			failed++
		}
		t.AppendRow(table.Row{
			r.Repository.Path,
			string(r.Repository.Kind),
			r.Records,
			r.Degraded,
			r.Duration.Round(time.Millisecond).String(),
			status,
		})
		records += r.Records
		degraded += r.Degraded
		total += r.Duration
	}

	t.AppendFooter(table.Row{
		fmt.Sprintf("%d repositories", len(results)),
		"",
		records,
		degraded,
		total.Round(time.Millisecond).String(),
		fmt.Sprintf("%d failed", failed),
	})
	return t.Render()
}

// Write prints the summary followed by a newline.
func Write(w io.Writer, results []harvest.Result) error {
	_, err := fmt.Fprintln(w, Summary(results))
	return err
}
