package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Dahilon/Atlas/internal/storage/models"
)

// printer renders either aligned tables or indented JSON.
type printer struct {
	w       io.Writer
	jsonFmt bool
}

func newPrinter(w io.Writer, jsonFmt bool) *printer {
	return &printer{w: w, jsonFmt: jsonFmt}
}

func (p *printer) JSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(p.w, string(b))
	return err
}

func (p *printer) Table(headers []string, rows [][]string) error {
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// Rows prints v as JSON, or headers and rows as a table.
func (p *printer) Rows(v any, headers []string, rows [][]string) error {
	if p.jsonFmt {
		return p.JSON(v)
	}
	return p.Table(headers, rows)
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func day(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return models.FormatDay(t)
}

func runRows(runs []models.PipelineRun) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			string(r.Trigger),
			string(r.Status),
			day(r.RangeFrom) + ".." + day(r.RangeTo),
			strconv.Itoa(r.EventsIngested),
			strconv.Itoa(r.MetricsWritten),
			strconv.Itoa(r.SpikesWritten),
			r.StartedAt.UTC().Format(time.RFC3339),
			r.Error,
		})
	}
	return rows
}

var runHeaders = []string{"ID", "TRIGGER", "STATUS", "RANGE", "EVENTS", "METRICS", "SPIKES", "STARTED", "ERROR"}
