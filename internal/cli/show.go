package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dahilon/Atlas/internal/middleware/validation"
	"github.com/Dahilon/Atlas/internal/risk/severity"
	"github.com/Dahilon/Atlas/internal/storage/models"
	"github.com/Dahilon/Atlas/internal/storage/sqlite"
)

type filterFlags struct {
	from, to          string
	country, category string
	limit             int
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.from, "from", "", "first day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.to, "to", "", "last day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.country, "country", "", "ISO-3166 alpha-2 country code")
	cmd.Flags().StringVar(&f.category, "category", "", "event category")
	cmd.Flags().IntVar(&f.limit, "limit", 100, "maximum rows, 0 for all")
}

func (f *filterFlags) filter() (sqlite.Filter, error) {
	var out sqlite.Filter
	var err error

	if f.from != "" {
		if out.From, err = models.ParseDay(f.from); err != nil {
			return out, fmt.Errorf("--from must be a YYYY-MM-DD date")
		}
	}
	if f.to != "" {
		if out.To, err = models.ParseDay(f.to); err != nil {
			return out, fmt.Errorf("--to must be a YYYY-MM-DD date")
		}
	}
	if f.country != "" {
		out.Country = strings.ToUpper(f.country)
		if !validation.IsCountry(out.Country) {
			return out, fmt.Errorf("--country must be an ISO-3166 alpha-2 code")
		}
	}
	if f.category != "" {
		out.Category = severity.NormalizeCategory(f.category)
	}
	if f.limit < 0 {
		return out, fmt.Errorf("--limit must not be negative")
	}
	out.Limit = f.limit
	return out, nil
}

func newShowCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print committed pipeline outputs",
	}
	cmd.AddCommand(
		newShowMetricsCmd(a),
		newShowSpikesCmd(a),
		newShowTiersCmd(a),
		newShowTrendsCmd(a),
		newShowRunsCmd(a),
		newShowMoversCmd(a),
		newShowDecompositionCmd(a),
		newShowDistributionCmd(a),
	)
	return cmd
}

func newShowMetricsCmd(a *app) *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Daily risk metrics per country and category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := ff.filter()
			if err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			rows, err := store.DailyMetrics(commandContext(cmd), f)
			if err != nil {
				return err
			}

			table := make([][]string, 0, len(rows))
			for _, m := range rows {
				table = append(table, []string{
					day(m.Date), m.Country, m.Category,
					strconv.Itoa(m.EventCount), num(m.AvgSeverity), num(m.RiskScore),
					num(m.ZScore), string(m.BaselineQuality),
				})
			}
			return a.printer().Rows(rows,
				[]string{"DATE", "COUNTRY", "CATEGORY", "EVENTS", "SEVERITY", "RISK", "Z", "BASELINE"}, table)
		},
	}
	ff.register(cmd)
	return cmd
}

func newShowSpikesCmd(a *app) *cobra.Command {
	var ff filterFlags
	var all bool
	cmd := &cobra.Command{
		Use:   "spikes",
		Short: "Detected spikes with their evidence events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := ff.filter()
			if err != nil {
				return err
			}
			f.IncludeSuperseded = all
			store, err := a.openStore()
			if err != nil {
				return err
			}
			rows, err := store.Spikes(commandContext(cmd), f)
			if err != nil {
				return err
			}

			table := make([][]string, 0, len(rows))
			for _, s := range rows {
				table = append(table, []string{
					day(s.Date), s.Country, s.Category,
					num(s.ZScore), num(s.Delta), s.TriggerMethod,
					strings.Join(s.EvidenceEventIDs, ","), s.RunID,
				})
			}
			return a.printer().Rows(rows,
				[]string{"DATE", "COUNTRY", "CATEGORY", "Z", "DELTA", "METHOD", "EVIDENCE", "RUN"}, table)
		},
	}
	ff.register(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "include spikes of superseded runs")
	return cmd
}

func newShowTiersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "The current risk tier model and country assignments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			m, err := store.CurrentTierModel(commandContext(cmd))
			if errors.Is(err, sqlite.ErrNotFound) {
				return fmt.Errorf("no tier model has been fitted yet")
			}
			if err != nil {
				return err
			}

			p := a.printer()
			if p.jsonFmt {
				return p.JSON(m)
			}

			fmt.Fprintf(a.stdout, "method=%s samples=%d as_of=%s degraded=%t run=%s\n",
				m.Method, m.NSamples, day(m.AsOf), m.Degraded, m.RunID)
			table := make([][]string, 0, len(m.Assignments))
			for _, as := range m.Assignments {
				table = append(table, []string{as.Country, num(as.Severity), string(as.Tier), num(as.Percentile)})
			}
			return p.Table([]string{"COUNTRY", "SEVERITY", "TIER", "PERCENTILE"}, table)
		},
	}
}

func newShowTrendsCmd(a *app) *cobra.Command {
	var window string
	cmd := &cobra.Command{
		Use:   "trends COUNTRY",
		Short: "Trend labels for one country",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			country := strings.ToUpper(args[0])
			if !validation.IsCountry(country) {
				return fmt.Errorf("country must be an ISO-3166 alpha-2 code")
			}
			w := models.TrendWindow(window)
			if w != "" && w.Days() == 0 {
				return fmt.Errorf("--window must be 7d or 30d")
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			rows, err := store.Trends(commandContext(cmd), country, w)
			if err != nil {
				return err
			}

			table := make([][]string, 0, len(rows))
			for _, t := range rows {
				table = append(table, []string{
					t.Country, string(t.Window), string(t.Direction),
					strconv.FormatFloat(t.Slope, 'f', 4, 64), num(t.RSquared),
					strconv.FormatFloat(t.Significance, 'f', 4, 64), strconv.Itoa(t.NPoints),
				})
			}
			return a.printer().Rows(rows,
				[]string{"COUNTRY", "WINDOW", "DIRECTION", "SLOPE", "R2", "P", "POINTS"}, table)
		},
	}
	cmd.Flags().StringVar(&window, "window", "", "7d or 30d, both when empty")
	return cmd
}

func newShowRunsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [ID]",
		Short: "Pipeline run history, or one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)

			if len(args) == 1 {
				run, err := store.Run(ctx, args[0])
				if errors.Is(err, sqlite.ErrNotFound) {
					return fmt.Errorf("run %s not found", args[0])
				}
				if err != nil {
					return err
				}
				return a.printRun(run)
			}

			if limit < 1 {
				return fmt.Errorf("--limit must be positive")
			}
			runs, err := store.Runs(ctx, limit)
			if err != nil {
				return err
			}
			return a.printer().Rows(runs, runHeaders, runRows(runs))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs")
	return cmd
}
