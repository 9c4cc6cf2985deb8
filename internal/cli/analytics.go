package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Dahilon/Atlas/internal/analytics"
	"github.com/Dahilon/Atlas/internal/middleware/validation"
	"github.com/Dahilon/Atlas/internal/storage/models"
)

func (a *app) analyst() (*analytics.Service, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	return analytics.NewService(store, a.cfg.Engine.SeasonalPeriod), nil
}

func newShowMoversCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "movers",
		Short: "Countries on the latest metric day, most severe first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 1 || limit > 100 {
				return fmt.Errorf("--limit must be between 1 and 100")
			}
			svc, err := a.analyst()
			if err != nil {
				return err
			}
			movers, err := svc.TopMovers(commandContext(cmd), limit)
			if err != nil {
				return err
			}

			table := make([][]string, 0, len(movers))
			for _, m := range movers {
				table = append(table, []string{
					day(m.Date), m.Country, num(m.Severity), num(m.RiskScore),
					strconv.Itoa(m.EventCount), dash(string(m.Tier)), num(m.Percentile), dash(string(m.Trend7d)),
				})
			}
			return a.printer().Rows(movers,
				[]string{"DATE", "COUNTRY", "SEVERITY", "RISK", "EVENTS", "TIER", "PERCENTILE", "TREND_7D"}, table)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum countries")
	return cmd
}

func newShowDecompositionCmd(a *app) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "decomposition COUNTRY",
		Short: "Trend, weekly and residual parts of a country's daily severity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			country := strings.ToUpper(args[0])
			if !validation.IsCountry(country) {
				return fmt.Errorf("country must be an ISO-3166 alpha-2 code")
			}
			if days < 14 || days > 180 {
				return fmt.Errorf("--days must be between 14 and 180")
			}

			svc, err := a.analyst()
			if err != nil {
				return err
			}
			d, err := svc.Decomposition(commandContext(cmd), country, days)
			if errors.Is(err, analytics.ErrInsufficientData) {
				return fmt.Errorf("not enough daily history for %s: %w", country, err)
			}
			if err != nil {
				return err
			}

			p := a.printer()
			if p.jsonFmt {
				return p.JSON(d)
			}

			fmt.Fprintf(a.stdout, "country=%s period=%d seasonal_strength=%s\n", d.Country, d.Period, num(d.SeasonalStrength))
			table := make([][]string, 0, len(d.Dates))
			for i := range d.Dates {
				table = append(table, []string{
					day(d.Dates[i]), num(d.Observed[i]), num(d.Trend[i]), num(d.Seasonal[i]), num(d.Residual[i]),
				})
			}
			return p.Table([]string{"DATE", "OBSERVED", "TREND", "SEASONAL", "RESIDUAL"}, table)
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "trailing days, 14 to 180")
	return cmd
}

func newShowDistributionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "distribution",
		Short: "Histogram of recent daily severities and current tier counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.analyst()
			if err != nil {
				return err
			}
			dist, err := svc.RiskDistribution(commandContext(cmd))
			if err != nil {
				return err
			}

			p := a.printer()
			if p.jsonFmt {
				return p.JSON(dist)
			}

			fmt.Fprintf(a.stdout, "count=%d mean=%s median=%s std=%s min=%s max=%s\n",
				dist.Count, num(dist.Stats.Mean), num(dist.Stats.Median), num(dist.Stats.Std),
				num(dist.Stats.Min), num(dist.Stats.Max))
			table := make([][]string, 0, len(dist.Bins)+len(models.Tiers))
			for _, b := range dist.Bins {
				table = append(table, []string{"severity", fmt.Sprintf("%g-%g", b.Low, b.High), strconv.Itoa(b.Count)})
			}
			for _, tr := range models.Tiers {
				table = append(table, []string{"tier", string(tr), strconv.Itoa(dist.Tiers[tr])})
			}
			return p.Table([]string{"KIND", "BAND", "COUNT"}, table)
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
