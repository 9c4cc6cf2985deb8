// Package analytics answers read-only questions over committed outputs:
// seasonal decomposition of a country's severity, the day's top movers and
// the recent risk distribution.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Dahilon/Atlas/internal/risk/seasonal"
	"github.com/Dahilon/Atlas/internal/risk/tier"
	"github.com/Dahilon/Atlas/internal/storage/models"
	"github.com/Dahilon/Atlas/internal/storage/sqlite"
	"github.com/Dahilon/Atlas/pkg/logger"
)

// DistributionSample is how many of the newest daily metrics the risk
// distribution covers.
const DistributionSample = 500

var binEdges = []float64{0, 20, 40, 60, 80, 100}

// ErrInsufficientData means the country has too few days for decomposition.
var ErrInsufficientData = seasonal.ErrInsufficientData

type Store interface {
	CountrySeverity(ctx context.Context, country string, from, to time.Time) ([]models.DailyValue, error)
	LatestMetricDate(ctx context.Context) (time.Time, bool, error)
	TopMovers(ctx context.Context, limit int) ([]models.Mover, error)
	RecentSeverities(ctx context.Context, limit int) ([]float64, error)
	CurrentTierModel(ctx context.Context) (*models.RiskTierModel, error)
	Trends(ctx context.Context, country string, window models.TrendWindow) ([]models.TrendLabel, error)
}

type Service struct {
	store  Store
	period int
	log    *zap.Logger
}

func NewService(store Store, period int) *Service {
	return &Service{
		store:  store,
		period: period,
		log:    logger.Named("analytics"),
	}
}

// Decomposition decomposes country's daily severity over the days trailing
// the latest metric date. Days without metrics inside the country's series
// carry the previous day's value.
func (s *Service) Decomposition(ctx context.Context, country string, days int) (*models.Decomposition, error) {
	last, ok, err := s.store.LatestMetricDate(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no committed metrics", ErrInsufficientData)
	}

	points, err := s.store.CountrySeverity(ctx, country, last.AddDate(0, 0, -(days-1)), last)
	if err != nil {
		return nil, err
	}
	dates, values := fillDays(points)

	res, err := seasonal.Decompose(values, s.period)
	if err != nil {
		return nil, err
	}

	s.log.Debug("Decomposed severity",
		zap.String("country", country),
		zap.Int("points", len(values)),
		zap.Float64("seasonal_strength", res.Strength),
	)
	return &models.Decomposition{
		Country:          country,
		Period:           s.period,
		Dates:            dates,
		Observed:         values,
		Trend:            res.Trend,
		Seasonal:         res.Seasonal,
		Residual:         res.Residual,
		SeasonalStrength: res.Strength,
	}, nil
}

// TopMovers lists the countries of the latest metric date, most severe first,
// with their current tier and 7-day trend where known.
func (s *Service) TopMovers(ctx context.Context, limit int) ([]models.Mover, error) {
	movers, err := s.store.TopMovers(ctx, limit)
	if err != nil {
		return nil, err
	}

	model, err := s.currentModel(ctx)
	if err != nil {
		return nil, err
	}
	trends, err := s.store.Trends(ctx, "", models.Window7d)
	if err != nil {
		return nil, err
	}
	direction := make(map[string]models.TrendDirection, len(trends))
	for _, t := range trends {
		direction[t.Country] = t.Direction
	}

	for i := range movers {
		if model != nil {
			if a, ok := model.Assignment(movers[i].Country); ok {
				movers[i].Tier = a.Tier
				movers[i].Percentile = a.Percentile
			}
		}
		movers[i].Trend7d = direction[movers[i].Country]
	}
	return movers, nil
}

// RiskDistribution bins the newest daily severities into five equal bands and
// counts the current tier model's countries per tier.
func (s *Service) RiskDistribution(ctx context.Context) (*models.RiskDistribution, error) {
	values, err := s.store.RecentSeverities(ctx, DistributionSample)
	if err != nil {
		return nil, err
	}

	out := &models.RiskDistribution{
		Bins:  make([]models.HistogramBin, len(binEdges)-1),
		Stats: tier.Summarize(values),
		Count: len(values),
		Tiers: make(map[models.Tier]int),
	}
	for i := range out.Bins {
		out.Bins[i] = models.HistogramBin{Low: binEdges[i], High: binEdges[i+1]}
	}
	for _, v := range values {
		out.Bins[bin(v)].Count++
	}

	model, err := s.currentModel(ctx)
	if err != nil {
		return nil, err
	}
	if model != nil {
		out.TiersAsOf = model.AsOf
		for _, a := range model.Assignments {
			out.Tiers[a.Tier]++
		}
	}
	return out, nil
}

func (s *Service) currentModel(ctx context.Context) (*models.RiskTierModel, error) {
	m, err := s.store.CurrentTierModel(ctx)
	if errors.Is(err, sqlite.ErrNotFound) {
		return nil, nil
	}
	return m, err
}

// bin places v in its band; 100 falls in the top band.
func bin(v float64) int {
	last := len(binEdges) - 2
	for i := 0; i < last; i++ {
		if v < binEdges[i+1] {
			return i
		}
	}
	return last
}

// fillDays lays points on consecutive days from the first to the last,
// carrying the previous value into missing days.
func fillDays(points []models.DailyValue) ([]time.Time, []float64) {
	if len(points) == 0 {
		return nil, nil
	}

	var dates []time.Time
	var values []float64
	next := 0
	prev := points[0].Value
	last := points[len(points)-1].Date
	for d := points[0].Date; !d.After(last); d = d.AddDate(0, 0, 1) {
		if next < len(points) && points[next].Date.Equal(d) {
			prev = points[next].Value
			next++
		}
		dates = append(dates, d)
		values = append(values, prev)
	}
	return dates, values
}
