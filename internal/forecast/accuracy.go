package forecast

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/lox/rentalweather/internal/models"
	"github.com/lox/rentalweather/internal/store"
)

// AccuracyTracker fills realized revenue into past forecasts and reports
// error statistics from them.
type AccuracyTracker struct {
	store *store.Store
}

func NewAccuracyTracker(s *store.Store) *AccuracyTracker {
	return &AccuracyTracker{store: s}
}

// AccuracyPct scores a forecast against the actual as 100 minus the absolute
// percentage error, floored at 0.
func AccuracyPct(predicted, actual float64) float64 {
	if actual == 0 {
		if predicted == 0 {
			return 100
		}
		return 0
	}
	return math.Max(0, 100-math.Abs(predicted-actual)/math.Abs(actual)*100)
}

// Backfill records actuals for forecasts dated before asOf. Days with no POS
// activity yet are left pending, since exports can arrive late.
func (t *AccuracyTracker) Backfill(ctx context.Context, asOf time.Time) (int, error) {
	pending, err := t.store.ForecastsPendingActuals(ctx, models.Day(asOf))
	if err != nil {
		return 0, fmt.Errorf("pending forecasts: %w", err)
	}

	filled := 0
	for _, f := range pending {
		if err := ctx.Err(); err != nil {
			return filled, err
		}
		segment := f.Segment
		if segment == models.SegmentAll {
			segment = ""
		}
		days, err := t.store.DailyBusiness(ctx, f.ForecastDate, f.ForecastDate, f.StoreCode, segment)
		if err != nil {
			return filled, fmt.Errorf("actuals for %s: %w", f.ForecastDate.Format(models.DateLayout), err)
		}
		if len(days) == 0 {
			continue
		}
		actual := days[0]
		acc := AccuracyPct(f.PredictedRevenue, actual.Revenue)
		if err := t.store.UpdateForecastActuals(ctx, f.ID, actual.Revenue, float64(actual.Contracts), acc); err != nil {
			return filled, fmt.Errorf("update forecast %d: %w", f.ID, err)
		}
		filled++
	}
	if filled > 0 {
		log.Printf("accuracy: backfilled %d of %d pending forecasts", filled, len(pending))
	}
	return filled, nil
}

// Summary reports MAE, MAPE and mean bias per store over the window ending at asOf.
func (t *AccuracyTracker) Summary(ctx context.Context, windowDays int, asOf time.Time) ([]models.ForecastAccuracy, error) {
	return t.store.ForecastAccuracy(ctx, windowDays, models.Day(asOf))
}
