package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/lox/rentalweather/internal/alignment"
	"github.com/lox/rentalweather/internal/cache"
	"github.com/lox/rentalweather/internal/config"
	"github.com/lox/rentalweather/internal/models"
	"github.com/lox/rentalweather/internal/seasonal"
	"github.com/lox/rentalweather/internal/store"
)

var histStart = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

const histDays = 60

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db, time.UTC)
	require.NoError(t, s.Migrate())
	return s
}

func nf(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func seed(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < histDays; i++ {
		d := histStart.AddDate(0, 0, i)
		temp := 55 + float64((i*11)%30)
		no := fmt.Sprintf("C%03d", i)
		require.NoError(t, s.UpsertTransaction(ctx, models.POSTransaction{ContractNo: no, StoreCode: "3607", ContractDate: d.Add(8 * time.Hour)}))
		require.NoError(t, s.UpsertTransactionItem(ctx, models.POSTransactionItem{ContractNo: no, LineNo: 1, ItemNum: "TENT20", Qty: 1, RentAmt: 500 + 10*temp}))
		require.NoError(t, s.UpsertWeather(ctx, models.WeatherObservation{
			Date: d, LocationCode: "MSP", TempHigh: nf(temp), TempLow: nf(temp - 18), Precipitation: nf(float64(i%4) * 0.1), WindSpeed: nf(8),
		}))
	}
}

func newService(t *testing.T) (*Service, *store.Store, *cache.Memory) {
	t.Helper()
	s := setupTestStore(t)
	seed(t, s)
	mem, err := cache.NewMemory(64)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.ReferenceLocation = "MSP"
	cfg.Forecast.HorizonDays = 7
	svc, err := New(s, mem, cfg)
	require.NoError(t, err)
	svc.now = func() time.Time { return histStart.AddDate(0, 0, histDays) }
	return svc, s, mem
}

func TestCorrelationsCacheThrough(t *testing.T) {
	svc, _, mem := newService(t)
	ctx := context.Background()
	req := CorrelationRequest{StoreCode: "3607", Start: histStart, End: histStart.AddDate(0, 0, histDays-1)}

	first, err := svc.Correlations(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, histDays, first.Rows)
	r, ok := first.Matrix.Get(alignment.FactorTempHigh, alignment.MetricRevenue)
	require.True(t, ok)
	assert.InDelta(t, 1.0, r.PearsonR, 1e-9)
	assert.Equal(t, 1, mem.Len())

	second, err := svc.Correlations(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID, "served from cache")
	r2, _ := second.Matrix.Get(alignment.FactorTempHigh, alignment.MetricRevenue)
	assert.InDelta(t, r.PearsonR, r2.PearsonR, 1e-12)

	n, err := svc.Invalidate(ctx, "3607")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	third, err := svc.Correlations(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, third.RunID)
}

func TestCorrelationsUseConfiguredMaxLag(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s)
	cfg := config.DefaultConfig()
	cfg.ReferenceLocation = "MSP"
	cfg.Correlation.MaxLagDays = 0
	svc, err := New(s, nil, cfg)
	require.NoError(t, err)

	report, err := svc.Correlations(context.Background(), CorrelationRequest{StoreCode: "3607", Start: histStart, End: histStart.AddDate(0, 0, histDays-1)})
	require.NoError(t, err)
	for _, r := range report.Matrix.Results() {
		assert.Equal(t, 0, r.OptimalLagDays, "%s/%s", r.Factor, r.Metric)
	}
}

func TestCorrelationsNoData(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Correlations(context.Background(), CorrelationRequest{StoreCode: "9999", Start: histStart, End: histStart.AddDate(0, 0, 30)})
	assert.Error(t, err)
}

func TestSeasonalCached(t *testing.T) {
	svc, _, mem := newService(t)
	ctx := context.Background()

	r, err := svc.Seasonal(ctx, seasonalRequest())
	require.NoError(t, err)
	require.Contains(t, r.Profiles, models.SegmentAll)
	assert.Equal(t, histDays, r.Facts)

	again, err := svc.Seasonal(ctx, seasonalRequest())
	require.NoError(t, err)
	assert.InDelta(t, r.MonthMultiplier(models.SegmentAll, time.May), again.MonthMultiplier(models.SegmentAll, time.May), 1e-12)
	assert.Equal(t, 1, mem.Len())
}

func TestRunDaily(t *testing.T) {
	svc, s, mem := newService(t)
	ctx := context.Background()

	report, err := svc.RunDaily(ctx, DailyRequest{StoreCode: "3607", Persist: true})
	require.NoError(t, err)
	require.NotNil(t, report.Correlations)
	require.NotNil(t, report.Seasonal)
	require.NotNil(t, report.Forecast)
	assert.Equal(t, report.RunID, report.Correlations.RunID)
	assert.Len(t, report.Forecast.Totals(), 7)
	assert.Len(t, report.Forecast.Days, 7, "uncategorized equipment has no segment history")

	stored, err := s.LatestCorrelations(ctx, "3607")
	require.NoError(t, err)
	assert.NotEmpty(t, stored)

	start := histStart.AddDate(0, 0, histDays+1)
	rows, err := s.Forecasts(ctx, "3607", start, start.AddDate(0, 0, 6))
	require.NoError(t, err)
	assert.Len(t, rows, 7)
	assert.Equal(t, report.RunID, rows[0].RunID)

	assert.Equal(t, 0, mem.Len(), "daily runs bypass the read cache")
	assert.Equal(t, 2, svc.Registry().Len())
}

func TestForecastCacheAndRetrain(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	first, err := svc.Forecast(ctx, ForecastRequest{StoreCode: "3607", Days: 3})
	require.NoError(t, err)
	require.Len(t, first.Days, 3)

	cachedRes, err := svc.Forecast(ctx, ForecastRequest{StoreCode: "3607", Days: 3})
	require.NoError(t, err)
	assert.InDelta(t, first.Days[0].Revenue, cachedRes.Days[0].Revenue, 1e-9)

	retrained, err := svc.Forecast(ctx, ForecastRequest{StoreCode: "3607", Days: 3, Retrain: true})
	require.NoError(t, err)
	assert.Equal(t, first.Models, retrained.Models)
}

func TestPersistBypassesCachedResults(t *testing.T) {
	svc, s, mem := newService(t)
	ctx := context.Background()

	t.Run("correlations", func(t *testing.T) {
		req := CorrelationRequest{StoreCode: "3607", Start: histStart, End: histStart.AddDate(0, 0, histDays-1)}
		first, err := svc.Correlations(ctx, req)
		require.NoError(t, err)
		stored, err := s.LatestCorrelations(ctx, "3607")
		require.NoError(t, err)
		require.Empty(t, stored)

		req.Persist = true
		persisted, err := svc.Correlations(ctx, req)
		require.NoError(t, err)
		assert.NotEqual(t, first.RunID, persisted.RunID, "recomputed despite a cached entry")

		stored, err = s.LatestCorrelations(ctx, "3607")
		require.NoError(t, err)
		require.NotEmpty(t, stored)
		assert.Equal(t, persisted.RunID, stored[0].RunID)

		req.Persist = false
		again, err := svc.Correlations(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, persisted.RunID, again.RunID, "persisted result replaces the cached one")
	})

	t.Run("seasonal", func(t *testing.T) {
		req := seasonalRequest()
		req.StoreCode = ""
		_, err := svc.Seasonal(ctx, req)
		require.NoError(t, err)

		req.Persist = true
		_, err = svc.Seasonal(ctx, req)
		require.NoError(t, err)
		patterns, err := s.SeasonalPatterns(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, patterns)
	})

	t.Run("forecast", func(t *testing.T) {
		_, err := svc.Forecast(ctx, ForecastRequest{StoreCode: "3607", Days: 3})
		require.NoError(t, err)

		_, err = svc.Forecast(ctx, ForecastRequest{StoreCode: "3607", Days: 3, Persist: true})
		require.NoError(t, err)
		start := histStart.AddDate(0, 0, histDays+1)
		rows, err := s.Forecasts(ctx, "3607", start, start.AddDate(0, 0, 2))
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.NotEmpty(t, rows[0].RunID)
	})

	assert.Positive(t, mem.Len())
}

func seasonalRequest() seasonal.Request {
	return seasonal.Request{StoreCode: "3607", Start: histStart, End: histStart.AddDate(0, 0, histDays-1)}
}
