package forecast

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/lox/rentalweather/internal/alignment"
	"github.com/lox/rentalweather/internal/config"
	"github.com/lox/rentalweather/internal/models"
	"github.com/lox/rentalweather/internal/store"
)

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

func tempFor(i int) float64 { return 60 + float64((i*7)%25) }

// seedHistory writes n days from start where revenue = 500 + 10*temp_high.
func seedHistory(t *testing.T, s *store.Store, start time.Time, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		day := start.AddDate(0, 0, i)
		temp := tempFor(i)
		contract := fmt.Sprintf("C%03d", i)
		require.NoError(t, s.UpsertTransaction(ctx, models.POSTransaction{
			ContractNo: contract, StoreCode: "3607", ContractDate: day.Add(10 * time.Hour),
		}))
		require.NoError(t, s.UpsertTransactionItem(ctx, models.POSTransactionItem{
			ContractNo: contract, LineNo: 1, ItemNum: "TENT", Qty: 1, RentAmt: 500 + 10*temp,
		}))
		require.NoError(t, s.UpsertWeather(ctx, models.WeatherObservation{
			Date: day, LocationCode: "MSP", TempHigh: nf(temp), TempLow: nf(temp - 15),
			Precipitation: nf(0), WindSpeed: nf(5),
		}))
	}
}

func newTestComposer(t *testing.T, s *store.Store) *Composer {
	t.Helper()
	reg, err := NewRegistry(8)
	require.NoError(t, err)
	return NewComposer(s, alignment.NewAligner(s, "MSP"), reg, config.DefaultConfig().Forecast, "MSP")
}

func TestLinearRecoversCoefficients(t *testing.T) {
	var X [][]float64
	var y []float64
	for i := 0; i < 40; i++ {
		x1, x2 := float64(i), float64((i*13)%7)
		X = append(X, []float64{x1, x2})
		y = append(y, 3+2*x1-x2)
	}
	for _, m := range []*Linear{NewOLS(), NewRidge(0.001)} {
		require.NoError(t, m.Fit(X, y))
		assert.InDelta(t, 3+2*50-4, m.Predict([]float64{50, 4}), 0.05, m.Name())
	}
	assert.Equal(t, "ridge_10", NewRidge(10).Name())
}

func TestLinearHandlesConstantColumn(t *testing.T) {
	X := [][]float64{{1, 5}, {2, 5}, {3, 5}, {4, 5}, {5, 5}}
	y := []float64{2, 4, 6, 8, 10}
	m := NewOLS()
	require.NoError(t, m.Fit(X, y))
	assert.InDelta(t, 12, m.Predict([]float64{6, 5}), 1e-3)
}

func TestBoostedStumpsFitsStep(t *testing.T) {
	var X [][]float64
	var y []float64
	for i := 0; i < 60; i++ {
		v := 100.0
		if i >= 30 {
			v = 300
		}
		X = append(X, []float64{float64(i), float64(i % 5)})
		y = append(y, v)
	}
	b := NewBoostedStumps()
	require.NoError(t, b.Fit(X, y))
	assert.InDelta(t, 100, b.Predict([]float64{5, 0}), 5)
	assert.InDelta(t, 300, b.Predict([]float64{50, 0}), 5)

	assert.ErrorIs(t, NewBoostedStumps().Fit(nil, nil), ErrEmptyTrainingSet)
}

func TestScaler(t *testing.T) {
	s := FitScaler([][]float64{{1, 7}, {3, 7}})
	assert.Equal(t, []float64{2, 7}, s.Mean)
	assert.Equal(t, []float64{1, 1}, s.Scale, "constant column keeps unit scale")
	assert.Equal(t, []float64{1, 0}, s.Transform([]float64{3, 7}))
}

func TestCrossValidate(t *testing.T) {
	_, err := CrossValidate(func() Regressor { return NewOLS() }, make([][]float64, 6), make([]float64, 6), 5)
	assert.ErrorIs(t, err, ErrInsufficientData)

	var X [][]float64
	var y []float64
	for i := 0; i < 50; i++ {
		X = append(X, []float64{float64(i)})
		y = append(y, 10+3*float64(i))
	}
	mae, err := CrossValidate(func() Regressor { return NewOLS() }, X, y, 5)
	require.NoError(t, err)
	assert.InDelta(t, 0, mae, 0.01)
}

func TestSelectModelPrefersLinearOnLinearData(t *testing.T) {
	ts := &TrainingSet{}
	for i := 0; i < 60; i++ {
		x := float64((i * 7) % 25)
		ts.X = append(ts.X, []float64{x, float64(i % 7)})
		ts.Y = append(ts.Y, 500+10*x)
	}
	m, err := SelectModel("daily_revenue", ts, 5)
	require.NoError(t, err)
	assert.Contains(t, []string{"linear", "ridge_1"}, m.Method)
	assert.Less(t, m.MAE, 5.0)
	assert.Equal(t, 60, m.Rows)
	assert.InDelta(t, 700, m.Predict([]float64{20, 3}), 5)
}

func TestRandomForestFitsInteraction(t *testing.T) {
	var X [][]float64
	var y []float64
	for i := 0; i < 120; i++ {
		x1, x2 := float64((i*7)%30), float64((i*11)%30)
		X = append(X, []float64{x1, x2, float64(i % 4)})
		y = append(y, quadrant(x1, x2))
	}
	f := NewRandomForest()
	require.NoError(t, f.Fit(X, y))
	assert.InDelta(t, 100, f.Predict([]float64{22, 26, 0}), 10)
	assert.InDelta(t, 0, f.Predict([]float64{25, 5, 1}), 10)
	assert.InDelta(t, 0, f.Predict([]float64{5, 25, 1}), 10)

	again := NewRandomForest()
	require.NoError(t, again.Fit(X, y))
	assert.Equal(t, f.Predict([]float64{16, 14, 1}), again.Predict([]float64{16, 14, 1}), "seeded fits are reproducible")

	assert.ErrorIs(t, NewRandomForest().Fit(nil, nil), ErrEmptyTrainingSet)
}

func TestSelectModelPrefersForestOnInteraction(t *testing.T) {
	ts := &TrainingSet{}
	for i := 0; i < 150; i++ {
		x1, x2 := float64((i*7)%30), float64((i*11)%30)
		ts.X = append(ts.X, []float64{x1, x2, float64(i % 7)})
		ts.Y = append(ts.Y, 200+quadrant(x1, x2))
	}
	m, err := SelectModel("daily_revenue", ts, 5)
	require.NoError(t, err)
	assert.Equal(t, "random_forest", m.Method)
	assert.Less(t, m.MAE, 10.0)
	assert.InDelta(t, 300, m.Predict([]float64{22, 26, 2}), 15)
	assert.InDelta(t, 200, m.Predict([]float64{0, 0, 0}), 15)
}

// quadrant is 100 when both inputs are high, so neither input alone explains it.
func quadrant(x1, x2 float64) float64 {
	if x1 >= 15 && x2 >= 15 {
		return 100
	}
	return 0
}

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry(2)
	require.NoError(t, err)

	reg.Put("3607", &Model{Target: "daily_revenue"})
	reg.Put("3607", &Model{Target: "daily_contracts"})
	_, ok := reg.Get("3607", "daily_revenue")
	assert.True(t, ok)

	reg.Put("", &Model{Target: "daily_revenue"})
	assert.Equal(t, 2, reg.Len(), "least recently used evicted")
	_, ok = reg.Get("3607", "daily_contracts")
	assert.False(t, ok)

	assert.Equal(t, "all|daily_revenue", RegistryKey("", "daily_revenue"))
	assert.Equal(t, 1, reg.Invalidate("3607"))
	_, ok = reg.Get("", "daily_revenue")
	assert.True(t, ok)

	_, err = NewRegistry(0)
	assert.Error(t, err)
}

func TestFeatures(t *testing.T) {
	cal := alignment.CalendarFor(time.Date(2025, 7, 5, 0, 0, 0, 0, time.UTC))
	history := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	x := Features(cal, history, DayWeather{80, 60, 0, 5, 50}, math.NaN())
	require.Len(t, x, len(FeatureNames))

	get := func(name string) float64 {
		for i, n := range FeatureNames {
			if n == name {
				return x[i]
			}
		}
		t.Fatalf("no feature %s", name)
		return 0
	}
	assert.Equal(t, 6.0, get("day_of_week"))
	assert.Equal(t, 1.0, get("is_weekend"))
	assert.Equal(t, 8.0, get("lag_1"))
	assert.Equal(t, 2.0, get("lag_7"))
	assert.Equal(t, 7.0, get("rolling_3"))
	assert.Equal(t, 4.5, get("rolling_14"))
	assert.Equal(t, 0.5, get("weather_score"))

	short := Features(cal, []float64{4, 6}, DayWeather{}, 1)
	assert.Equal(t, 5.0, short[7], "lag_7 falls back to the mean")
	empty := Features(cal, nil, DayWeather{}, 1)
	assert.Equal(t, 0.0, empty[4])
}

func TestClimatology(t *testing.T) {
	ds := &alignment.Dataset{Rows: []alignment.Row{
		{Date: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), TempHigh: 80, TempLow: 60, Precipitation: 0, WindSpeed: 5, Humidity: math.NaN()},
		{Date: time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC), TempHigh: 90, TempLow: 70, Precipitation: 1, WindSpeed: 15, Humidity: math.NaN()},
		{Date: time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC), TempHigh: 70, TempLow: 50, Precipitation: 0.5, WindSpeed: 10, Humidity: 40},
	}}
	c := NewClimatology(ds)
	jul := c.For(time.July)
	assert.Equal(t, 85.0, jul.TempHigh)
	assert.Equal(t, 0.5, jul.Precipitation)
	assert.Equal(t, 40.0, jul.Humidity, "missing month value falls back to overall")

	jan := c.For(time.January)
	assert.InDelta(t, 80, jan.TempHigh, 1e-9)

	empty := NewClimatology(nil).For(time.May)
	assert.Equal(t, defaultWeather, empty)
}

func TestBuildTrainingSet(t *testing.T) {
	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	ds := &alignment.Dataset{}
	for i := 0; i < 20; i++ {
		d := start.AddDate(0, 0, i)
		ds.Rows = append(ds.Rows, alignment.Row{
			Date: d, Revenue: float64(100 + i), TempHigh: 70, TempLow: math.NaN(),
			Precipitation: 0, WindSpeed: 5, Humidity: 50, Calendar: alignment.CalendarFor(d),
		})
	}
	ts, err := BuildTrainingSet(ds, alignment.MetricRevenue)
	require.NoError(t, err)
	assert.Equal(t, 20-MinLagWindow, ts.Len())
	assert.Equal(t, float64(100+MinLagWindow), ts.Y[0])
	assert.Equal(t, float64(100+MinLagWindow-1), ts.X[0][4], "lag_1")
	assert.False(t, math.IsNaN(ts.X[0][12]), "missing low filled from climatology")

	_, err = BuildTrainingSet(ds, "nope")
	assert.Error(t, err)
}

func TestHeuristic(t *testing.T) {
	start := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC) // Monday
	ds := &alignment.Dataset{}
	for i := 0; i < 14; i++ {
		d := start.AddDate(0, 0, i)
		rev := 1000.0
		if d.Weekday() == time.Saturday {
			rev = 2000
		}
		ds.Rows = append(ds.Rows, alignment.Row{
			Date: d, Revenue: rev, TempHigh: 70, Precipitation: 0, WindSpeed: 5,
			Calendar: alignment.CalendarFor(d),
		})
	}
	h, err := NewHeuristic(ds, alignment.MetricRevenue)
	require.NoError(t, err)

	sat := time.Date(2025, 6, 21, 0, 0, 0, 0, time.UTC)
	mon := time.Date(2025, 6, 23, 0, 0, 0, 0, time.UTC)
	w := DayWeather{TempHigh: 70, Precipitation: 0, WindSpeed: 5}
	assert.InDelta(t, 2000, h.Predict(sat, w, 1), 1e-9)
	assert.InDelta(t, 1000*1.2, h.Predict(mon, w, 1.2), 1e-9)
	assert.InDelta(t, 1.0, h.WeatherAdjustment(DayWeather{TempHigh: 100}), 1e-9, "constant weather carries no signal")
}

func TestHeuristicWeatherAdjustmentBounded(t *testing.T) {
	h := &Heuristic{factors: map[string]factorStat{
		alignment.FactorPrecip: {r: -0.9, mean: 0.1, std: 0.1},
	}}
	assert.Equal(t, 0.5, h.WeatherAdjustment(DayWeather{Precipitation: 5, TempHigh: math.NaN(), WindSpeed: math.NaN()}))
	assert.InDelta(t, 1.09, h.WeatherAdjustment(DayWeather{Precipitation: 0}), 1e-9)
}

func TestComposeWithModel(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	histStart := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	seedHistory(t, s, histStart, 90)

	start := histStart.AddDate(0, 0, 90)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.UpsertWeather(ctx, models.WeatherObservation{
			Date: start.AddDate(0, 0, i), LocationCode: "MSP", IsForecast: true,
			TempHigh: nf(80), TempLow: nf(65), Precipitation: nf(0), WindSpeed: nf(5),
		}))
	}

	c := newTestComposer(t, s)
	res, err := c.Compose(ctx, Request{StoreCode: "3607", Start: start, Days: 5, Persist: true, RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, res.Days, 5)

	info := res.Models[TargetRevenue.Name]
	assert.NotEqual(t, MethodHeuristic, info.Method)
	assert.Equal(t, 90-MinLagWindow, info.Rows)

	first := res.Days[0]
	assert.True(t, first.FromForecast)
	assert.InDelta(t, 1300, first.Revenue, 60)
	assert.Equal(t, 1.0, first.Contracts)
	assert.LessOrEqual(t, first.Interval.Lower95, first.Interval.Lower80)
	assert.LessOrEqual(t, first.Interval.Lower80, first.Revenue)
	assert.GreaterOrEqual(t, first.Interval.Upper80, first.Revenue)
	assert.GreaterOrEqual(t, first.Confidence, 0.5)
	assert.False(t, res.Days[4].FromForecast, "beyond stored forecast")

	for _, d := range res.Days {
		assert.GreaterOrEqual(t, d.Revenue, 100.0)
		assert.GreaterOrEqual(t, d.Contracts, 1.0)
	}

	stored, err := s.Forecasts(ctx, "3607", start, start.AddDate(0, 0, 4))
	require.NoError(t, err)
	assert.Len(t, stored, 5)
	assert.Equal(t, models.SegmentAll, stored[0].Segment)
	assert.Equal(t, "run-1", stored[0].RunID)

	assert.Equal(t, 2, c.registry.Len())
	_, err = c.Compose(ctx, Request{StoreCode: "3607", Start: start, Days: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, c.registry.Len(), "second run reuses registered models")
}

type fixedSeasonal float64

func (f fixedSeasonal) MonthMultiplier(models.Segment, time.Month) float64 { return float64(f) }

func TestComposeFallsBackToHeuristic(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	histStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	seedHistory(t, s, histStart, 10)

	c := newTestComposer(t, s)
	start := histStart.AddDate(0, 0, 10)
	res, err := c.Compose(ctx, Request{
		StoreCode: "3607", Start: start, Days: 3,
		Segments: []models.Segment{models.SegmentLandscaping},
		Seasonal: fixedSeasonal(1.1),
	})
	require.NoError(t, err)
	require.Len(t, res.Days, 3, "segment without history is skipped")
	assert.Equal(t, MethodHeuristic, res.Models[TargetRevenue.Name].Method)
	assert.Equal(t, 0, c.registry.Len())

	d := res.Days[0]
	assert.Equal(t, MethodHeuristic, d.Method)
	assert.InDelta(t, d.Revenue*0.7, d.Interval.Lower80, 1e-6)
	assert.InDelta(t, d.Revenue*1.3, d.Interval.Upper95, 1e-6)
	assert.Equal(t, 0.6, d.Confidence)
}

func TestComposeFloorsSegmentRevenue(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	histStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	seedHistory(t, s, histStart, 10)
	require.NoError(t, s.UpsertCategorization(ctx, models.EquipmentCategorization{
		ItemNum: "STAKE", Segment: models.SegmentLandscaping, Confidence: 0.9,
	}))
	for i := 0; i < 10; i++ {
		require.NoError(t, s.UpsertTransactionItem(ctx, models.POSTransactionItem{
			ContractNo: fmt.Sprintf("C%03d", i), LineNo: 2, ItemNum: "STAKE", Qty: 1, RentAmt: 5,
		}))
	}

	c := newTestComposer(t, s)
	res, err := c.Compose(ctx, Request{
		StoreCode: "3607", Start: histStart.AddDate(0, 0, 10), Days: 3,
		Segments: []models.Segment{models.SegmentLandscaping},
	})
	require.NoError(t, err)
	require.Len(t, res.Days, 6)

	for _, d := range res.Days {
		if d.Segment != models.SegmentLandscaping {
			continue
		}
		assert.Equal(t, 100.0, d.Revenue, "segment revenue floored at min_daily_revenue")
		assert.Equal(t, 1.0, d.Contracts)
	}
}

func TestComposeNoHistory(t *testing.T) {
	s := setupTestStore(t)
	c := newTestComposer(t, s)
	_, err := c.Compose(context.Background(), Request{StoreCode: "3607", Days: 3})
	assert.Error(t, err)
}

func TestAccuracyBackfill(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	d1 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)

	for _, d := range []time.Time{d1, d2} {
		require.NoError(t, s.UpsertForecast(ctx, models.WeatherForecastDemand{
			ForecastDate: d, StoreCode: "3607", Segment: models.SegmentAll, PredictedRevenue: 1000, PredictedUnits: 2,
		}))
	}
	require.NoError(t, s.UpsertTransaction(ctx, models.POSTransaction{ContractNo: "A1", StoreCode: "3607", ContractDate: d1.Add(9 * time.Hour)}))
	require.NoError(t, s.UpsertTransactionItem(ctx, models.POSTransactionItem{ContractNo: "A1", LineNo: 1, ItemNum: "TENT", Qty: 1, RentAmt: 800}))

	tracker := NewAccuracyTracker(s)
	n, err := tracker.Backfill(ctx, d1.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "day without POS activity stays pending")

	stored, err := s.Forecasts(ctx, "3607", d1, d1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 800.0, stored[0].ActualRevenue.Float64)
	assert.Equal(t, 1.0, stored[0].ActualUnits.Float64)
	assert.Equal(t, 75.0, stored[0].AccuracyPct.Float64)

	summary, err := tracker.Summary(ctx, 30, d1.AddDate(0, 0, 5))
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, 200.0, summary[0].MAE.Float64)
	assert.Equal(t, 200.0, summary[0].MeanBias.Float64)
}
