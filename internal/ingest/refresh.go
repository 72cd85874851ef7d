package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lox/rentalweather/internal/config"
	"github.com/lox/rentalweather/internal/forecast"
	"github.com/lox/rentalweather/internal/metrics"
	"github.com/lox/rentalweather/internal/models"
	"github.com/lox/rentalweather/internal/store"
)

type locationMeta struct {
	forecastURL string
	stationID   string
}

// WeatherRefresher pulls current conditions and the 7-day forecast for every
// configured location, one request per RequestSpacing.
type WeatherRefresher struct {
	store     *store.Store
	nws       *NWSClient
	locations []config.Location
	limiter   *rate.Limiter
	loc       *time.Location

	mu    sync.Mutex
	metas map[string]locationMeta
}

func NewWeatherRefresher(s *store.Store, nws *NWSClient, cfg *config.Config) *WeatherRefresher {
	spacing := cfg.Weather.RequestSpacing
	limit := rate.Inf
	if spacing > 0 {
		limit = rate.Every(spacing)
	}
	return &WeatherRefresher{
		store:     s,
		nws:       nws,
		locations: cfg.Locations,
		limiter:   rate.NewLimiter(limit, 1),
		loc:       cfg.Location(),
		metas:     make(map[string]locationMeta),
	}
}

type RefreshSummary struct {
	Locations    int
	Failed       int
	Observations int
	ForecastDays int
}

// RefreshAll refreshes every location. Per-location failures are logged and
// skipped; an error is returned only if the context is cancelled.
func (r *WeatherRefresher) RefreshAll(ctx context.Context) (RefreshSummary, error) {
	var summary RefreshSummary
	for _, l := range r.locations {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Locations++
		obs, days, err := r.RefreshLocation(ctx, l)
		summary.Observations += obs
		summary.ForecastDays += days
		if err != nil {
			summary.Failed++
			log.Printf("weather: refresh %s: %v", l.Code, err)
			continue
		}
	}
	log.Printf("weather: refreshed %d locations (%d failed): %d observations, %d forecast days",
		summary.Locations, summary.Failed, summary.Observations, summary.ForecastDays)
	return summary, nil
}

// RefreshLocation stores today's observation and the daily forecast for one location.
func (r *WeatherRefresher) RefreshLocation(ctx context.Context, l config.Location) (int, int, error) {
	meta, err := r.resolve(ctx, l)
	if err != nil {
		return 0, 0, err
	}

	stored := 0
	obsErr := r.refreshObservation(ctx, l.Code, meta.stationID)
	if obsErr == nil {
		stored = 1
	} else {
		log.Printf("weather: observation %s: %v", l.Code, obsErr)
	}

	days, err := r.refreshForecast(ctx, l.Code, meta.forecastURL)
	if err != nil {
		return stored, days, err
	}
	return stored, days, obsErr
}

func (r *WeatherRefresher) resolve(ctx context.Context, l config.Location) (locationMeta, error) {
	r.mu.Lock()
	meta, ok := r.metas[l.Code]
	r.mu.Unlock()
	if ok {
		return meta, nil
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return meta, err
	}
	point, res, err := r.nws.Point(ctx, l.Latitude, l.Longitude)
	r.audit(ctx, "points", l.Code, res, 1, err)
	if err != nil {
		return meta, fmt.Errorf("resolve point: %w", err)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return meta, err
	}
	stations, res, err := r.nws.Stations(ctx, point.ObservationStations)
	r.audit(ctx, "stations", l.Code, res, len(stations), err)
	if err != nil {
		return meta, fmt.Errorf("resolve stations: %w", err)
	}

	meta = locationMeta{forecastURL: point.ForecastURL, stationID: stations[0]}
	r.mu.Lock()
	r.metas[l.Code] = meta
	r.mu.Unlock()
	log.Printf("weather: %s resolved to %s %d,%d station %s", l.Code, point.GridID, point.GridX, point.GridY, meta.stationID)
	return meta, nil
}

func (r *WeatherRefresher) refreshObservation(ctx context.Context, locationCode, stationID string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	obs, res, err := r.nws.LatestObservation(ctx, stationID)
	if err != nil {
		r.audit(ctx, "observations/latest", locationCode, res, 0, err)
		return err
	}

	observedAt := obs.Timestamp
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	local := observedAt.In(r.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)

	existing, err := r.store.DailyWeather(ctx, locationCode, day, day, false)
	if err != nil {
		r.audit(ctx, "observations/latest", locationCode, res, 1, err)
		return fmt.Errorf("load existing: %w", err)
	}
	var prev *models.WeatherObservation
	if len(existing) > 0 {
		prev = &existing[0]
	}

	row := mergeObservation(prev, obs, day, locationCode)
	if flags := ValidateObservation(&row); len(flags) > 0 {
		log.Printf("weather: %s %s flagged %s", locationCode, day.Format(models.DateLayout), FlagsString(flags))
		Sanitize(&row, flags)
	}

	err = r.store.UpsertWeather(ctx, row)
	stored := 0
	if err == nil {
		stored = 1
		metrics.ObservationsIngested.WithLabelValues(locationCode, "observation").Inc()
	}
	r.audit(ctx, "observations/latest", locationCode, res, stored, err)
	return err
}

// mergeObservation folds a point-in-time observation into the day's running row.
func mergeObservation(prev *models.WeatherObservation, obs *Observation, day time.Time, locationCode string) models.WeatherObservation {
	row := models.WeatherObservation{
		Date:         day,
		LocationCode: locationCode,
		Source:       "nws",
	}
	if prev != nil {
		row.TempHigh, row.TempLow = prev.TempHigh, prev.TempLow
		row.Precipitation = prev.Precipitation
		row.WindSpeed = prev.WindSpeed
		row.Humidity = prev.Humidity
		row.Condition = prev.Condition
	}

	high, low := obs.MaxTempF, obs.MinTempF
	if high == nil {
		high = obs.TempF
	}
	if low == nil {
		low = obs.TempF
	}
	if high != nil && (!row.TempHigh.Valid || *high > row.TempHigh.Float64) {
		row.TempHigh = sql.NullFloat64{Float64: *high, Valid: true}
	}
	if low != nil && (!row.TempLow.Valid || *low < row.TempLow.Float64) {
		row.TempLow = sql.NullFloat64{Float64: *low, Valid: true}
	}
	if row.TempHigh.Valid && row.TempLow.Valid {
		row.TempAvg = sql.NullFloat64{Float64: (row.TempHigh.Float64 + row.TempLow.Float64) / 2, Valid: true}
	}
	if obs.WindMPH != nil && (!row.WindSpeed.Valid || *obs.WindMPH > row.WindSpeed.Float64) {
		row.WindSpeed = sql.NullFloat64{Float64: *obs.WindMPH, Valid: true}
	}
	if obs.Humidity != nil {
		row.Humidity = sql.NullFloat64{Float64: math.Round(*obs.Humidity), Valid: true}
	}
	if obs.PrecipInches != nil && (!row.Precipitation.Valid || *obs.PrecipInches > row.Precipitation.Float64) {
		row.Precipitation = sql.NullFloat64{Float64: *obs.PrecipInches, Valid: true}
	}
	if obs.Description != "" {
		row.Condition = sql.NullString{String: obs.Description, Valid: true}
	}
	return row
}

func (r *WeatherRefresher) refreshForecast(ctx context.Context, locationCode, url string) (int, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	periods, res, err := r.nws.Forecast(ctx, url)
	if err != nil {
		r.audit(ctx, "forecast", locationCode, res, 0, err)
		return 0, err
	}

	rows := DailyForecasts(periods, locationCode, r.loc)
	stored := 0
	var lastErr error
	for _, row := range rows {
		if err := r.store.UpsertWeather(ctx, row); err != nil {
			log.Printf("weather: upsert forecast %s %s: %v", locationCode, row.Date.Format(models.DateLayout), err)
			lastErr = err
			continue
		}
		stored++
	}
	metrics.ObservationsIngested.WithLabelValues(locationCode, "forecast").Add(float64(stored))
	r.audit(ctx, "forecast", locationCode, res, stored, lastErr)
	return stored, lastErr
}

// DailyForecasts merges NWS day/night periods into one forecast row per local date.
func DailyForecasts(periods []ForecastPeriod, locationCode string, loc *time.Location) []models.WeatherObservation {
	type acc struct {
		high, low *float64
		wind      float64
		pop       float64
		humidity  []float64
		text      string
		nightText string
	}
	byDay := make(map[time.Time]*acc)
	for _, p := range periods {
		local := p.StartTime.In(loc)
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
		a, ok := byDay[day]
		if !ok {
			a = &acc{}
			byDay[day] = a
		}
		temp := p.TemperatureF
		if p.IsDaytime {
			a.high = &temp
			a.text = p.ShortForecast
		} else {
			a.low = &temp
			a.nightText = p.ShortForecast
		}
		a.wind = math.Max(a.wind, p.WindMPH)
		a.pop = math.Max(a.pop, p.PrecipChance)
		if p.Humidity != nil {
			a.humidity = append(a.humidity, *p.Humidity)
		}
	}

	days := make([]time.Time, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	fetchedAt := time.Now().UTC()
	rows := make([]models.WeatherObservation, 0, len(days))
	for _, d := range days {
		a := byDay[d]
		row := models.WeatherObservation{
			Date:         d,
			LocationCode: locationCode,
			Source:       "nws",
			IsForecast:   true,
			FetchedAt:    fetchedAt,
			WindSpeed:    sql.NullFloat64{Float64: a.wind, Valid: true},
		}
		text := a.text
		if text == "" {
			text = a.nightText
		}
		if text != "" {
			row.Condition = sql.NullString{String: text, Valid: true}
		}
		if a.high != nil {
			row.TempHigh = sql.NullFloat64{Float64: *a.high, Valid: true}
		}
		if a.low != nil {
			row.TempLow = sql.NullFloat64{Float64: *a.low, Valid: true}
		}
		if a.high != nil && a.low != nil {
			row.TempAvg = sql.NullFloat64{Float64: (*a.high + *a.low) / 2, Valid: true}
		}
		if len(a.humidity) > 0 {
			var sum float64
			for _, h := range a.humidity {
				sum += h
			}
			row.Humidity = sql.NullFloat64{Float64: math.Round(sum / float64(len(a.humidity))), Valid: true}
		}

		high, low := 60.0, 45.0
		if row.TempHigh.Valid {
			high = row.TempHigh.Float64
		}
		if row.TempLow.Valid {
			low = row.TempLow.Float64
		}
		condition := forecast.ExtractCondition(text, high, low)
		row.Precipitation = sql.NullFloat64{Float64: forecast.EstimatePrecip(condition, a.pop), Valid: true}
		rows = append(rows, row)
	}
	return rows
}

// audit records one fetch in ingest_runs and keeps its raw payload.
func (r *WeatherRefresher) audit(ctx context.Context, endpoint, locationCode string, res *FetchResult, stored int, fetchErr error) {
	run, err := r.store.StartIngestRun(ctx, "nws", endpoint, locationCode)
	if err != nil {
		log.Printf("weather: start ingest run: %v", err)
		return
	}
	run.Success = fetchErr == nil
	if res != nil {
		run.HTTPStatus = sql.NullInt64{Int64: int64(res.HTTPStatus), Valid: res.HTTPStatus > 0}
		run.ResponseSizeBytes = sql.NullInt64{Int64: int64(res.ResponseSize), Valid: res.ResponseSize > 0}
		if len(res.Body) > 0 {
			if _, err := r.store.SaveRawPayload(ctx, run.ID, "nws", endpoint, locationCode, res.Body); err != nil {
				log.Printf("weather: store raw payload %s: %v", endpoint, err)
			}
		}
	}
	run.RecordsStored = sql.NullInt64{Int64: int64(stored), Valid: true}
	if fetchErr != nil {
		run.Fail(fetchErr)
	}
	if err := r.store.CompleteIngestRun(ctx, run); err != nil {
		log.Printf("weather: complete ingest run: %v", err)
	}
}
