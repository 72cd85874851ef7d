package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/rentalweather/internal/models"
)

type Store struct {
	db  *sql.DB
	loc *time.Location
}

func New(db *sql.DB, loc *time.Location) *Store {
	return &Store{db: db, loc: loc}
}

func formatDate(t time.Time) string {
	return t.Format(models.DateLayout)
}

func parseDate(s string) (time.Time, error) {
	if len(s) > len(models.DateLayout) {
		s = s[:len(models.DateLayout)]
	}
	return time.Parse(models.DateLayout, s)
}

func (s *Store) UpsertWeather(ctx context.Context, w models.WeatherObservation) error {
	source := w.Source
	if source == "" {
		source = "nws"
	}
	fetchedAt := w.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO weather_data (date, location_code, source, temperature_high, temperature_low, temperature_avg,
		    precipitation, wind_speed, humidity, condition_text, is_forecast, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date, location_code, source, is_forecast) DO UPDATE SET
			temperature_high = COALESCE(excluded.temperature_high, weather_data.temperature_high),
			temperature_low = COALESCE(excluded.temperature_low, weather_data.temperature_low),
			temperature_avg = COALESCE(excluded.temperature_avg, weather_data.temperature_avg),
			precipitation = COALESCE(excluded.precipitation, weather_data.precipitation),
			wind_speed = COALESCE(excluded.wind_speed, weather_data.wind_speed),
			humidity = COALESCE(excluded.humidity, weather_data.humidity),
			condition_text = COALESCE(excluded.condition_text, weather_data.condition_text),
			fetched_at = excluded.fetched_at
	`, formatDate(w.Date), w.LocationCode, source, w.TempHigh, w.TempLow, w.TempAvg,
		w.Precipitation, w.WindSpeed, w.Humidity, w.Condition, w.IsForecast, fetchedAt)
	return err
}

// DailyWeather returns one row per date for a location, averaging across sources.
func (s *Store) DailyWeather(ctx context.Context, locationCode string, start, end time.Time, forecast bool) ([]models.WeatherObservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date,
		       AVG(temperature_high), AVG(temperature_low), AVG(temperature_avg),
		       AVG(precipitation), AVG(wind_speed), AVG(humidity),
		       MAX(condition_text), MAX(fetched_at)
		FROM weather_data
		WHERE location_code = ? AND is_forecast = ? AND date >= ? AND date <= ?
		GROUP BY date
		ORDER BY date ASC
	`, locationCode, forecast, formatDate(start), formatDate(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WeatherObservation
	for rows.Next() {
		var (
			w         models.WeatherObservation
			date      string
			fetchedAt sql.NullString
		)
		if err := rows.Scan(&date, &w.TempHigh, &w.TempLow, &w.TempAvg,
			&w.Precipitation, &w.WindSpeed, &w.Humidity, &w.Condition, &fetchedAt); err != nil {
			return nil, err
		}
		if w.Date, err = parseDate(date); err != nil {
			return nil, fmt.Errorf("parse weather date %q: %w", date, err)
		}
		w.LocationCode = locationCode
		w.IsForecast = forecast
		out = append(out, w)
	}
	return out, rows.Err()
}

// LatestWeatherFetch returns when weather was last written for any location.
func (s *Store) LatestWeatherFetch(ctx context.Context) (time.Time, error) {
	var latest sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(fetched_at) FROM weather_data`).Scan(&latest); err != nil {
		return time.Time{}, err
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999 -0700 MST", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, latest.String); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse fetched_at %q", latest.String)
}
