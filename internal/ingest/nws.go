package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/lox/rentalweather/internal/apperr"
	"github.com/lox/rentalweather/internal/config"
	"github.com/lox/rentalweather/internal/httputil"
	"github.com/lox/rentalweather/internal/metrics"
)

// NWSClient talks to the National Weather Service API (api.weather.gov).
type NWSClient struct {
	baseURL      string
	client       *http.Client
	maxRetryTime time.Duration
}

func NewNWSClient(cfg config.WeatherConfig) *NWSClient {
	if cfg.MaxRetryTime <= 0 {
		cfg.MaxRetryTime = time.Minute
	}
	return &NWSClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client: httputil.NewClient(cfg.Timeout, map[string]string{
			"User-Agent": cfg.UserAgent,
			"Accept":     "application/geo+json",
		}),
		maxRetryTime: cfg.MaxRetryTime,
	}
}

// FetchResult describes the HTTP side of a fetch for the ingest audit trail.
type FetchResult struct {
	HTTPStatus   int
	ResponseSize int
	Body         []byte
}

type PointInfo struct {
	GridID              string
	GridX               int
	GridY               int
	ForecastURL         string
	ObservationStations string
}

type Observation struct {
	Timestamp    time.Time
	Description  string
	TempF        *float64
	MaxTempF     *float64
	MinTempF     *float64
	WindMPH      *float64
	Humidity     *float64
	PrecipInches *float64
	StationID    string
}

type ForecastPeriod struct {
	Number        int
	Name          string
	StartTime     time.Time
	IsDaytime     bool
	TemperatureF  float64
	WindMPH       float64
	ShortForecast string
	PrecipChance  float64
	Humidity      *float64
}

type quantity struct {
	Value    *float64 `json:"value"`
	UnitCode string   `json:"unitCode"`
}

type pointResponse struct {
	Properties struct {
		GridID              string `json:"gridId"`
		GridX               int    `json:"gridX"`
		GridY               int    `json:"gridY"`
		Forecast            string `json:"forecast"`
		ObservationStations string `json:"observationStations"`
	} `json:"properties"`
}

type stationsResponse struct {
	Features []struct {
		Properties struct {
			StationIdentifier string `json:"stationIdentifier"`
		} `json:"properties"`
	} `json:"features"`
}

type observationResponse struct {
	Properties struct {
		Timestamp                 string   `json:"timestamp"`
		TextDescription           string   `json:"textDescription"`
		Temperature               quantity `json:"temperature"`
		MaxTemperatureLast24Hours quantity `json:"maxTemperatureLast24Hours"`
		MinTemperatureLast24Hours quantity `json:"minTemperatureLast24Hours"`
		WindSpeed                 quantity `json:"windSpeed"`
		RelativeHumidity          quantity `json:"relativeHumidity"`
		PrecipitationLast6Hours   quantity `json:"precipitationLast6Hours"`
		PrecipitationLastHour     quantity `json:"precipitationLastHour"`
	} `json:"properties"`
}

type forecastResponse struct {
	Properties struct {
		Periods []struct {
			Number                     int      `json:"number"`
			Name                       string   `json:"name"`
			StartTime                  string   `json:"startTime"`
			IsDaytime                  bool     `json:"isDaytime"`
			Temperature                float64  `json:"temperature"`
			TemperatureUnit            string   `json:"temperatureUnit"`
			WindSpeed                  string   `json:"windSpeed"`
			ShortForecast              string   `json:"shortForecast"`
			ProbabilityOfPrecipitation quantity `json:"probabilityOfPrecipitation"`
			RelativeHumidity           quantity `json:"relativeHumidity"`
		} `json:"periods"`
	} `json:"properties"`
}

var errRetryable = errors.New("retryable status")

// get fetches url, retrying with exponential backoff on 429 and 5xx responses only.
func (c *NWSClient) get(ctx context.Context, endpoint, url string) (*FetchResult, error) {
	result := &FetchResult{}
	start := time.Now()

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("fetch %s: %w", endpoint, err))
		}
		defer resp.Body.Close()

		result.HTTPStatus = resp.StatusCode
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			metrics.WeatherAPICallsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
			return fmt.Errorf("%w: %d", errRetryable, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			metrics.WeatherAPICallsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
			return backoff.Permanent(fmt.Errorf("fetch %s: status %d: %s", endpoint, resp.StatusCode, string(b)))
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read body: %w", err))
		}
		result.Body = body
		result.ResponseSize = len(body)
		metrics.WeatherAPICallsTotal.WithLabelValues(endpoint, "200").Inc()
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = c.maxRetryTime
	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	metrics.WeatherAPILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return result, apperr.Upstream("nws "+endpoint, err)
	}
	return result, nil
}

func (c *NWSClient) Point(ctx context.Context, lat, lon float64) (*PointInfo, *FetchResult, error) {
	res, err := c.get(ctx, "points", fmt.Sprintf("%s/points/%.4f,%.4f", c.baseURL, lat, lon))
	if err != nil {
		return nil, res, err
	}
	var data pointResponse
	if err := json.Unmarshal(res.Body, &data); err != nil {
		return nil, res, fmt.Errorf("unmarshal point: %w", err)
	}
	if data.Properties.Forecast == "" {
		return nil, res, apperr.NoData("nws points", "forecast office")
	}
	return &PointInfo{
		GridID:              data.Properties.GridID,
		GridX:               data.Properties.GridX,
		GridY:               data.Properties.GridY,
		ForecastURL:         data.Properties.Forecast,
		ObservationStations: data.Properties.ObservationStations,
	}, res, nil
}

// Stations returns station identifiers nearest first.
func (c *NWSClient) Stations(ctx context.Context, url string) ([]string, *FetchResult, error) {
	res, err := c.get(ctx, "stations", url)
	if err != nil {
		return nil, res, err
	}
	var data stationsResponse
	if err := json.Unmarshal(res.Body, &data); err != nil {
		return nil, res, fmt.Errorf("unmarshal stations: %w", err)
	}
	ids := make([]string, 0, len(data.Features))
	for _, f := range data.Features {
		if f.Properties.StationIdentifier != "" {
			ids = append(ids, f.Properties.StationIdentifier)
		}
	}
	if len(ids) == 0 {
		return nil, res, apperr.NoData("nws stations", "observation station")
	}
	return ids, res, nil
}

func (c *NWSClient) LatestObservation(ctx context.Context, stationID string) (*Observation, *FetchResult, error) {
	res, err := c.get(ctx, "observations/latest", fmt.Sprintf("%s/stations/%s/observations/latest", c.baseURL, stationID))
	if err != nil {
		return nil, res, err
	}
	var data observationResponse
	if err := json.Unmarshal(res.Body, &data); err != nil {
		return nil, res, fmt.Errorf("unmarshal observation: %w", err)
	}

	p := data.Properties
	obs := &Observation{
		Description: p.TextDescription,
		StationID:   stationID,
		TempF:       p.Temperature.fahrenheit(),
		MaxTempF:    p.MaxTemperatureLast24Hours.fahrenheit(),
		MinTempF:    p.MinTemperatureLast24Hours.fahrenheit(),
		WindMPH:     p.WindSpeed.mph(),
		Humidity:    p.RelativeHumidity.Value,
	}
	if ts, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
		obs.Timestamp = ts
	}
	precip := p.PrecipitationLast6Hours
	if precip.Value == nil {
		precip = p.PrecipitationLastHour
	}
	obs.PrecipInches = precip.inches()
	return obs, res, nil
}

func (c *NWSClient) Forecast(ctx context.Context, url string) ([]ForecastPeriod, *FetchResult, error) {
	res, err := c.get(ctx, "forecast", url)
	if err != nil {
		return nil, res, err
	}
	var data forecastResponse
	if err := json.Unmarshal(res.Body, &data); err != nil {
		return nil, res, fmt.Errorf("unmarshal forecast: %w", err)
	}

	periods := make([]ForecastPeriod, 0, len(data.Properties.Periods))
	for _, p := range data.Properties.Periods {
		start, err := time.Parse(time.RFC3339, p.StartTime)
		if err != nil {
			continue
		}
		temp := p.Temperature
		if strings.EqualFold(p.TemperatureUnit, "C") {
			temp = celsiusToFahrenheit(temp)
		}
		fp := ForecastPeriod{
			Number:        p.Number,
			Name:          p.Name,
			StartTime:     start,
			IsDaytime:     p.IsDaytime,
			TemperatureF:  temp,
			WindMPH:       ParseWindSpeed(p.WindSpeed),
			ShortForecast: p.ShortForecast,
			Humidity:      p.RelativeHumidity.Value,
		}
		if p.ProbabilityOfPrecipitation.Value != nil {
			fp.PrecipChance = *p.ProbabilityOfPrecipitation.Value
		}
		periods = append(periods, fp)
	}
	if len(periods) == 0 {
		return nil, res, apperr.NoData("nws forecast", "forecast period")
	}
	return periods, res, nil
}

func celsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

func (q quantity) fahrenheit() *float64 {
	if q.Value == nil {
		return nil
	}
	v := *q.Value
	if !strings.HasSuffix(q.UnitCode, "degF") {
		v = celsiusToFahrenheit(v)
	}
	v = math.Round(v*10) / 10
	return &v
}

func (q quantity) mph() *float64 {
	if q.Value == nil {
		return nil
	}
	v := *q.Value
	switch {
	case strings.HasSuffix(q.UnitCode, "km_h-1"):
		v *= 0.621371
	case strings.HasSuffix(q.UnitCode, "m_s-1"):
		v *= 2.23694
	}
	v = math.Round(v*10) / 10
	return &v
}

func (q quantity) inches() *float64 {
	if q.Value == nil {
		return nil
	}
	v := *q.Value
	if strings.HasSuffix(q.UnitCode, ":mm") {
		v /= 25.4
	} else if strings.HasSuffix(q.UnitCode, ":m") {
		v /= 0.0254
	}
	v = math.Round(v*100) / 100
	return &v
}

var windRe = regexp.MustCompile(`(\d+(?:\.\d+)?)`)

// ParseWindSpeed reads an NWS wind string like "10 to 15 mph" and returns the
// upper figure in mph.
func ParseWindSpeed(s string) float64 {
	matches := windRe.FindAllString(s, -1)
	if len(matches) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(matches[len(matches)-1], 64)
	if err != nil {
		return 0
	}
	if strings.Contains(strings.ToLower(s), "km/h") {
		v *= 0.621371
	}
	return v
}
