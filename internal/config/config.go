package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lox/rentalweather/internal/models"
)

// Config is the single source for store, location and tuning settings.
// Every component receives it (or a sub-struct) at construction time.
type Config struct {
	Timezone          string         `yaml:"timezone"`
	DatabasePath      string         `yaml:"database_path"`
	ReferenceLocation string         `yaml:"reference_location"`
	Locations         []Location     `yaml:"locations"`
	Stores            []Store        `yaml:"stores"`
	Weather           WeatherConfig  `yaml:"weather"`
	Cache             CacheConfig    `yaml:"cache"`
	Correlation       Correlation    `yaml:"correlation"`
	Forecast          ForecastConfig `yaml:"forecast"`
	Schedule          ScheduleConfig `yaml:"schedule"`
	POSImport         POSImport      `yaml:"pos_import"`
	Narrative         Narrative      `yaml:"narrative"`
	HTTPPort          string         `yaml:"http_port"`
}

type Location struct {
	Code      string  `yaml:"code"`
	Name      string  `yaml:"name"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

type Store struct {
	Code         string                     `yaml:"code"`
	Name         string                     `yaml:"name"`
	LocationCode string                     `yaml:"location_code"`
	Manager      string                     `yaml:"manager"`
	BusinessMix  map[models.Segment]float64 `yaml:"business_mix"`
}

type WeatherConfig struct {
	BaseURL        string        `yaml:"base_url"`
	UserAgent      string        `yaml:"user_agent"`
	Timeout        time.Duration `yaml:"timeout"`
	RequestSpacing time.Duration `yaml:"request_spacing"`
	MaxRetryTime   time.Duration `yaml:"max_retry_time"`
}

type CacheConfig struct {
	Backend        string        `yaml:"backend"` // "memory" or "redis"
	Size           int           `yaml:"size"`
	RedisAddr      string        `yaml:"redis_addr"`
	RedisPassword  string        `yaml:"redis_password"`
	RedisDB        int           `yaml:"redis_db"`
	CorrelationTTL time.Duration `yaml:"correlation_ttl"`
	SeasonalTTL    time.Duration `yaml:"seasonal_ttl"`
	ForecastTTL    time.Duration `yaml:"forecast_ttl"`
}

type Correlation struct {
	// MaxLagDays is the longest weather lead tried when searching for leading indicators.
	MaxLagDays int `yaml:"max_lag_days"`
}

type ForecastConfig struct {
	HorizonDays      int     `yaml:"horizon_days"`
	HistoryDays      int     `yaml:"history_days"`
	MinTrainingRows  int     `yaml:"min_training_rows"`
	MinDailyRevenue  float64 `yaml:"min_daily_revenue"`
	MinContractValue float64 `yaml:"min_contract_value"`
	MaxContractValue float64 `yaml:"max_contract_value"`
	TypicalContract  float64 `yaml:"typical_contract"`
	CVFolds          int     `yaml:"cv_folds"`
	RegistrySize     int     `yaml:"registry_size"`
}

type ScheduleConfig struct {
	WeatherRefresh time.Duration `yaml:"weather_refresh"`
	DailyAnalysis  string        `yaml:"daily_analysis"` // cron spec, local time
	AnalysisDays   int           `yaml:"analysis_days"`
}

type POSImport struct {
	FTPHost     string `yaml:"ftp_host"`
	FTPUser     string `yaml:"ftp_user"`
	FTPPassword string `yaml:"ftp_password"`
	Directory   string `yaml:"directory"`
}

type Narrative struct {
	Model string `yaml:"model"`
}

var (
	ErrUnknownStore    = errors.New("unknown store code")
	ErrUnknownLocation = errors.New("unknown location code")
)

func DefaultConfig() *Config {
	return &Config{
		Timezone:          "America/Chicago",
		DatabasePath:      "data/rentalweather.db",
		ReferenceLocation: "MSP",
		Locations: []Location{
			{Code: "MSP", Name: "Minneapolis", Latitude: 44.9778, Longitude: -93.2650},
			{Code: "WAY", Name: "Wayzata", Latitude: 44.9733, Longitude: -93.5066},
			{Code: "BKP", Name: "Brooklyn Park", Latitude: 45.0941, Longitude: -93.3563},
			{Code: "FRI", Name: "Fridley", Latitude: 45.0861, Longitude: -93.2633},
			{Code: "ELK", Name: "Elk River", Latitude: 45.3038, Longitude: -93.5672},
		},
		Stores: []Store{
			{Code: "3607", Name: "Wayzata", LocationCode: "WAY", BusinessMix: map[models.Segment]float64{
				models.SegmentPartyEvent: 0.9, models.SegmentConstructionDIY: 0.1,
			}},
			{Code: "6800", Name: "Brooklyn Park", LocationCode: "BKP", BusinessMix: map[models.Segment]float64{
				models.SegmentConstructionDIY: 1.0,
			}},
			{Code: "728", Name: "Elk River", LocationCode: "ELK", BusinessMix: map[models.Segment]float64{
				models.SegmentConstructionDIY: 0.9, models.SegmentPartyEvent: 0.1,
			}},
			{Code: "8101", Name: "Fridley", LocationCode: "FRI", BusinessMix: map[models.Segment]float64{
				models.SegmentPartyEvent: 1.0,
			}},
		},
		Weather: WeatherConfig{
			BaseURL:        "https://api.weather.gov",
			UserAgent:      "RentalWeather/1.0 (ops@example.com)",
			Timeout:        15 * time.Second,
			RequestSpacing: time.Second,
			MaxRetryTime:   time.Minute,
		},
		Cache: CacheConfig{
			Backend:        "memory",
			Size:           1024,
			RedisAddr:      "localhost:6379",
			CorrelationTTL: 4 * time.Hour,
			SeasonalTTL:    8 * time.Hour,
			ForecastTTL:    30 * time.Minute,
		},
		Correlation: Correlation{MaxLagDays: 7},
		Forecast: ForecastConfig{
			HorizonDays:      14,
			HistoryDays:      730,
			MinTrainingRows:  30,
			MinDailyRevenue:  100,
			MinContractValue: 50,
			MaxContractValue: 2000,
			TypicalContract:  500,
			CVFolds:          5,
			RegistrySize:     64,
		},
		Schedule: ScheduleConfig{
			WeatherRefresh: 3 * time.Hour,
			DailyAnalysis:  "30 5 * * *",
			AnalysisDays:   365,
		},
		POSImport: POSImport{
			FTPUser:   "anonymous",
			Directory: "/exports",
		},
		Narrative: Narrative{Model: "gpt-4o-mini"},
		HTTPPort:  "8080",
	}
}

// Load reads a YAML file over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	locs := make(map[string]bool, len(c.Locations))
	for _, l := range c.Locations {
		if l.Code == "" {
			return errors.New("config: location with empty code")
		}
		locs[l.Code] = true
	}
	if !locs[c.ReferenceLocation] {
		return fmt.Errorf("config: reference location %q: %w", c.ReferenceLocation, ErrUnknownLocation)
	}
	seen := make(map[string]bool, len(c.Stores))
	for _, s := range c.Stores {
		if seen[s.Code] {
			return fmt.Errorf("config: duplicate store code %q", s.Code)
		}
		seen[s.Code] = true
		if !locs[s.LocationCode] {
			return fmt.Errorf("config: store %s location %q: %w", s.Code, s.LocationCode, ErrUnknownLocation)
		}
	}
	switch c.Cache.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	if c.Correlation.MaxLagDays < 0 || c.Correlation.MaxLagDays > 30 {
		return fmt.Errorf("config: correlation.max_lag_days %d out of range 0-30", c.Correlation.MaxLagDays)
	}
	if c.Forecast.CVFolds < 2 {
		return errors.New("config: forecast.cv_folds must be at least 2")
	}
	if c.Forecast.MinContractValue >= c.Forecast.MaxContractValue {
		return errors.New("config: forecast contract value bounds are inverted")
	}
	return nil
}

func (c *Config) StoreByCode(code string) (Store, error) {
	for _, s := range c.Stores {
		if s.Code == code {
			return s, nil
		}
	}
	return Store{}, fmt.Errorf("%w: %s", ErrUnknownStore, code)
}

func (c *Config) LocationByCode(code string) (Location, error) {
	for _, l := range c.Locations {
		if l.Code == code {
			return l, nil
		}
	}
	return Location{}, fmt.Errorf("%w: %s", ErrUnknownLocation, code)
}

// Location returns the configured timezone, or UTC when it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) StoreCodes() []string {
	codes := make([]string, 0, len(c.Stores))
	for _, s := range c.Stores {
		codes = append(codes, s.Code)
	}
	return codes
}
