package ingest

import (
	"database/sql"
	"strings"

	"github.com/lox/rentalweather/internal/models"
)

const (
	FlagTempOutOfRange    = "temp_out_of_range"
	FlagTempInverted      = "temp_high_below_low"
	FlagHumidityInvalid   = "humidity_invalid"
	FlagWindSpeedUnlikely = "wind_speed_unlikely"
	FlagPrecipNegative    = "precip_negative"
	FlagPrecipUnlikely    = "precip_unlikely"
)

// Plausible Minnesota ranges in °F, mph and inches per day.
const (
	minTempF     = -60
	maxTempF     = 115
	maxWindMPH   = 120
	maxPrecipDay = 12
)

func ValidateObservation(obs *models.WeatherObservation) []string {
	var flags []string

	for _, v := range []sql.NullFloat64{obs.TempHigh, obs.TempLow, obs.TempAvg} {
		if v.Valid && (v.Float64 < minTempF || v.Float64 > maxTempF) {
			flags = append(flags, FlagTempOutOfRange)
			break
		}
	}

	if obs.TempHigh.Valid && obs.TempLow.Valid && obs.TempHigh.Float64 < obs.TempLow.Float64 {
		flags = append(flags, FlagTempInverted)
	}

	if obs.Humidity.Valid {
		if obs.Humidity.Float64 < 0 || obs.Humidity.Float64 > 100 {
			flags = append(flags, FlagHumidityInvalid)
		}
	}

	if obs.WindSpeed.Valid {
		if obs.WindSpeed.Float64 < 0 || obs.WindSpeed.Float64 > maxWindMPH {
			flags = append(flags, FlagWindSpeedUnlikely)
		}
	}

	if obs.Precipitation.Valid {
		if obs.Precipitation.Float64 < 0 {
			flags = append(flags, FlagPrecipNegative)
		} else if obs.Precipitation.Float64 > maxPrecipDay {
			flags = append(flags, FlagPrecipUnlikely)
		}
	}

	return flags
}

// Sanitize clears the fields named by flags so a bad sensor reading is stored as missing.
func Sanitize(obs *models.WeatherObservation, flags []string) {
	for _, f := range flags {
		switch f {
		case FlagTempOutOfRange, FlagTempInverted:
			obs.TempHigh = sql.NullFloat64{}
			obs.TempLow = sql.NullFloat64{}
			obs.TempAvg = sql.NullFloat64{}
		case FlagHumidityInvalid:
			obs.Humidity = sql.NullFloat64{}
		case FlagWindSpeedUnlikely:
			obs.WindSpeed = sql.NullFloat64{}
		case FlagPrecipNegative, FlagPrecipUnlikely:
			obs.Precipitation = sql.NullFloat64{}
		}
	}
}

func FlagsString(flags []string) string {
	return strings.Join(flags, ",")
}
