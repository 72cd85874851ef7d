package alignment

import (
	"math"

	"github.com/lox/rentalweather/internal/models"
)

const (
	// RainThreshold is the daily precipitation (inches) that counts as a rainy day.
	RainThreshold = 0.1
	// WindThreshold is the wind speed (mph) that counts as a windy day.
	WindThreshold = 15.0
)

// ScoreProfile holds the favorability parameters for one segment. Temperatures
// are °F, precipitation inches, wind mph. Weights sum to 1.
type ScoreProfile struct {
	IdealTemp     float64
	TempTolerance float64
	PrecipLimit   float64
	WindLimit     float64
	TempWeight    float64
	PrecipWeight  float64
	WindWeight    float64
}

var scoreProfiles = map[models.Segment]ScoreProfile{
	// Tents and outdoor events: rain and gusts cancel bookings.
	models.SegmentPartyEvent: {
		IdealTemp: 75, TempTolerance: 15, PrecipLimit: 0.5, WindLimit: 25,
		TempWeight: 0.3, PrecipWeight: 0.45, WindWeight: 0.25,
	},
	models.SegmentConstructionDIY: {
		IdealTemp: 65, TempTolerance: 30, PrecipLimit: 1.0, WindLimit: 35,
		TempWeight: 0.4, PrecipWeight: 0.45, WindWeight: 0.15,
	},
	models.SegmentLandscaping: {
		IdealTemp: 68, TempTolerance: 20, PrecipLimit: 0.75, WindLimit: 30,
		TempWeight: 0.45, PrecipWeight: 0.4, WindWeight: 0.15,
	},
}

var defaultProfile = ScoreProfile{
	IdealTemp: 70, TempTolerance: 20, PrecipLimit: 0.75, WindLimit: 30,
	TempWeight: 0.4, PrecipWeight: 0.4, WindWeight: 0.2,
}

func ProfileFor(segment models.Segment) ScoreProfile {
	if p, ok := scoreProfiles[segment]; ok {
		return p
	}
	return defaultProfile
}

// WeatherScore rates a day's weather for a segment on [0, 1], 1 being ideal.
// Missing (NaN) inputs contribute a neutral half score.
func WeatherScore(segment models.Segment, tempHigh, precip, wind float64) float64 {
	p := ProfileFor(segment)

	tempPart := 0.5
	if !math.IsNaN(tempHigh) {
		tempPart = clamp01(1 - math.Abs(tempHigh-p.IdealTemp)/p.TempTolerance)
	}
	precipPart := 0.5
	if !math.IsNaN(precip) {
		precipPart = clamp01(1 - math.Max(precip, 0)/p.PrecipLimit)
	}
	windPart := 0.5
	if !math.IsNaN(wind) {
		windPart = clamp01(1 - math.Max(wind, 0)/p.WindLimit)
	}

	return clamp01(p.TempWeight*tempPart + p.PrecipWeight*precipPart + p.WindWeight*windPart)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
