package forecast

import (
	"strings"
)

// WeatherCondition is a categorized weather state derived from forecast text.
type WeatherCondition string

const (
	ConditionClear        WeatherCondition = "clear"
	ConditionPartlyCloudy WeatherCondition = "partly_cloudy"
	ConditionMostlyCloudy WeatherCondition = "mostly_cloudy"
	ConditionLightRain    WeatherCondition = "light_rain"
	ConditionHeavyRain    WeatherCondition = "heavy_rain"
	ConditionStorm        WeatherCondition = "storm"
	ConditionSnow         WeatherCondition = "snow"
	ConditionFog          WeatherCondition = "fog"
	ConditionHot          WeatherCondition = "hot"
	ConditionFrigid       WeatherCondition = "frigid"
)

// ExtractCondition categorizes a forecast from its text and temperatures (°F).
func ExtractCondition(narrative string, tempMax, tempMin float64) WeatherCondition {
	lower := strings.ToLower(narrative)

	// Snow is checked ahead of temperature so a cold snowy day stays snow.
	if strings.Contains(lower, "snow") || strings.Contains(lower, "blizzard") ||
		strings.Contains(lower, "flurries") || strings.Contains(lower, "sleet") {
		return ConditionSnow
	}

	if tempMax >= 95 {
		return ConditionHot
	}
	if tempMax <= 0 || tempMin <= -15 {
		return ConditionFrigid
	}

	if strings.Contains(lower, "thunder") || strings.Contains(lower, "storm") {
		return ConditionStorm
	}

	if strings.Contains(lower, "heavy rain") {
		return ConditionHeavyRain
	}
	if strings.Contains(lower, "rain") || strings.Contains(lower, "shower") ||
		strings.Contains(lower, "drizzle") {
		return ConditionLightRain
	}

	if strings.Contains(lower, "fog") || strings.Contains(lower, "mist") ||
		strings.Contains(lower, "haze") {
		return ConditionFog
	}

	if strings.Contains(lower, "mostly cloudy") || strings.Contains(lower, "overcast") ||
		strings.Contains(lower, "cloudy") && !strings.Contains(lower, "partly") {
		return ConditionMostlyCloudy
	}
	if strings.Contains(lower, "partly") || strings.Contains(lower, "mix of") {
		return ConditionPartlyCloudy
	}

	return ConditionClear
}

// typicalPrecip is the expected daily liquid precipitation (inches) when it does occur.
var typicalPrecip = map[WeatherCondition]float64{
	ConditionLightRain: 0.15,
	ConditionHeavyRain: 0.75,
	ConditionStorm:     0.5,
	ConditionSnow:      0.2,
	ConditionFog:       0.01,
}

// EstimatePrecip converts a condition and probability of precipitation (0-100)
// into an expected daily amount in inches.
func EstimatePrecip(condition WeatherCondition, pop float64) float64 {
	if pop < 0 {
		pop = 0
	}
	if pop > 100 {
		pop = 100
	}
	amount, ok := typicalPrecip[condition]
	if !ok {
		amount = 0.1
	}
	return amount * pop / 100
}

// IsWet reports whether the condition implies outdoor work or events get rained out.
func IsWet(condition WeatherCondition) bool {
	switch condition {
	case ConditionLightRain, ConditionHeavyRain, ConditionStorm, ConditionSnow:
		return true
	}
	return false
}
