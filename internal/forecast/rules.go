package forecast

import (
	"math"
	"time"

	"github.com/lox/rentalweather/internal/config"
	"github.com/lox/rentalweather/internal/models"
)

// Rules are the business sanity bounds applied to raw predictions.
type Rules struct {
	MinDailyRevenue  float64
	MinContractValue float64
	MaxContractValue float64
	TypicalContract  float64
}

func RulesFrom(cfg config.ForecastConfig) Rules {
	return Rules{
		MinDailyRevenue:  cfg.MinDailyRevenue,
		MinContractValue: cfg.MinContractValue,
		MaxContractValue: cfg.MaxContractValue,
		TypicalContract:  cfg.TypicalContract,
	}
}

func (r Rules) Revenue(raw float64) float64 {
	if math.IsNaN(raw) {
		return r.MinDailyRevenue
	}
	return math.Max(raw, r.MinDailyRevenue)
}

// Contracts rounds to at least one contract, then rescales from revenue when
// the implied average contract value is implausible.
func (r Rules) Contracts(revenue, raw float64) float64 {
	contracts := math.Round(raw)
	if math.IsNaN(contracts) || contracts < 1 {
		contracts = 1
	}
	avg := revenue / contracts
	if avg < r.MinContractValue || avg > r.MaxContractValue {
		contracts = math.Max(1, math.Round(revenue/r.TypicalContract))
	}
	return contracts
}

// SegmentAdjustment scales segment revenue for the day's mix: party rentals
// concentrate on weekends, and winter suppresses outdoor work.
func SegmentAdjustment(segment models.Segment, day time.Time) float64 {
	adj := 1.0
	weekend := day.Weekday() == time.Saturday || day.Weekday() == time.Sunday
	winter := day.Month() == time.December || day.Month() <= time.February

	switch segment {
	case models.SegmentPartyEvent:
		if weekend {
			adj *= 1.3
		}
		if winter {
			adj *= 0.8
		}
	case models.SegmentConstructionDIY:
		if weekend {
			adj *= 0.7
		}
		if winter {
			adj *= 0.6
		}
	case models.SegmentLandscaping:
		if weekend {
			adj *= 1.1
		}
		if winter {
			adj *= 0.3
		}
	}
	return adj
}

// HeuristicBand is the fractional interval used without a fitted model.
const HeuristicBand = 0.3

type Interval struct {
	Lower80, Upper80 float64
	Lower95, Upper95 float64
}

// IntervalFor spreads ±1.28 and ±1.96 MAE around point when a model exists,
// else ±30%. Lower bounds never go below zero.
func IntervalFor(point, mae float64, hasModel bool) Interval {
	var w80, w95 float64
	if hasModel {
		w80, w95 = 1.28*mae, 1.96*mae
	} else {
		w80, w95 = HeuristicBand*point, HeuristicBand*point
	}
	return Interval{
		Lower80: math.Max(0, point-w80),
		Upper80: point + w80,
		Lower95: math.Max(0, point-w95),
		Upper95: point + w95,
	}
}
