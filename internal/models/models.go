package models

import (
	"database/sql"
	"time"
)

// DateLayout is how calendar dates are stored and keyed.
const DateLayout = "2006-01-02"

type Segment string

const (
	SegmentPartyEvent      Segment = "party_event"
	SegmentConstructionDIY Segment = "construction_diy"
	SegmentLandscaping     Segment = "landscaping"
	SegmentMixed           Segment = "mixed"
	SegmentUncategorized   Segment = "uncategorized"

	// SegmentAll labels analyses that span every segment.
	SegmentAll Segment = "all"
)

// BusinessSegments are the segments with their own revenue targets.
var BusinessSegments = []Segment{SegmentPartyEvent, SegmentConstructionDIY, SegmentLandscaping}

func (s Segment) Valid() bool {
	switch s {
	case SegmentPartyEvent, SegmentConstructionDIY, SegmentLandscaping, SegmentMixed, SegmentUncategorized:
		return true
	}
	return false
}

type WeatherObservation struct {
	ID            int64
	Date          time.Time
	LocationCode  string
	Source        string // "nws", "import"
	TempHigh      sql.NullFloat64
	TempLow       sql.NullFloat64
	TempAvg       sql.NullFloat64
	Precipitation sql.NullFloat64
	WindSpeed     sql.NullFloat64
	Humidity      sql.NullFloat64
	Condition     sql.NullString
	IsForecast    bool
	FetchedAt     time.Time
}

type POSTransaction struct {
	ContractNo   string
	StoreCode    string
	ContractDate time.Time
	Status       string
	CustomerNo   string
	RentAmt      float64
	SaleAmt      float64
}

type POSTransactionItem struct {
	ContractNo  string
	LineNo      int
	ItemNum     string
	Description string
	Qty         float64
	RentAmt     float64
	SaleAmt     float64
}

type POSEquipment struct {
	ItemNum    string
	Name       string
	Category   string
	Department string
	StoreCode  string
}

type EquipmentCategorization struct {
	ItemNum          string
	Segment          Segment
	Confidence       float64
	WeatherDependent bool
	CancellationRisk string // "low", "medium", "high"
	MatchedKeywords  string
	UpdatedAt        time.Time
}

// BusinessDay is a POS aggregate for one calendar day. StoreCode and Segment
// are empty when the aggregate spans all stores or all segments.
type BusinessDay struct {
	Date      time.Time
	StoreCode string
	Segment   Segment
	Revenue   float64
	Contracts int
	Items     int
}

// TransactionFact is one contract's revenue for one segment, used by seasonal analysis.
type TransactionFact struct {
	Date             time.Time
	StoreCode        string
	ContractNo       string
	Revenue          float64
	Segment          Segment
	WeatherDependent bool
}

type WeatherRentalCorrelation struct {
	ID             int64
	AnalysisDate   time.Time
	StoreCode      string
	WeatherFactor  string
	Segment        Segment
	BusinessMetric string
	PearsonR       float64
	PValue         float64
	SpearmanR      float64
	SpearmanP      float64
	Strength       string
	IsSignificant  bool
	OptimalLagDays int
	DataPoints     int
	Insight        string
	RunID          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type WeatherForecastDemand struct {
	ID               int64
	ForecastDate     time.Time
	StoreCode        string
	Segment          Segment
	PredictedRevenue float64
	PredictedUnits   float64
	ConfidenceLevel  float64
	Lower80          float64
	Upper80          float64
	Lower95          float64
	Upper95          float64
	Method           string
	RunID            string
	ActualRevenue    sql.NullFloat64
	ActualUnits      sql.NullFloat64
	AccuracyPct      sql.NullFloat64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type SeasonalPattern struct {
	PatternType        string
	Segment            Segment
	Season             string
	DemandMultiplier   float64
	WeatherSensitivity float64
	LeadTimeDays       int
	PeakMonths         string
	UpdatedAt          time.Time
}

type ForecastAccuracy struct {
	StoreCode string
	Count     int
	MAE       sql.NullFloat64
	MAPE      sql.NullFloat64
	MeanBias  sql.NullFloat64
}

// Day truncates t to a UTC calendar date.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
