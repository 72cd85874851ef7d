// Package seasonal finds recurring calendar-driven demand patterns in POS
// history and seeds a twelve-month outlook from them.
package seasonal

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/rentalweather/internal/models"
)

var ErrNoRevenue = errors.New("no revenue to index")

// Profile is the month-of-year seasonality of one revenue series. Index is
// 1.0 for an average month.
type Profile struct {
	Index    map[time.Month]float64
	Peak     []time.Month
	Low      []time.Month
	Strength float64
}

// MonthlyTotals sums fact revenue by calendar month, across years.
func MonthlyTotals(facts []models.TransactionFact) map[time.Month]float64 {
	totals := make(map[time.Month]float64)
	for _, f := range facts {
		totals[f.Date.Month()] += f.Revenue
	}
	return totals
}

// MonthlyIndices divides each month's total by the mean over the months
// present. The three highest months are peak, the three lowest are low, and
// strength is the sample standard deviation of the indices.
func MonthlyIndices(totals map[time.Month]float64) (Profile, error) {
	months := make([]time.Month, 0, len(totals))
	var sum float64
	for m, v := range totals {
		months = append(months, m)
		sum += v
	}
	if len(months) == 0 || sum == 0 {
		return Profile{}, ErrNoRevenue
	}
	sort.Slice(months, func(i, j int) bool { return months[i] < months[j] })
	mean := sum / float64(len(months))

	p := Profile{Index: make(map[time.Month]float64, len(months))}
	values := make([]float64, len(months))
	for i, m := range months {
		p.Index[m] = totals[m] / mean
		values[i] = p.Index[m]
	}
	if len(values) > 1 {
		p.Strength = stat.StdDev(values, nil)
	}

	byIndex := append([]time.Month(nil), months...)
	sort.SliceStable(byIndex, func(i, j int) bool { return p.Index[byIndex[i]] > p.Index[byIndex[j]] })
	k := min(3, len(byIndex))
	p.Peak = append([]time.Month(nil), byIndex[:k]...)

	sort.SliceStable(byIndex, func(i, j int) bool { return p.Index[byIndex[i]] < p.Index[byIndex[j]] })
	p.Low = append([]time.Month(nil), byIndex[:k]...)
	return p, nil
}

// Multiplier returns the index for month, or 1 when the month has no history.
func (p Profile) Multiplier(month time.Month) float64 {
	if v, ok := p.Index[month]; ok {
		return v
	}
	return 1
}

// Max is the highest monthly index.
func (p Profile) Max() float64 {
	if len(p.Peak) == 0 {
		return 1
	}
	return p.Index[p.Peak[0]]
}

// SeasonOf names the meteorological season of a month.
func SeasonOf(m time.Month) string {
	switch m {
	case time.December, time.January, time.February:
		return "winter"
	case time.March, time.April, time.May:
		return "spring"
	case time.June, time.July, time.August:
		return "summer"
	}
	return "fall"
}

// FormatMonths renders months as "6,7,8".
func FormatMonths(months []time.Month) string {
	parts := make([]string, len(months))
	for i, m := range months {
		parts[i] = strconv.Itoa(int(m))
	}
	return strings.Join(parts, ",")
}

// ParseMonths reverses FormatMonths.
func ParseMonths(s string) ([]time.Month, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []time.Month
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 1 || n > 12 {
			return nil, fmt.Errorf("invalid month %q", part)
		}
		out = append(out, time.Month(n))
	}
	return out, nil
}
