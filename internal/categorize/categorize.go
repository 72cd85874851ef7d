// Package categorize assigns rental equipment to an industry segment from
// the words in its POS name, category and department.
package categorize

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/lox/rentalweather/internal/models"
	"github.com/lox/rentalweather/internal/store"
)

type keyword struct {
	term   string
	weight float64
}

// segmentKeywords are matched against whole words or word prefixes.
var segmentKeywords = map[models.Segment][]keyword{
	models.SegmentPartyEvent: {
		{"tent", 3}, {"canopy", 3}, {"marquee", 3}, {"table", 2}, {"chair", 2}, {"linen", 2},
		{"dance", 2}, {"staging", 2}, {"stage", 2}, {"wedding", 3}, {"party", 3}, {"chafing", 2},
		{"bounce", 3}, {"inflatable", 3}, {"popcorn", 2}, {"cotton candy", 3}, {"heater", 1},
		{"lighting", 1}, {"arch", 1}, {"glassware", 2}, {"catering", 2},
	},
	models.SegmentConstructionDIY: {
		{"excavator", 3}, {"skid", 3}, {"loader", 3}, {"concrete", 3}, {"mixer", 2}, {"compactor", 3},
		{"jackhammer", 3}, {"breaker", 2}, {"scaffold", 3}, {"ladder", 2}, {"generator", 2},
		{"compressor", 2}, {"saw", 2}, {"drill", 2}, {"welder", 3}, {"lift", 2}, {"trencher", 3},
		{"dumpster", 2}, {"floor sander", 3}, {"tile", 2}, {"drywall", 3}, {"pump", 1},
	},
	models.SegmentLandscaping: {
		{"mower", 3}, {"tiller", 3}, {"aerator", 3}, {"dethatcher", 3}, {"sod cutter", 3},
		{"stump", 3}, {"chipper", 3}, {"hedge", 3}, {"trimmer", 2}, {"edger", 2}, {"seeder", 3},
		{"lawn", 3}, {"garden", 2}, {"leaf", 2}, {"blower", 1}, {"auger", 2}, {"post hole", 2},
		{"log splitter", 3}, {"landscape", 3}, {"rake", 1},
	},
}

// Outdoor-only equipment whose bookings follow the forecast.
var weatherDependentSegments = map[models.Segment]bool{
	models.SegmentPartyEvent:  true,
	models.SegmentLandscaping: true,
}

var indoorTerms = []string{"indoor", "floor", "drywall", "tile", "carpet", "chafing", "glassware", "linen"}

type Result struct {
	Segment          models.Segment
	Confidence       float64
	WeatherDependent bool
	CancellationRisk string
	Matched          []string
}

// Classify scores each segment by the weights of its matched keywords. The
// best segment wins; confidence is its share of all matched weight, reduced
// when little evidence was found. A near tie between two segments is mixed.
func Classify(eq models.POSEquipment) Result {
	text := normalise(strings.Join([]string{eq.Name, eq.Category, eq.Department}, " "))
	if text == "" {
		return Result{Segment: models.SegmentUncategorized, CancellationRisk: "low"}
	}

	scores := make(map[models.Segment]float64)
	var matched []string
	var total float64
	for seg, kws := range segmentKeywords {
		for _, kw := range kws {
			if containsTerm(text, kw.term) {
				scores[seg] += kw.weight
				total += kw.weight
				matched = append(matched, kw.term)
			}
		}
	}
	if total == 0 {
		return Result{Segment: models.SegmentUncategorized, CancellationRisk: "low"}
	}
	sort.Strings(matched)

	ranked := make([]models.Segment, 0, len(scores))
	for seg := range scores {
		ranked = append(ranked, seg)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if scores[ranked[i]] != scores[ranked[j]] {
			return scores[ranked[i]] > scores[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})

	best := ranked[0]
	res := Result{Segment: best, Matched: matched}
	res.Confidence = scores[best] / total
	if len(ranked) > 1 && scores[ranked[1]] >= 0.8*scores[best] {
		res.Segment = models.SegmentMixed
		res.Confidence = 0.5
	}
	// Single weak hits are less certain.
	if scores[best] < 3 {
		res.Confidence *= 0.7
	}
	res.Confidence = min(1, max(0, res.Confidence))

	res.WeatherDependent = weatherDependentSegments[res.Segment]
	for _, term := range indoorTerms {
		if containsTerm(text, term) {
			res.WeatherDependent = false
			break
		}
	}
	res.CancellationRisk = cancellationRisk(res)
	return res
}

func cancellationRisk(r Result) string {
	switch {
	case r.WeatherDependent && r.Segment == models.SegmentPartyEvent:
		return "high"
	case r.WeatherDependent:
		return "medium"
	}
	return "low"
}

func normalise(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// containsTerm matches term at a word start, so "tent" matches "tents" but
// not "content".
func containsTerm(text, term string) bool {
	for i := 0; ; {
		j := strings.Index(text[i:], term)
		if j < 0 {
			return false
		}
		pos := i + j
		if pos == 0 || text[pos-1] == ' ' {
			return true
		}
		i = pos + 1
	}
}

type Categorizer struct {
	store *store.Store
	now   func() time.Time
}

func New(s *store.Store) *Categorizer {
	return &Categorizer{store: s, now: time.Now}
}

type Summary struct {
	Items    int
	Segments map[models.Segment]int
}

// CategorizeAll classifies every known equipment item and overwrites its
// stored categorization.
func (c *Categorizer) CategorizeAll(ctx context.Context) (Summary, error) {
	items, err := c.store.ListEquipment(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list equipment: %w", err)
	}

	sum := Summary{Segments: make(map[models.Segment]int)}
	now := c.now().UTC()
	for _, eq := range items {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		r := Classify(eq)
		err := c.store.UpsertCategorization(ctx, models.EquipmentCategorization{
			ItemNum:          eq.ItemNum,
			Segment:          r.Segment,
			Confidence:       r.Confidence,
			WeatherDependent: r.WeatherDependent,
			CancellationRisk: r.CancellationRisk,
			MatchedKeywords:  strings.Join(r.Matched, ","),
			UpdatedAt:        now,
		})
		if err != nil {
			return sum, fmt.Errorf("upsert categorization %s: %w", eq.ItemNum, err)
		}
		sum.Items++
		sum.Segments[r.Segment]++
	}
	log.Printf("categorize: classified %d items %v", sum.Items, sum.Segments)
	return sum, nil
}
