// Package narrative writes a short executive summary of an analysis run.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/lox/rentalweather/internal/apperr"
	"github.com/lox/rentalweather/internal/correlation"
	"github.com/lox/rentalweather/internal/forecast"
	"github.com/lox/rentalweather/internal/models"
	"github.com/lox/rentalweather/internal/seasonal"
)

const (
	SourceOpenAI   = "openai"
	SourceTemplate = "template"

	maxInsights = 3
)

var errNoKey = errors.New("OPENAI_API_KEY not set")

const systemPrompt = `You write two-paragraph briefings for the operations manager of a Minnesota equipment rental company.
Use only the numbers given. Plain sentences, no lists, no headings, under 150 words.`

// Input is what a summary is written from. Any field may be empty.
type Input struct {
	StoreCode    string
	Correlations []correlation.Result
	Leaders      []correlation.Result
	Seasonal     *seasonal.Report
	Forecast     *forecast.Result
}

type Summary struct {
	Text   string
	Source string
}

// Writer summarizes with an OpenAI chat model when a key is configured and
// falls back to a fixed template otherwise.
type Writer struct {
	client *openai.Client
	model  string
}

// New reads OPENAI_API_KEY. Without it every summary uses the template.
func New(model string, opts ...option.RequestOption) *Writer {
	w := &Writer{model: model}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(key)}, opts...)...)
		w.client = &c
	}
	return w
}

func (w *Writer) Summarize(ctx context.Context, in Input) Summary {
	facts := Facts(in)
	if w.client == nil {
		log.Printf("narrative: %v", apperr.Unavailable("narrative", errNoKey))
		return Summary{Text: strings.Join(facts, " "), Source: SourceTemplate}
	}

	resp, err := w.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(w.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(strings.Join(facts, "\n")),
		},
	})
	if err == nil && (len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "") {
		err = errors.New("empty completion")
	}
	if err != nil {
		log.Printf("narrative: %v", apperr.Unavailable("narrative: chat completion", err))
		return Summary{Text: strings.Join(facts, " "), Source: SourceTemplate}
	}
	return Summary{Text: strings.TrimSpace(resp.Choices[0].Message.Content), Source: SourceOpenAI}
}

// Facts renders the input as short sentences, strongest signals first.
func Facts(in Input) []string {
	var out []string
	scope := "All stores"
	if in.StoreCode != "" {
		scope = "Store " + in.StoreCode
	}

	n := 0
	for _, r := range in.Correlations {
		if !r.Qualifies() || n == maxInsights {
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s (%s, %d days).", scope, r.Insight, r.Strength, r.DataPoints))
		n++
	}
	if n == 0 && len(in.Correlations) > 0 {
		out = append(out, scope+": no weather factor moved business metrics meaningfully.")
	}

	for i, r := range in.Leaders {
		if i == 2 {
			break
		}
		out = append(out, fmt.Sprintf("%s leads %s by %d days (r=%.2f).",
			correlation.Label(r.Factor), strings.ToLower(correlation.Label(r.Metric)), r.OptimalLagDays, r.LagR))
	}

	if in.Seasonal != nil {
		if p, ok := in.Seasonal.Profiles[models.SegmentAll]; ok && len(p.Peak) > 0 {
			out = append(out, fmt.Sprintf("Peak months are %s; slowest are %s.", monthList(p.Peak), monthList(p.Low)))
		}
		for _, o := range in.Seasonal.Outlook {
			if len(o.Events) > 0 {
				out = append(out, fmt.Sprintf("%s %d outlook: $%.0f expected with %s.", o.Month.Month(), o.Month.Year(), o.Predicted, strings.Join(o.Events, ", ")))
				break
			}
		}
	}

	if in.Forecast != nil {
		totals := in.Forecast.Totals()
		if len(totals) > 0 {
			var rev, contracts float64
			for _, d := range totals {
				rev += d.Revenue
				contracts += d.Contracts
			}
			best := totals[0]
			for _, d := range totals[1:] {
				if d.Revenue > best.Revenue {
					best = d
				}
			}
			out = append(out, fmt.Sprintf("Next %d days: $%.0f revenue across %.0f contracts; busiest %s ($%.0f).",
				len(totals), rev, contracts, best.Date.Format("Mon Jan 2"), best.Revenue))
		}
	}

	if len(out) == 0 {
		out = append(out, scope+": not enough data for a summary yet.")
	}
	return out
}

func monthList(ms []time.Month) string {
	names := make([]string, len(ms))
	for i, m := range ms {
		names[i] = m.String()
	}
	return strings.Join(names, ", ")
}
