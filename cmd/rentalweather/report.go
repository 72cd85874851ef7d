package main

import (
	"database/sql"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lox/rentalweather/internal/categorize"
	"github.com/lox/rentalweather/internal/forecast"
	"github.com/lox/rentalweather/internal/models"
	"github.com/lox/rentalweather/internal/pipeline"
	"github.com/lox/rentalweather/internal/seasonal"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func scopeLabel(code string) string {
	if code == "" {
		return "all stores"
	}
	return "store " + code
}

func printSegments(w io.Writer, sum categorize.Summary) {
	fmt.Fprintf(w, "categorized %d items\n\n", sum.Items)
	segs := make([]string, 0, len(sum.Segments))
	for seg := range sum.Segments {
		segs = append(segs, string(seg))
	}
	sort.Strings(segs)

	tw := newTable(w)
	fmt.Fprintln(tw, "SEGMENT\tITEMS")
	for _, seg := range segs {
		fmt.Fprintf(tw, "%s\t%d\n", seg, sum.Segments[models.Segment(seg)])
	}
	tw.Flush()
}

func printCorrelations(w io.Writer, r *pipeline.CorrelationReport) {
	fmt.Fprintf(w, "%s, %s to %s, %d days\n\n", scopeLabel(r.StoreCode),
		r.Start.Format(models.DateLayout), r.End.Format(models.DateLayout), r.Rows)

	tw := newTable(w)
	fmt.Fprintln(tw, "FACTOR\tMETRIC\tPEARSON\tP\tSPEARMAN\tSTRENGTH\tLAG\tLAG R")
	for _, c := range r.Matrix.Results() {
		sig := ""
		if c.IsSignificant {
			sig = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%+.3f%s\t%.4f\t%+.3f\t%s\t%d\t%+.3f\n",
			c.Factor, c.Metric, c.PearsonR, sig, c.PValue, c.SpearmanR, c.Strength, c.OptimalLagDays, c.LagR)
	}
	tw.Flush()

	if len(r.Leaders) > 0 {
		fmt.Fprintln(w, "\nleading indicators:")
		for _, l := range r.Leaders {
			fmt.Fprintf(w, "  %s\n", l.LagInterpretation)
		}
	}
}

func printSeasonal(w io.Writer, r *seasonal.Report) {
	fmt.Fprintf(w, "%s, %s to %s\n\n", scopeLabel(r.Request.StoreCode),
		r.Request.Start.Format(models.DateLayout), r.Request.End.Format(models.DateLayout))

	segs := make([]string, 0, len(r.Profiles))
	for seg := range r.Profiles {
		segs = append(segs, string(seg))
	}
	sort.Strings(segs)

	tw := newTable(w)
	header := []string{"SEGMENT"}
	for m := time.January; m <= time.December; m++ {
		header = append(header, strings.ToUpper(m.String()[:3]))
	}
	fmt.Fprintln(tw, strings.Join(append(header, "STRENGTH"), "\t"))
	for _, seg := range segs {
		p := r.Profiles[models.Segment(seg)]
		row := []string{seg}
		for m := time.January; m <= time.December; m++ {
			row = append(row, fmt.Sprintf("%.2f", p.Index[m]))
		}
		row = append(row, fmt.Sprintf("%.2f", p.Strength))
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()

	if len(r.Outlook) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = newTable(w)
	fmt.Fprintln(tw, "MONTH\tBASELINE\tEVENT\tWEATHER\tPREDICTED\tCONFIDENCE\tEVENTS")
	for _, o := range r.Outlook {
		fmt.Fprintf(tw, "%s\t%.0f\t%.2f\t%.2f\t%.0f\t%.1f\t%s\n",
			o.Month.Format("2006-01"), o.Baseline, o.EventFactor, o.WeatherFactor, o.Predicted, o.Confidence,
			strings.Join(o.Events, ", "))
	}
	tw.Flush()
}

func printForecast(w io.Writer, res *forecast.Result) {
	fmt.Fprintf(w, "%s, from %s\n\n", scopeLabel(res.StoreCode), res.Start.Format(models.DateLayout))

	tw := newTable(w)
	fmt.Fprintln(tw, "DATE\tSEGMENT\tREVENUE\t80% RANGE\tCONTRACTS\tHIGH F\tPRECIP\tCONF\tMETHOD")
	for _, d := range res.Days {
		weather := "clim"
		if d.FromForecast {
			weather = "fcst"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.0f\t%.0f-%.0f\t%.0f\t%.0f (%s)\t%.2f\t%.2f\t%s\n",
			d.Date.Format("Mon 2006-01-02"), d.Segment, d.Revenue, d.Interval.Lower80, d.Interval.Upper80,
			d.Contracts, d.Weather.TempHigh, weather, d.Weather.Precipitation, d.Confidence, d.Method)
	}
	tw.Flush()

	names := make([]string, 0, len(res.Models))
	for name := range res.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w)
	for _, name := range names {
		m := res.Models[name]
		if m.Method == forecast.MethodHeuristic {
			fmt.Fprintf(w, "%s: heuristic from %d days of history\n", name, m.Rows)
			continue
		}
		fmt.Fprintf(w, "%s: %s, cv mae %.2f over %d rows\n", name, m.Method, m.MAE, m.Rows)
	}
}

func printAccuracy(w io.Writer, rows []models.ForecastAccuracy) {
	tw := newTable(w)
	fmt.Fprintln(tw, "STORE\tFORECASTS\tMAE\tMAPE\tBIAS")
	for _, r := range rows {
		code := r.StoreCode
		if code == "" {
			code = "all"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", code, r.Count,
			nullFloat(r.MAE, "%.0f"), nullFloat(r.MAPE, "%.1f%%"), nullFloat(r.MeanBias, "%+.0f"))
	}
	tw.Flush()
}

func nullFloat(v sql.NullFloat64, format string) string {
	if !v.Valid {
		return "-"
	}
	return fmt.Sprintf(format, v.Float64)
}
