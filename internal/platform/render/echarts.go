package render

import (
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/eurocovid/casechart/internal/domain/chartstate"
)

const dayLayout = "2006-01-02"

// Page renders a view as an interactive go-echarts HTML page. The x axis
// has one category per day of the view's domain; days without a record
// are gaps.
type Page struct {
	Width, Height int
}

// NewPage returns an HTML encoder.
func NewPage(width, height int) *Page {
	return &Page{Width: width, Height: height}
}

// ContentType implements chartstate.Encoder.
func (p *Page) ContentType() string { return "text/html; charset=utf-8" }

// Encode implements chartstate.Encoder.
func (p *Page) Encode(w io.Writer, v chartstate.View) error {
	if v.Empty || len(v.Points) == 0 {
		return ErrNothingToDraw
	}

	min, max := v.Points[0].Date, v.Points[len(v.Points)-1].Date
	if v.DomainMin != nil {
		min = *v.DomainMin
	}
	if v.DomainMax != nil {
		max = *v.DomainMax
	}

	byDay := make(map[string]chartstate.Point, len(v.Points))
	for _, pt := range v.Points {
		byDay[pt.Date.Format(dayLayout)] = pt
	}

	var days []string
	var cases, deaths []opts.LineData
	hasDeaths := false
	for d := min; !d.After(max); d = d.AddDate(0, 0, 1) {
		key := d.Format(dayLayout)
		days = append(days, key)
		pt, ok := byDay[key]
		if !ok {
			cases = append(cases, opts.LineData{Value: nil})
			deaths = append(deaths, opts.LineData{Value: nil})
			continue
		}
		cases = append(cases, opts.LineData{Value: pt.Cases})
		if pt.Deaths != nil {
			hasDeaths = true
			deaths = append(deaths, opts.LineData{Value: *pt.Deaths})
		} else {
			deaths = append(deaths, opts.LineData{Value: nil})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: v.Title,
			Width:     px(p.Width, DefaultWidth),
			Height:    px(p.Height, DefaultHeight),
		}),
		charts.WithTitleOpts(opts.Title{Title: v.Title}),
		charts.WithTooltipOpts(opts.Tooltip{
			Show:    opts.Bool(true),
			Trigger: "axis",
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(hasDeaths), Right: "10"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Date"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Cases", Min: 0, Max: maxInt(v.YMax, 1)}),
	)
	line.SetXAxis(days)
	line.AddSeries("Cases", cases)
	if hasDeaths {
		line.AddSeries("Deaths", deaths)
	}
	line.SetSeriesOptions(
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(v.Markers)}),
	)

	if err := line.Render(w); err != nil {
		return fmt.Errorf("render page: %w", err)
	}
	return nil
}

func px(v, def int) string {
	if v <= 0 {
		v = def
	}
	return strconv.Itoa(v) + "px"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
