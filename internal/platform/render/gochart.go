// Package render turns chart views into images and pages.
package render

import (
	"fmt"
	"io"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/eurocovid/casechart/internal/domain/chartstate"
)

// ErrNothingToDraw is returned for views without points.
var ErrNothingToDraw = chartstate.ErrNothingToDraw

const (
	DefaultWidth  = 960
	DefaultHeight = 480
)

var (
	casesColor  = drawing.ColorFromHex("1f77b4")
	deathsColor = drawing.ColorFromHex("d62728")
)

// Image renders views with go-chart as PNG or SVG.
type Image struct {
	Width, Height int
	svg           bool
}

// NewPNG returns a PNG encoder. Non-positive sizes select the defaults.
func NewPNG(width, height int) *Image {
	return &Image{Width: width, Height: height}
}

// NewSVG returns an SVG encoder.
func NewSVG(width, height int) *Image {
	return &Image{Width: width, Height: height, svg: true}
}

// ContentType implements chartstate.Encoder.
func (im *Image) ContentType() string {
	if im.svg {
		return "image/svg+xml"
	}
	return "image/png"
}

// Encode implements chartstate.Encoder.
func (im *Image) Encode(w io.Writer, v chartstate.View) error {
	if v.Empty || len(v.Points) == 0 {
		return ErrNothingToDraw
	}

	xs := make([]time.Time, len(v.Points))
	cases := make([]float64, len(v.Points))
	var deathsX []time.Time
	var deaths []float64
	for i, p := range v.Points {
		xs[i] = p.Date
		cases[i] = float64(p.Cases)
		if p.Deaths != nil {
			deathsX = append(deathsX, p.Date)
			deaths = append(deaths, float64(*p.Deaths))
		}
	}

	series := []chart.Series{timeSeries("Cases", xs, cases, casesColor, v.Markers)}
	if len(deaths) > 0 {
		series = append(series, timeSeries("Deaths", deathsX, deaths, deathsColor, v.Markers))
	}

	min, max := xs[0], xs[len(xs)-1]
	if v.DomainMin != nil {
		min = *v.DomainMin
	}
	if v.DomainMax != nil {
		max = *v.DomainMax
	}
	if !max.After(min) {
		max = min.AddDate(0, 0, 1)
	}
	yMax := float64(v.YMax)
	if yMax < 1 {
		yMax = 1
	}

	ch := chart.Chart{
		Title:  v.Title,
		Width:  orDefault(im.Width, DefaultWidth),
		Height: orDefault(im.Height, DefaultHeight),
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 16, Right: 16, Bottom: 16},
		},
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
			Range:          &chart.ContinuousRange{Min: chart.TimeToFloat64(min), Max: chart.TimeToFloat64(max)},
		},
		YAxis: chart.YAxis{
			Name:  "Cases",
			Range: &chart.ContinuousRange{Min: 0, Max: yMax},
		},
		Series: series,
	}
	if len(series) > 1 {
		ch.Elements = []chart.Renderable{chart.Legend(&ch)}
	}

	provider := chart.PNG
	if im.svg {
		provider = chart.SVG
	}
	if err := ch.Render(provider, w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}

// timeSeries pads a single point to two so go-chart can compute a range.
func timeSeries(name string, xs []time.Time, ys []float64, col drawing.Color, markers bool) chart.TimeSeries {
	if len(xs) == 1 {
		xs = []time.Time{xs[0], xs[0].Add(time.Second)}
		ys = []float64{ys[0], ys[0]}
	}
	st := chart.Style{
		StrokeColor: col,
		StrokeWidth: 2,
	}
	if markers {
		st.DotWidth = 3
		st.DotColor = col
	}
	return chart.TimeSeries{Name: name, XValues: xs, YValues: ys, Style: st}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
