package chartstate

import (
	"time"

	"github.com/eurocovid/casechart/internal/domain/surveillance"
)

// Selection is what the user currently has picked. Cursor is only set when
// Month is MonthNone.
type Selection struct {
	Entity string
	Month  surveillance.MonthFilter
	Cursor *time.Time
}

// Source names the dataset a view was computed from.
type Source string

const (
	SourceReference Source = "reference"
	SourceUpload    Source = "upload"
)

// MessageKind classifies View.Message.
type MessageKind string

const (
	MessageNone  MessageKind = ""
	MessageInfo  MessageKind = "info"
	MessageError MessageKind = "error"
)

// Point is one drawn data point.
type Point struct {
	Date   time.Time `json:"date"`
	Cases  int       `json:"cases"`
	Deaths *int      `json:"deaths,omitempty"`
}

// Scrubber describes the day-level slider. It is only visible when no
// month is selected.
type Scrubber struct {
	Visible bool       `json:"visible"`
	Min     *time.Time `json:"min,omitempty"`
	Max     *time.Time `json:"max,omitempty"`
	Cursor  *time.Time `json:"cursor,omitempty"`
}

// View is a complete render instruction for the rendering adapter.
type View struct {
	Session     string      `json:"session,omitempty"`
	Seq         uint64      `json:"seq"`
	Title       string      `json:"title"`
	Entity      string      `json:"entity"`
	DisplayName string      `json:"display_name,omitempty"`
	Month       string      `json:"month"`
	Points      []Point     `json:"points"`
	DomainMin   *time.Time  `json:"domain_min,omitempty"`
	DomainMax   *time.Time  `json:"domain_max,omitempty"`
	YMax        int         `json:"y_max"`
	Markers     bool        `json:"markers"`
	Scrubber    Scrubber    `json:"scrubber"`
	Playback    string      `json:"playback"`
	Message     string      `json:"message,omitempty"`
	MessageKind MessageKind `json:"message_kind,omitempty"`
	Empty       bool        `json:"empty"`
	Source      Source      `json:"source"`
	Entities    []string    `json:"entities"`
}

// Renderer draws views. The coordinator calls it after every state change.
type Renderer interface {
	Draw(v View)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(View)

// Draw implements Renderer.
func (f RendererFunc) Draw(v View) { f(v) }

// Metrics receives coordinator events. The zero Options use a no-op.
type Metrics interface {
	UploadObserved(outcome string)
	FrameApplied(stale bool)
}

type nopMetrics struct{}

func (nopMetrics) UploadObserved(string) {}
func (nopMetrics) FrameApplied(bool)     {}

// Upload outcomes reported to Metrics.
const (
	UploadOK       = "ok"
	UploadFormat   = "format_error"
	UploadParse    = "parse_error"
	UploadStale    = "stale"
	UploadRejected = "rejected"
)
