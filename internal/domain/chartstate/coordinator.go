package chartstate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eurocovid/casechart/internal/domain/playback"
	"github.com/eurocovid/casechart/internal/domain/surveillance"
)

// DefaultFallbackYear is the month-filter year used when no dataset is
// available to derive one from.
const DefaultFallbackYear = 2020

var (
	// ErrStaleUpload is returned when a newer upload began before this one
	// finished. The stale payload is discarded.
	ErrStaleUpload = errors.New("upload superseded by a newer upload")
	// ErrScrubberHidden is returned when the cursor is moved while a month
	// filter hides the scrubber.
	ErrScrubberHidden = fmt.Errorf("%w: scrubber is hidden while a month is selected", playback.ErrInvalidTransition)
	// ErrNoSelection is returned by playback operations without an entity.
	ErrNoSelection = fmt.Errorf("%w: no country selected", playback.ErrInvalidTransition)
)

const (
	msgSelectEntity    = "Select a country to display data"
	msgPlaybackDone    = "Playback finished"
	msgReferenceFailed = "Reference dataset unavailable"
)

// Options configures a Coordinator.
type Options struct {
	Scheduler    playback.Scheduler
	Interval     time.Duration
	FallbackYear int
	Renderer     Renderer
	Metrics      Metrics
	Logger       zerolog.Logger
}

// Coordinator owns one chart: the selection, the uploaded dataset, the
// marker toggle, the playback controller and the last rendered view. All
// operations are serialized.
type Coordinator struct {
	id       string
	ref      surveillance.ReferenceSource
	renderer Renderer
	metrics  Metrics
	logger   zerolog.Logger
	fallback int

	mu        sync.Mutex
	sel       Selection
	uploaded  *surveillance.Dataset
	uploadGen uint64
	markers   bool
	player    *playback.Controller
	view      View
	seq       uint64
	touched   time.Time
}

// NewCoordinator creates a coordinator in the empty "no selection" state.
func NewCoordinator(id string, ref surveillance.ReferenceSource, opts Options) *Coordinator {
	if opts.FallbackYear == 0 {
		opts.FallbackYear = DefaultFallbackYear
	}
	if opts.Renderer == nil {
		opts.Renderer = RendererFunc(func(View) {})
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	c := &Coordinator{
		id:       id,
		ref:      ref,
		renderer: opts.Renderer,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With().Str("session", id).Logger(),
		fallback: opts.FallbackYear,
		markers:  true,
		touched:  time.Now(),
	}
	c.player = playback.New(opts.Scheduler, opts.Interval, c.onFrame, opts.Logger)

	c.mu.Lock()
	c.recompute()
	c.mu.Unlock()
	return c
}

// ID returns the session id.
func (c *Coordinator) ID() string { return c.id }

// View returns the last computed view.
func (c *Coordinator) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Selection returns a copy of the current selection.
func (c *Coordinator) Selection() Selection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sel
}

// OnEntityChange selects entity, resets playback and redraws.
func (c *Coordinator) OnEntityChange(entity string) View {
	c.mu.Lock()
	c.player.Reset()
	c.sel.Entity = entity
	c.sel.Cursor = nil
	v := c.recompute()
	c.mu.Unlock()

	c.renderer.Draw(v)
	return v
}

// OnMonthChange selects month, resets playback and redraws.
func (c *Coordinator) OnMonthChange(month surveillance.MonthFilter) View {
	c.mu.Lock()
	c.player.Reset()
	c.sel.Month = month
	c.sel.Cursor = nil
	v := c.recompute()
	c.mu.Unlock()

	c.renderer.Draw(v)
	return v
}

// OnCursorTick moves the cursor to date and redraws without touching the
// playback state.
func (c *Coordinator) OnCursorTick(date time.Time) (View, error) {
	c.mu.Lock()
	if c.sel.Month != surveillance.MonthNone {
		v := c.fail(ErrScrubberHidden)
		c.mu.Unlock()
		c.renderer.Draw(v)
		return v, ErrScrubberHidden
	}
	if c.sel.Entity == "" {
		v := c.fail(ErrNoSelection)
		c.mu.Unlock()
		c.renderer.Draw(v)
		return v, ErrNoSelection
	}
	if lo, hi, ok := c.scrubberRange(); ok {
		date = clampDay(surveillance.Day(date), lo, hi)
	}
	f := c.player.Seek(date)
	cur := f.Cursor
	c.sel.Cursor = &cur
	v := c.recompute()
	c.mu.Unlock()

	c.renderer.Draw(v)
	return v, nil
}

// BeginUpload starts an upload and returns its generation. Only the most
// recently begun upload may be applied.
func (c *Coordinator) BeginUpload() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploadGen++
	return c.uploadGen
}

// OnFileUploaded normalizes raw and, on success, replaces the active dataset
// with it, selecting its (single) entity with no month or cursor. On failure
// the previous chart stays as it was and the error becomes the view message.
func (c *Coordinator) OnFileUploaded(gen uint64, raw []byte) (View, error) {
	records, nerr := surveillance.Normalize(raw)

	c.mu.Lock()
	if gen != c.uploadGen {
		v := c.view
		c.mu.Unlock()
		c.metrics.UploadObserved(UploadStale)
		c.logger.Debug().Uint64("gen", gen).Msg("dropping stale upload")
		return v, ErrStaleUpload
	}
	if nerr != nil {
		v := c.fail(uploadError(nerr))
		c.mu.Unlock()
		c.metrics.UploadObserved(uploadOutcome(nerr))
		c.logger.Info().Err(nerr).Msg("upload rejected")
		c.renderer.Draw(v)
		return v, nerr
	}

	c.player.Reset()
	c.uploaded = surveillance.NewDataset(records)
	c.sel = Selection{Entity: records[0].Entity, Month: surveillance.MonthNone}
	v := c.recompute()
	c.mu.Unlock()

	c.metrics.UploadObserved(UploadOK)
	c.logger.Info().
		Int("records", len(records)).
		Str("entity", records[0].Entity).
		Msg("upload applied")
	c.renderer.Draw(v)
	return v, nil
}

// OnClear discards the uploaded dataset and any in-flight upload, and
// returns to the empty state.
func (c *Coordinator) OnClear() View {
	c.mu.Lock()
	c.player.Reset()
	c.uploaded = nil
	c.uploadGen++
	c.sel = Selection{}
	v := c.recompute()
	c.mu.Unlock()

	c.renderer.Draw(v)
	return v
}

// OnToggleMarkers flips per-point marker visibility.
func (c *Coordinator) OnToggleMarkers() View {
	c.mu.Lock()
	c.markers = !c.markers
	c.view.Markers = c.markers
	v := c.stamp()
	c.mu.Unlock()

	c.renderer.Draw(v)
	return v
}

// Play starts playback across the current selection's domain.
func (c *Coordinator) Play() (View, error) {
	return c.playback(func(min, max time.Time) (playback.Frame, error) {
		return c.player.Start(min, max, c.sel.Cursor, c.sel.Month != surveillance.MonthNone)
	})
}

// Pause pauses a running playback.
func (c *Coordinator) Pause() (View, error) {
	c.mu.Lock()
	if err := c.player.Pause(); err != nil {
		v := c.fail(err)
		c.mu.Unlock()
		c.renderer.Draw(v)
		return v, err
	}
	c.view.Playback = c.player.State().String()
	v := c.stamp()
	c.mu.Unlock()

	c.renderer.Draw(v)
	return v, nil
}

// TogglePlayback starts, pauses or resumes playback.
func (c *Coordinator) TogglePlayback() (View, error) {
	return c.playback(func(min, max time.Time) (playback.Frame, error) {
		return c.player.Toggle(min, max, c.sel.Cursor, c.sel.Month != surveillance.MonthNone)
	})
}

// Close stops playback. The coordinator must not be used afterwards.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.player.Reset()
}

// Touch records activity for idle expiry.
func (c *Coordinator) Touch() {
	c.mu.Lock()
	c.touched = time.Now()
	c.mu.Unlock()
}

// LastActive returns when the coordinator was last touched.
func (c *Coordinator) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.touched
}

// Refresh recomputes the view, e.g. after the reference dataset reloaded.
func (c *Coordinator) Refresh() View {
	c.mu.Lock()
	v := c.recompute()
	c.mu.Unlock()

	c.renderer.Draw(v)
	return v
}

func (c *Coordinator) playback(start func(min, max time.Time) (playback.Frame, error)) (View, error) {
	c.mu.Lock()
	if c.sel.Entity == "" {
		v := c.fail(ErrNoSelection)
		c.mu.Unlock()
		c.renderer.Draw(v)
		return v, ErrNoSelection
	}

	var min, max time.Time
	if ds, _, err := c.active(); err == nil {
		min, max, _ = surveillance.Domain(ds, c.sel.Entity, c.sel.Month, nil, c.fallback)
	}
	f, err := start(min, max)
	if err != nil {
		v := c.fail(err)
		c.mu.Unlock()
		c.renderer.Draw(v)
		return v, err
	}
	cur := f.Cursor
	c.sel.Cursor = &cur
	v := c.recompute()
	c.mu.Unlock()

	c.renderer.Draw(v)
	return v, nil
}

// onFrame applies a playback tick. Frames from an earlier generation are
// dropped.
func (c *Coordinator) onFrame(f playback.Frame) {
	c.mu.Lock()
	if !c.player.Current(f.Gen) {
		c.mu.Unlock()
		c.metrics.FrameApplied(true)
		return
	}
	cur := f.Cursor
	c.sel.Cursor = &cur
	v := c.recompute()
	if f.Stopped {
		c.view.Message, c.view.MessageKind = msgPlaybackDone, MessageInfo
		v = c.view
	}
	c.mu.Unlock()

	c.metrics.FrameApplied(false)
	c.renderer.Draw(v)
}

// active returns the dataset views are computed from. Callers hold c.mu.
func (c *Coordinator) active() (*surveillance.Dataset, Source, error) {
	if c.uploaded != nil {
		return c.uploaded, SourceUpload, nil
	}
	if c.ref == nil {
		return nil, SourceReference, surveillance.ErrReferenceNotLoaded
	}
	ds, err := c.ref.Reference()
	return ds, SourceReference, err
}

// scrubberRange returns the first and last day of the selected entity's
// series. Callers hold c.mu.
func (c *Coordinator) scrubberRange() (lo, hi time.Time, ok bool) {
	ds, _, err := c.active()
	if err != nil {
		return lo, hi, false
	}
	full := surveillance.Filter(ds, c.sel.Entity, surveillance.MonthNone, nil, c.fallback)
	if len(full) == 0 {
		return lo, hi, false
	}
	return full[0].Date, full[len(full)-1].Date, true
}

func clampDay(t, lo, hi time.Time) time.Time {
	if t.Before(lo) {
		return lo
	}
	if t.After(hi) {
		return hi
	}
	return t
}

// recompute rebuilds c.view from the current state. Callers hold c.mu.
func (c *Coordinator) recompute() View {
	v := View{
		Session:  c.id,
		Entity:   c.sel.Entity,
		Month:    c.sel.Month.String(),
		Points:   []Point{},
		Markers:  c.markers,
		Playback: c.player.State().String(),
		Empty:    true,
		Entities: []string{},
	}

	ds, src, err := c.active()
	v.Source = src
	if err != nil {
		v.Message = fmt.Sprintf("%s: %v", msgReferenceFailed, err)
		v.MessageKind = MessageError
		c.view = v
		return c.stamp()
	}
	v.Entities = ds.Entities()

	if c.sel.Entity == "" {
		v.Message, v.MessageKind = msgSelectEntity, MessageInfo
		c.view = v
		return c.stamp()
	}

	year := ds.ReferenceYear(c.fallback)
	v.DisplayName = surveillance.DisplayName(c.sel.Entity)
	v.Title = Title(c.sel.Entity, c.sel.Month, year)

	full := surveillance.Filter(ds, c.sel.Entity, c.sel.Month, nil, c.fallback)
	records, err := surveillance.Select(ds, c.sel.Entity, c.sel.Month, c.sel.Cursor, c.fallback)
	if len(full) == 0 {
		v.Message, v.MessageKind = err.Error(), MessageInfo
		c.view = v
		return c.stamp()
	}

	min, max, _ := surveillance.Domain(ds, c.sel.Entity, c.sel.Month, c.sel.Cursor, c.fallback)
	v.DomainMin, v.DomainMax = &min, &max
	v.YMax = 1
	for _, r := range full {
		if r.Cases > v.YMax {
			v.YMax = r.Cases
		}
	}
	for _, r := range records {
		v.Points = append(v.Points, Point{Date: r.Date, Cases: r.Cases, Deaths: r.Deaths})
	}
	v.Empty = len(v.Points) == 0

	if c.sel.Month == surveillance.MonthNone {
		lo, hi := full[0].Date, full[len(full)-1].Date
		v.Scrubber = Scrubber{Visible: true, Min: &lo, Max: &hi, Cursor: c.sel.Cursor}
	}

	c.view = v
	return c.stamp()
}

// fail puts err on the current view without touching the drawn state.
// Callers hold c.mu.
func (c *Coordinator) fail(err error) View {
	c.view.Message = err.Error()
	c.view.MessageKind = MessageError
	return c.stamp()
}

// stamp assigns the next sequence number. Callers hold c.mu.
func (c *Coordinator) stamp() View {
	c.seq++
	c.view.Seq = c.seq
	c.touched = time.Now()
	return c.view
}

func uploadError(err error) error {
	switch {
	case errors.Is(err, surveillance.ErrNoData):
		return fmt.Errorf("no data available: %w", err)
	case surveillance.IsParse(err):
		return fmt.Errorf("could not read file: %w", err)
	default:
		return err
	}
}

func uploadOutcome(err error) string {
	switch {
	case surveillance.IsParse(err):
		return UploadParse
	case surveillance.IsFormat(err):
		return UploadFormat
	default:
		return UploadRejected
	}
}
