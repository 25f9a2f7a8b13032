package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval is the wall-clock period between ticks.
const DefaultInterval = 100 * time.Millisecond

// State is the playback state machine position.
type State int

const (
	Idle State = iota
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "idle"
	}
}

// ErrInvalidTransition is wrapped by every rejected state change.
var ErrInvalidTransition = errors.New("invalid playback transition")

var (
	ErrMonthSelected = fmt.Errorf("%w: playback requires month filter None", ErrInvalidTransition)
	ErrEmptyDomain   = fmt.Errorf("%w: no dates to play", ErrInvalidTransition)
	ErrNotPlaying    = fmt.Errorf("%w: playback is not running", ErrInvalidTransition)
	ErrNotPaused     = fmt.Errorf("%w: playback is not paused", ErrInvalidTransition)
)

// Frame is one cursor update. Stopped is set on the frame emitted when the
// cursor would pass the end of the domain.
type Frame struct {
	Gen     uint64
	Cursor  time.Time
	State   State
	Stopped bool
}

// Sink receives frames produced by ticks. It is called from the scheduler's
// goroutine and never while the controller holds its lock.
type Sink func(Frame)

// Controller advances a cursor one calendar day per tick between min and
// max. At most one tick is ever scheduled.
type Controller struct {
	sched    Scheduler
	interval time.Duration
	sink     Sink
	logger   zerolog.Logger

	mu       sync.Mutex
	state    State
	cursor   time.Time
	hasCur   bool
	min, max time.Time
	gen      uint64
	task     Task
}

// New creates an idle controller. A non-positive interval selects
// DefaultInterval.
func New(sched Scheduler, interval time.Duration, sink Sink, logger zerolog.Logger) *Controller {
	if sched == nil {
		sched = RealScheduler{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if sink == nil {
		sink = func(Frame) {}
	}
	return &Controller{
		sched:    sched,
		interval: interval,
		sink:     sink,
		logger:   logger.With().Str("component", "playback").Logger(),
	}
}

// Interval returns the tick period.
func (c *Controller) Interval() time.Duration { return c.interval }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cursor returns the cursor, or nil when none is set.
func (c *Controller) Cursor() *time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasCur {
		return nil
	}
	t := c.cursor
	return &t
}

// Current reports whether a frame of generation gen is still valid.
func (c *Controller) Current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

// Start begins playback over [min, max] from the given cursor. A nil cursor,
// or one at or past max, restarts from min. A running playback is replaced.
// The initial frame is returned rather than sent to the sink.
func (c *Controller) Start(min, max time.Time, from *time.Time, monthSelected bool) (Frame, error) {
	if monthSelected {
		return Frame{}, ErrMonthSelected
	}
	if min.IsZero() || max.IsZero() || max.Before(min) {
		return Frame{}, ErrEmptyDomain
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopTask()
	c.min, c.max = day(min), day(max)
	start := c.min
	if from != nil {
		f := day(*from)
		if !f.Before(c.min) && f.Before(c.max) {
			start = f
		}
	}
	c.cursor, c.hasCur = start, true
	c.state = Playing
	c.gen++
	c.schedule()

	c.logger.Debug().
		Time("from", start).
		Time("to", c.max).
		Uint64("gen", c.gen).
		Msg("playback started")
	return Frame{Gen: c.gen, Cursor: c.cursor, State: c.state}, nil
}

// Pause stops ticking and keeps the cursor.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Playing {
		return ErrNotPlaying
	}
	c.stopTask()
	c.state = Paused
	c.gen++
	return nil
}

// Resume continues a paused playback from its cursor.
func (c *Controller) Resume() (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Paused {
		return Frame{}, ErrNotPaused
	}
	c.state = Playing
	c.gen++
	c.schedule()
	return Frame{Gen: c.gen, Cursor: c.cursor, State: c.state}, nil
}

// Toggle starts from Idle, resumes from Paused and pauses from Playing. The
// domain arguments are only used when starting.
func (c *Controller) Toggle(min, max time.Time, from *time.Time, monthSelected bool) (Frame, error) {
	switch c.State() {
	case Playing:
		if err := c.Pause(); err != nil {
			return Frame{}, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return Frame{Gen: c.gen, Cursor: c.cursor, State: c.state}, nil
	case Paused:
		return c.Resume()
	default:
		return c.Start(min, max, from, monthSelected)
	}
}

// Seek moves the cursor without changing the state. A running playback
// continues from the new position on its next tick.
func (c *Controller) Seek(t time.Time) Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	t = day(t)
	if !c.min.IsZero() {
		if t.Before(c.min) {
			t = c.min
		}
		if t.After(c.max) {
			t = c.max
		}
	}
	c.cursor, c.hasCur = t, true
	c.gen++
	if c.state == Playing {
		c.stopTask()
		c.schedule()
	}
	return Frame{Gen: c.gen, Cursor: c.cursor, State: c.state}
}

// Reset returns to Idle from any state, cancels the pending tick and
// discards the cursor.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTask()
	if c.state != Idle {
		c.logger.Debug().Str("from", c.state.String()).Msg("playback reset")
	}
	c.state = Idle
	c.hasCur = false
	c.cursor = time.Time{}
	c.min, c.max = time.Time{}, time.Time{}
	c.gen++
}

func (c *Controller) tick(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != Playing {
		c.mu.Unlock()
		return
	}
	c.task = nil

	next := c.cursor.AddDate(0, 0, 1)
	var f Frame
	if next.After(c.max) {
		c.state = Idle
		f = Frame{Gen: c.gen, Cursor: c.cursor, State: Idle, Stopped: true}
		c.logger.Debug().Time("at", c.cursor).Msg("playback reached end of domain")
	} else {
		c.cursor = next
		f = Frame{Gen: c.gen, Cursor: c.cursor, State: Playing}
		c.schedule()
	}
	c.mu.Unlock()

	c.sink(f)
}

// schedule arms the single tick slot. Callers hold c.mu.
func (c *Controller) schedule() {
	c.stopTask()
	gen := c.gen
	c.task = c.sched.AfterFunc(c.interval, func() { c.tick(gen) })
}

// stopTask cancels the pending tick. Callers hold c.mu.
func (c *Controller) stopTask() {
	if c.task != nil {
		c.task.Stop()
		c.task = nil
	}
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
