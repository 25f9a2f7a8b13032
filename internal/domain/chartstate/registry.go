package chartstate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Factory builds the coordinator for a new session id.
type Factory func(id string) *Coordinator

// Registry maps session ids to coordinators and expires idle sessions.
type Registry struct {
	factory Factory
	ttl     time.Duration
	logger  zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Coordinator
	onChange func(n int)
	onClose  func(id string)
}

// NewRegistry creates an empty registry. A non-positive ttl disables expiry.
func NewRegistry(factory Factory, ttl time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		factory:  factory,
		ttl:      ttl,
		logger:   logger.With().Str("component", "sessions").Logger(),
		sessions: make(map[string]*Coordinator),
	}
}

// OnChange registers fn to receive the session count after every change.
func (r *Registry) OnChange(fn func(n int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// OnClose registers fn to run after a session is deleted or expires.
func (r *Registry) OnClose(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = fn
}

// Create starts a new session.
func (r *Registry) Create() *Coordinator {
	id := uuid.New().String()
	coord := r.factory(id)

	r.mu.Lock()
	r.sessions[id] = coord
	n, fn := len(r.sessions), r.onChange
	r.mu.Unlock()

	r.logger.Debug().Str("session", id).Msg("session created")
	if fn != nil {
		fn(n)
	}
	return coord
}

// Get returns the session and marks it active.
func (r *Registry) Get(id string) (*Coordinator, bool) {
	r.mu.RLock()
	coord, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		coord.Touch()
	}
	return coord, ok
}

// Delete stops and removes a session.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	coord, ok := r.sessions[id]
	delete(r.sessions, id)
	n, fn, closed := len(r.sessions), r.onChange, r.onClose
	r.mu.Unlock()

	if !ok {
		return false
	}
	coord.Close()
	if closed != nil {
		closed(id)
	}
	if fn != nil {
		fn(n)
	}
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Each calls fn for every live session.
func (r *Registry) Each(fn func(*Coordinator)) {
	r.mu.RLock()
	all := make([]*Coordinator, 0, len(r.sessions))
	for _, c := range r.sessions {
		all = append(all, c)
	}
	r.mu.RUnlock()

	for _, c := range all {
		fn(c)
	}
}

// Sweep removes sessions idle since before now-ttl and returns how many
// were removed.
func (r *Registry) Sweep(now time.Time) int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-r.ttl)

	r.mu.Lock()
	var expired []*Coordinator
	for id, c := range r.sessions {
		if c.LastActive().Before(cutoff) {
			expired = append(expired, c)
			delete(r.sessions, id)
		}
	}
	n, fn, closed := len(r.sessions), r.onChange, r.onClose
	r.mu.Unlock()

	for _, c := range expired {
		c.Close()
		if closed != nil {
			closed(c.ID())
		}
	}
	if len(expired) > 0 {
		r.logger.Info().Int("expired", len(expired)).Int("remaining", n).Msg("expired idle sessions")
		if fn != nil {
			fn(n)
		}
	}
	return len(expired)
}

// Run sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	if r.ttl <= 0 {
		return
	}
	interval := r.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}
