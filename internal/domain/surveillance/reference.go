package surveillance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrReferenceNotLoaded is returned before the first load attempt finishes.
var ErrReferenceNotLoaded = errors.New("reference dataset not loaded")

// ReferenceSource hands out the current reference dataset.
type ReferenceSource interface {
	Reference() (*Dataset, error)
}

// ReferenceStore holds the reference dataset loaded from a repository. A
// failed load is kept as a visible error instead of being swallowed; a
// failed reload keeps serving the last good dataset.
type ReferenceStore struct {
	repo   ReferenceRepository
	logger zerolog.Logger

	mu       sync.RWMutex
	ds       *Dataset
	err      error
	loadedAt time.Time
	onLoad   []func(*Dataset)
}

// NewReferenceStore creates an empty store. Call Load before serving.
func NewReferenceStore(repo ReferenceRepository, logger zerolog.Logger) *ReferenceStore {
	return &ReferenceStore{
		repo:   repo,
		logger: logger.With().Str("component", "reference").Logger(),
		err:    ErrReferenceNotLoaded,
	}
}

// OnLoad registers fn to run after every successful load.
func (s *ReferenceStore) OnLoad(fn func(*Dataset)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLoad = append(s.onLoad, fn)
}

// Load (re)reads the dataset from the repository.
func (s *ReferenceStore) Load(ctx context.Context) error {
	records, err := s.repo.LoadReference(ctx)
	if err != nil {
		s.mu.Lock()
		if s.ds == nil {
			s.err = err
		}
		s.mu.Unlock()
		s.logger.Error().Err(err).Msg("failed to load reference dataset")
		return err
	}

	ds := NewDataset(records)
	s.mu.Lock()
	s.ds = ds
	s.err = nil
	s.loadedAt = time.Now()
	hooks := append([]func(*Dataset){}, s.onLoad...)
	s.mu.Unlock()

	s.logger.Info().
		Int("records", ds.Len()).
		Int("entities", len(ds.Entities())).
		Msg("reference dataset loaded")

	for _, fn := range hooks {
		fn(ds)
	}
	return nil
}

// Reference implements ReferenceSource.
func (s *ReferenceStore) Reference() (*Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ds == nil {
		return nil, s.err
	}
	return s.ds, nil
}

// LoadedAt returns when the current dataset was loaded.
func (s *ReferenceStore) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

// StaticReference is a ReferenceSource over a fixed dataset.
type StaticReference struct {
	DS  *Dataset
	Err error
}

// Reference implements ReferenceSource.
func (s StaticReference) Reference() (*Dataset, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.DS, nil
}
