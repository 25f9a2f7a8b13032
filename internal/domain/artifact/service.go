// Package artifact publishes FHIR collection bundles generated from
// surveillance data as named downloads.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/eurocovid/casechart/internal/domain/surveillance"
	"github.com/eurocovid/casechart/internal/platform/blobstore"
)

const (
	// BundleName holds the bundle built from the reference dataset.
	BundleName = "fhir_bundle.json"
	// SampleName holds the bundle built from the sample file or POST /api/data.
	SampleName = "fhir_sample.json"

	ContentType = "application/fhir+json"
)

// Result describes one publication.
type Result struct {
	Artifact *blobstore.Metadata `json:"artifact"`
	Records  int                 `json:"records"`
}

type Service struct {
	store  blobstore.Store
	logger zerolog.Logger
}

func NewService(store blobstore.Store, logger zerolog.Logger) *Service {
	return &Service{store: store, logger: logger.With().Str("component", "artifact").Logger()}
}

// Publish normalizes raw, builds a bundle and stores it under name. Payload
// errors are returned unchanged so callers can map them.
func (s *Service) Publish(ctx context.Context, name string, raw []byte) (*Result, error) {
	records, err := surveillance.Normalize(raw)
	if err != nil {
		return nil, err
	}
	return s.PublishRecords(ctx, name, records)
}

// PublishRecords stores a bundle of records under name.
func (s *Service) PublishRecords(ctx context.Context, name string, records []surveillance.CaseRecord) (*Result, error) {
	if len(records) == 0 {
		return nil, &surveillance.FormatError{Reason: "empty payload", Err: surveillance.ErrNoData}
	}
	bundle, err := surveillance.BuildBundle(records)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(bundle, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	meta, err := s.store.Put(ctx, name, ContentType, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", name, err)
	}

	s.logger.Info().Str("artifact", name).Int("records", len(records)).Int64("bytes", meta.Size).Msg("bundle published")
	return &Result{Artifact: meta, Records: len(records)}, nil
}

// PublishFile reads a surveillance file from disk and publishes it.
func (s *Service) PublishFile(ctx context.Context, name, path string) (*Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return s.Publish(ctx, name, raw)
}

// PublishDataset rebuilds BundleName from a freshly loaded reference
// dataset. It is meant as a ReferenceStore.OnLoad hook, so failures are
// logged rather than returned.
func (s *Service) PublishDataset(ds *surveillance.Dataset) {
	if ds.Len() == 0 {
		return
	}
	if _, err := s.PublishRecords(context.Background(), BundleName, ds.Records); err != nil {
		s.logger.Error().Err(err).Str("artifact", BundleName).Msg("failed to publish reference bundle")
	}
}
