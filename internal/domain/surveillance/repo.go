package surveillance

import (
	"context"
)

// ReferenceRepository loads the bundled reference dataset.
type ReferenceRepository interface {
	LoadReference(ctx context.Context) ([]CaseRecord, error)
}

// ReferenceWriter replaces the stored reference dataset. Only the
// PostgreSQL repository implements it; it backs the seed command.
type ReferenceWriter interface {
	ReplaceReference(ctx context.Context, source string, records []CaseRecord) (int64, error)
}
