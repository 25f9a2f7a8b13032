package surveillance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

type fileRepo struct{ path string }

// NewFileRepo reads the reference dataset from a local JSON file.
func NewFileRepo(path string) ReferenceRepository {
	return &fileRepo{path: path}
}

func (r *fileRepo) LoadReference(_ context.Context) ([]CaseRecord, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read reference file %s: %w", r.path, err)
	}
	records, err := Normalize(data)
	if err != nil {
		return nil, fmt.Errorf("normalize reference file %s: %w", r.path, err)
	}
	return records, nil
}

type httpRepo struct {
	url    string
	client *http.Client
}

// NewHTTPRepo fetches the reference dataset with a GET request.
func NewHTTPRepo(url string, timeout time.Duration) ReferenceRepository {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpRepo{url: url, client: &http.Client{Timeout: timeout}}
}

func (r *httpRepo) LoadReference(ctx context.Context) ([]CaseRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build reference request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch reference dataset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch reference dataset: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read reference response: %w", err)
	}
	records, err := Normalize(data)
	if err != nil {
		return nil, fmt.Errorf("normalize reference response: %w", err)
	}
	return records, nil
}
