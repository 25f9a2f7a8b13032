package artifact

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/eurocovid/casechart/internal/domain/surveillance"
	"github.com/eurocovid/casechart/internal/platform/blobstore"
	"github.com/eurocovid/casechart/internal/platform/fhir"
)

const samplePayload = `[
	{"dateRep":"01/03/2020","cases":12,"deaths":1,"countriesAndTerritories":"Germany"},
	{"dateRep":"02/03/2020","cases":30,"deaths":0,"countriesAndTerritories":"Germany"}
]`

func newTestService() (*Service, *blobstore.InMemoryStore) {
	store := blobstore.NewInMemoryStore()
	return NewService(store, zerolog.Nop()), store
}

func readBundle(t *testing.T, store blobstore.Store, name string) *fhir.Bundle {
	t.Helper()
	rc, meta, err := store.Get(context.Background(), name)
	if err != nil {
		t.Fatalf("get %s: %v", name, err)
	}
	defer rc.Close()
	if meta.ContentType != ContentType {
		t.Errorf("expected %s, got %s", ContentType, meta.ContentType)
	}
	data, _ := io.ReadAll(rc)
	var b fhir.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	return &b
}

func TestService_Publish(t *testing.T) {
	svc, store := newTestService()

	res, err := svc.Publish(context.Background(), SampleName, []byte(samplePayload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Records != 2 {
		t.Errorf("expected 2 records, got %d", res.Records)
	}
	b := readBundle(t, store, SampleName)
	if b.Type != "collection" || len(b.Entry) != 2 {
		t.Errorf("unexpected bundle type=%s entries=%d", b.Type, len(b.Entry))
	}

	// the published bundle normalizes back to the same records
	rc, _, _ := store.Get(context.Background(), SampleName)
	raw, _ := io.ReadAll(rc)
	records, err := surveillance.Normalize(raw)
	if err != nil {
		t.Fatalf("bundle does not normalize: %v", err)
	}
	if len(records) != 2 || records[1].Cases != 30 {
		t.Errorf("unexpected round trip %+v", records)
	}
}

func TestService_PublishErrors(t *testing.T) {
	svc, store := newTestService()

	if _, err := svc.Publish(context.Background(), SampleName, []byte(`[]`)); !surveillance.IsFormat(err) {
		t.Errorf("expected format error, got %v", err)
	}
	if _, err := svc.Publish(context.Background(), SampleName, []byte(`[{"dateRep":"x","cases":1,"countriesAndTerritories":"Italy"}]`)); !surveillance.IsParse(err) {
		t.Errorf("expected parse error, got %v", err)
	}
	if _, err := store.Stat(context.Background(), SampleName); err != blobstore.ErrBlobNotFound {
		t.Errorf("expected nothing stored, got %v", err)
	}
}

func TestService_PublishFile(t *testing.T) {
	svc, store := newTestService()
	path := filepath.Join(t.TempDir(), "sample.json")
	if err := os.WriteFile(path, []byte(samplePayload), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.PublishFile(context.Background(), SampleName, path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	readBundle(t, store, SampleName)

	if _, err := svc.PublishFile(context.Background(), SampleName, filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestService_PublishDataset(t *testing.T) {
	svc, store := newTestService()

	svc.PublishDataset(surveillance.NewDataset(nil))
	if _, err := store.Stat(context.Background(), BundleName); err != blobstore.ErrBlobNotFound {
		t.Error("expected empty dataset to be skipped")
	}

	ds := surveillance.NewDataset([]surveillance.CaseRecord{
		{Entity: "Germany", Date: time.Date(2020, time.March, 1, 0, 0, 0, 0, time.UTC), Cases: 5},
	})
	svc.PublishDataset(ds)
	if b := readBundle(t, store, BundleName); len(b.Entry) != 1 {
		t.Errorf("expected 1 entry, got %d", len(b.Entry))
	}
}

func TestHandler_PostData(t *testing.T) {
	svc, store := newTestService()
	e := echo.New()
	NewHandler(svc, 1<<20).RegisterRoutes(e)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid", samplePayload, http.StatusOK},
		{"empty body", "", http.StatusBadRequest},
		{"empty array", "[]", http.StatusUnprocessableEntity},
		{"not json", "hello", http.StatusUnprocessableEntity},
		{"bad cases", `[{"dateRep":"01/03/2020","cases":"many","countriesAndTerritories":"Italy"}]`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/data", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	if _, err := store.Stat(context.Background(), SampleName); err != nil {
		t.Errorf("expected sample to be stored: %v", err)
	}
}
