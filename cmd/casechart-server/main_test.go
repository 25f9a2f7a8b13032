package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eurocovid/casechart/internal/config"
	"github.com/eurocovid/casechart/internal/domain/artifact"
	"github.com/eurocovid/casechart/internal/domain/surveillance"
)

const referenceJSON = `[
 {"dateRep":"01/03/2020","cases":10,"deaths":0,"countriesAndTerritories":"Germany","countryterritoryCode":"DEU"},
 {"dateRep":"02/03/2020","cases":"12","deaths":1,"countriesAndTerritories":"Germany","countryterritoryCode":"DEU"},
 {"dateRep":"03/03/2020","cases":15,"deaths":null,"countriesAndTerritories":"Germany","countryterritoryCode":"DEU"},
 {"dateRep":"01/03/2020","cases":4,"deaths":0,"countriesAndTerritories":"Albania","countryterritoryCode":"ALB"}
]`

func testConfig() *config.Config {
	return &config.Config{
		Env:              "test",
		ReferenceYear:    2020,
		PlaybackInterval: 10 * time.Millisecond,
		UploadLimit:      "1M",
		BodyLimit:        "1M",
		RequestTimeout:   5 * time.Second,
		SessionTTL:       time.Minute,
		CORSOrigins:      []string{"*"},
		MetricsEnabled:   true,
		RateLimitRPS:     1000,
		RateLimitBurst:   1000,
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newTestApp(t *testing.T, repo surveillance.ReferenceRepository) *app {
	t.Helper()
	a, err := newApp(testConfig(), zerolog.Nop(), repo, nil)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	return a
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestApp_SessionFlow(t *testing.T) {
	path := writeFile(t, t.TempDir(), "reference.json", referenceJSON)
	a := newTestApp(t, surveillance.NewFileRepo(path))
	if err := a.reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	e := a.routes()

	rec := do(t, e, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, http.MethodPost, "/api/v1/sessions", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil || created.Session == "" {
		t.Fatalf("expected session id, got %s", rec.Body.String())
	}
	base := "/api/v1/sessions/" + created.Session

	rec = do(t, e, http.MethodPut, base+"/entity", `{"entity":"Germany"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view struct {
		Title  string            `json:"title"`
		Points []json.RawMessage `json:"points"`
	}
	json.Unmarshal(rec.Body.Bytes(), &view)
	if view.Title != "Total Number of Covid cases in Germany in 2020" {
		t.Errorf("unexpected title %q", view.Title)
	}
	if len(view.Points) != 3 {
		t.Errorf("expected 3 points, got %d", len(view.Points))
	}

	rec = do(t, e, http.MethodGet, base+"/chart.svg", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<svg") {
		t.Errorf("expected svg chart, got %d", rec.Code)
	}
	if rec.Header().Get("ETag") == "" {
		t.Error("expected chart ETag")
	}

	rec = do(t, e, http.MethodDelete, base, "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if a.sessions.Len() != 0 {
		t.Errorf("expected no sessions, got %d", a.sessions.Len())
	}
}

func TestApp_ReferenceBundleAndMetrics(t *testing.T) {
	path := writeFile(t, t.TempDir(), "reference.json", referenceJSON)
	a := newTestApp(t, surveillance.NewFileRepo(path))
	if err := a.reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	e := a.routes()

	rec := do(t, e, http.MethodGet, "/"+artifact.BundleName, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected reference bundle, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"resourceType": "Bundle"`) {
		t.Errorf("unexpected bundle %s", rec.Body.String())
	}

	rec = do(t, e, http.MethodPost, "/api/data", `[{"dateRep":"14/12/2020","cases":788,"deaths":14,"countriesAndTerritories":"Albania"}]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, e, http.MethodGet, "/"+artifact.SampleName, "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected sample bundle, got %d", rec.Code)
	}

	do(t, e, http.MethodPost, "/api/v1/sessions", "")
	rec = do(t, e, http.MethodGet, "/metrics", "")
	body := rec.Body.String()
	for _, want := range []string{"casechart_sessions 1", `casechart_reference_reloads_total{result="ok"} 1`, "casechart_reference_records 4"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestApp_HealthWithoutReference(t *testing.T) {
	a := newTestApp(t, surveillance.NewFileRepo(filepath.Join(t.TempDir(), "missing.json")))
	if err := a.reload(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
	rec := do(t, a.routes(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "degraded") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestApp_WatchHandlersLogFailures(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	a, err := newApp(testConfig(), zerolog.New(&buf), surveillance.NewFileRepo(filepath.Join(dir, "missing.json")), nil)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}

	a.onDataFileChange(context.Background(), filepath.Join(dir, "missing.json"))
	if !strings.Contains(buf.String(), "reference reload failed") {
		t.Errorf("expected reload failure to be logged, got %s", buf.String())
	}

	buf.Reset()
	bad := writeFile(t, dir, "sample.json", `[{"dateRep":"01/03/2020","cases":"1e20","countriesAndTerritories":"Germany"}]`)
	a.onSampleFileChange(context.Background(), bad)
	out := buf.String()
	if !strings.Contains(out, "sample bundle not regenerated") || !strings.Contains(out, `"file":"`+bad+`"`) {
		t.Errorf("expected sample failure to be logged with file, got %s", out)
	}
	rec := do(t, a.routes(), http.MethodGet, "/"+artifact.SampleName, "")
	if rec.Code == http.StatusOK {
		t.Error("expected no sample bundle after failed regeneration")
	}
}

func TestWriteBundle(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "input.json", referenceJSON)
	out := filepath.Join(dir, "out", "bundle.json")

	if err := writeBundle(context.Background(), in, out, zerolog.Nop()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("expected bundle file: %v", err)
	}
	if strings.Count(string(data), `"resourceType": "Observation"`) != 4 {
		t.Errorf("expected 4 observations in %s", data)
	}
}

func TestNewLogger_Level(t *testing.T) {
	if l := newLogger("production", "debug"); l.GetLevel() != zerolog.DebugLevel {
		t.Errorf("expected debug, got %s", l.GetLevel())
	}
	if l := newLogger("production", "nonsense"); l.GetLevel() != zerolog.InfoLevel {
		t.Errorf("expected info fallback, got %s", l.GetLevel())
	}
}
