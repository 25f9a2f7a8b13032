package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestETag_NotModified(t *testing.T) {
	e := echo.New()
	e.Use(ETag("/api/v1/sessions/"))
	e.GET("/api/v1/sessions/:id/chart.svg", func(c echo.Context) error {
		return c.Blob(http.StatusOK, "image/svg+xml", []byte("<svg/>"))
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/a/chart.svg", nil))
	tag := rec.Header().Get("ETag")
	if rec.Code != http.StatusOK || tag == "" || rec.Body.String() != "<svg/>" {
		t.Fatalf("unexpected first response %d %q %q", rec.Code, tag, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/a/chart.svg", nil)
	req.Header.Set("If-None-Match", tag)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Errorf("expected 304, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Error("expected empty body")
	}
}

func TestETag_SkipsErrorsAndOtherPaths(t *testing.T) {
	e := echo.New()
	e.Use(ETag("/api/v1/sessions/"))
	e.GET("/api/v1/sessions/:id", func(c echo.Context) error {
		return c.String(http.StatusNotFound, "missing")
	})
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/x", nil))
	if rec.Code != http.StatusNotFound || rec.Header().Get("ETag") != "" {
		t.Errorf("expected plain 404, got %d etag=%q", rec.Code, rec.Header().Get("ETag"))
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Header().Get("ETag") != "" {
		t.Error("expected no ETag outside prefixes")
	}
}

func TestETagMatch(t *testing.T) {
	tag := `W/"abc"`
	for header, want := range map[string]bool{
		`W/"abc"`:         true,
		`"abc"`:           true,
		`"x", W/"abc"`:    true,
		`*`:               true,
		`"other"`:         false,
	} {
		if got := etagMatch(header, tag); got != want {
			t.Errorf("etagMatch(%q) = %v, want %v", header, got, want)
		}
	}
}
