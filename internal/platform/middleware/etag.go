package middleware

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ETag buffers successful GET responses under the given path prefixes, sets
// a weak ETag and answers If-None-Match with 304.
func ETag(prefixes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodGet || !hasPrefix(req.URL.Path, prefixes) || isWebSocket(req) {
				return next(c)
			}

			res := c.Response()
			orig := res.Writer
			buf := &bufferedWriter{header: orig.Header(), status: http.StatusOK}
			res.Writer = buf
			err := next(c)
			res.Writer = orig
			if err != nil {
				return err
			}

			if buf.status >= 300 {
				return buf.flushTo(orig)
			}
			tag := computeETag(buf.body.Bytes())
			orig.Header().Set("ETag", tag)
			orig.Header().Set("Cache-Control", "no-cache")
			if match := req.Header.Get("If-None-Match"); match != "" && etagMatch(match, tag) {
				orig.Header().Del("Content-Length")
				orig.WriteHeader(http.StatusNotModified)
				return nil
			}
			return buf.flushTo(orig)
		}
	}
}

type bufferedWriter struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func (w *bufferedWriter) Header() http.Header         { return w.header }
func (w *bufferedWriter) Write(b []byte) (int, error) { return w.body.Write(b) }
func (w *bufferedWriter) WriteHeader(code int)        { w.status = code }

func (w *bufferedWriter) flushTo(dst http.ResponseWriter) error {
	dst.WriteHeader(w.status)
	_, err := dst.Write(w.body.Bytes())
	return err
}

func hasPrefix(path string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func computeETag(body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf(`W/"%x"`, sum[:12])
}

// etagMatch compares weakly and accepts lists and "*".
func etagMatch(header, tag string) bool {
	header = strings.TrimSpace(header)
	if header == "*" {
		return true
	}
	for _, cand := range strings.Split(header, ",") {
		if strings.TrimPrefix(strings.TrimSpace(cand), "W/") == strings.TrimPrefix(tag, "W/") {
			return true
		}
	}
	return false
}
