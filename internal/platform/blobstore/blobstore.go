// Package blobstore stores generated download artifacts by name. It defines
// the Store interface, an in-memory implementation for tests, a directory
// backed implementation, and Echo handlers for download and listing.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

var (
	ErrBlobNotFound    = errors.New("artifact not found")
	ErrFileTooLarge    = errors.New("artifact exceeds maximum allowed size")
	ErrInvalidName     = errors.New("artifact name is invalid")
	ErrMissingFileName = errors.New("artifact name is required")
)

// MaxFileSize is the maximum artifact size in bytes (64 MB).
const MaxFileSize = 64 * 1024 * 1024

// Metadata describes a stored artifact.
type Metadata struct {
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is the contract for artifact backends. Put replaces any artifact
// with the same name.
type Store interface {
	Put(ctx context.Context, name, contentType string, content io.Reader) (*Metadata, error)
	Get(ctx context.Context, name string) (io.ReadCloser, *Metadata, error)
	Stat(ctx context.Context, name string) (*Metadata, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]*Metadata, error)
}

func validName(name string) error {
	if name == "" {
		return ErrMissingFileName
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return ErrInvalidName
	}
	return nil
}

func readLimited(content io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

func hashOf(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

type storedBlob struct {
	metadata Metadata
	content  []byte
}

// InMemoryStore is a thread-safe Store for tests and development.
type InMemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{blobs: make(map[string]*storedBlob)}
}

func (s *InMemoryStore) Put(_ context.Context, name, contentType string, content io.Reader) (*Metadata, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	data, err := readLimited(content)
	if err != nil {
		return nil, err
	}

	meta := Metadata{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        hashOf(data),
		UpdatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.blobs[name] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *InMemoryStore) Get(_ context.Context, name string) (io.ReadCloser, *Metadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *InMemoryStore) Stat(_ context.Context, name string) (*Metadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return &meta, nil
}

func (s *InMemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[name]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, name)
	return nil
}

func (s *InMemoryStore) List(_ context.Context) ([]*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Metadata, 0, len(s.blobs))
	for _, b := range s.blobs {
		m := b.metadata
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DirStore keeps artifacts as files in one directory. Writes go to a
// temporary file first and are renamed into place.
type DirStore struct {
	dir string
	mu  sync.Mutex
}

// NewDirStore creates dir if needed.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

func (s *DirStore) Put(_ context.Context, name, contentType string, content io.Reader) (*Metadata, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	data, err := readLimited(content)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+name+"-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return nil, fmt.Errorf("rename artifact: %w", err)
	}

	return &Metadata{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        hashOf(data),
		UpdatedAt:   time.Now().UTC(),
	}, nil
}

func (s *DirStore) Get(ctx context.Context, name string) (io.ReadCloser, *Metadata, error) {
	if err := validName(name); err != nil {
		return nil, nil, ErrBlobNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read artifact: %w", err)
	}
	meta, err := s.Stat(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	meta.Size = int64(len(data))
	meta.Hash = hashOf(data)
	return io.NopCloser(bytes.NewReader(data)), meta, nil
}

func (s *DirStore) Stat(_ context.Context, name string) (*Metadata, error) {
	if err := validName(name); err != nil {
		return nil, ErrBlobNotFound
	}
	fi, err := os.Stat(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	return &Metadata{
		Name:        name,
		ContentType: contentTypeFor(name),
		Size:        fi.Size(),
		UpdatedAt:   fi.ModTime().UTC(),
	}, nil
}

func (s *DirStore) Delete(_ context.Context, name string) error {
	if err := validName(name); err != nil {
		return ErrBlobNotFound
	}
	err := os.Remove(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return ErrBlobNotFound
	}
	return err
}

func (s *DirStore) List(ctx context.Context) ([]*Metadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	var out []*Metadata
	for _, e := range entries {
		if e.IsDir() || validName(e.Name()) != nil {
			continue
		}
		m, err := s.Stat(ctx, e.Name())
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/fhir+json"
	case ".png":
		return "image/png"
	case ".svg":
		return "image/svg+xml"
	case ".html":
		return "text/html; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

// listResponse is the JSON envelope returned by the listing endpoint.
type listResponse struct {
	Items []*Metadata `json:"items"`
	Total int         `json:"total"`
}

// Handler serves artifacts over HTTP.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts the listing and metadata routes on g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/artifacts", h.handleList)
	g.GET("/artifacts/:name", h.handleStat)
}

// RegisterDownloads serves each named artifact at /<name> on e.
func (h *Handler) RegisterDownloads(e *echo.Echo, names ...string) {
	for _, name := range names {
		e.GET("/"+name, h.Download(name))
	}
}

// Download returns a handler streaming the named artifact.
func (h *Handler) Download(name string) echo.HandlerFunc {
	return func(c echo.Context) error {
		rc, meta, err := h.store.Get(c.Request().Context(), name)
		if err != nil {
			if errors.Is(err, ErrBlobNotFound) {
				return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
			}
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		defer rc.Close()

		c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, meta.Name))
		if !meta.UpdatedAt.IsZero() {
			c.Response().Header().Set("Last-Modified", meta.UpdatedAt.Format(http.TimeFormat))
		}
		return c.Stream(http.StatusOK, meta.ContentType, rc)
	}
}

func (h *Handler) handleStat(c echo.Context) error {
	meta, err := h.store.Stat(c.Request().Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, meta)
}

func (h *Handler) handleList(c echo.Context) error {
	items, err := h.store.List(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if items == nil {
		items = []*Metadata{}
	}
	return c.JSON(http.StatusOK, listResponse{Items: items, Total: len(items)})
}
