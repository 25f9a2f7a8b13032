package chartstate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eurocovid/casechart/internal/domain/playback"
	"github.com/eurocovid/casechart/internal/domain/surveillance"
	"github.com/eurocovid/casechart/internal/platform/fhir"
	"github.com/eurocovid/casechart/pkg/pagination"
)

// ErrNothingToDraw is returned by encoders for a view without points.
var ErrNothingToDraw = errors.New("nothing to draw")

// Encoder writes a view in one output format.
type Encoder interface {
	ContentType() string
	Encode(w io.Writer, v View) error
}

type Handler struct {
	sessions *Registry
	ref      surveillance.ReferenceSource
	encoders map[string]Encoder
	fallback int
}

// NewHandler wires the session API. encoders is keyed by file extension
// ("png", "svg", "html").
func NewHandler(sessions *Registry, ref surveillance.ReferenceSource, encoders map[string]Encoder, fallbackYear int) *Handler {
	if fallbackYear == 0 {
		fallbackYear = DefaultFallbackYear
	}
	return &Handler{sessions: sessions, ref: ref, encoders: encoders, fallback: fallbackYear}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/entities", h.ListEntities)
	api.GET("/records", h.ListRecords)

	api.POST("/sessions", h.CreateSession)
	api.GET("/sessions/:id", h.GetSession)
	api.DELETE("/sessions/:id", h.DeleteSession)

	api.PUT("/sessions/:id/entity", h.SetEntity)
	api.PUT("/sessions/:id/month", h.SetMonth)
	api.PUT("/sessions/:id/cursor", h.SetCursor)

	api.POST("/sessions/:id/playback/play", h.Play)
	api.POST("/sessions/:id/playback/pause", h.Pause)
	api.POST("/sessions/:id/playback/toggle", h.TogglePlayback)
	api.POST("/sessions/:id/markers/toggle", h.ToggleMarkers)

	api.POST("/sessions/:id/upload", h.Upload)
	api.DELETE("/sessions/:id/upload", h.Clear)

	for format := range h.encoders {
		api.GET("/sessions/:id/chart."+format, h.Chart(format))
	}
}

// -- Reference data --

type entityItem struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

func (h *Handler) ListEntities(c echo.Context) error {
	ds, err := h.ref.Reference()
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTransient, err.Error()))
	}
	ids := ds.Entities()
	items := make([]entityItem, len(ids))
	for i, id := range ids {
		items[i] = entityItem{ID: id, DisplayName: surveillance.DisplayName(id)}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListRecords(c echo.Context) error {
	ds, err := h.ref.Reference()
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTransient, err.Error()))
	}
	entity := c.QueryParam("entity")
	if entity == "" {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("entity", "is required"))
	}
	month, err := surveillance.ParseMonth(c.QueryParam("month"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("month", err.Error()))
	}
	var cursor *time.Time
	if s := c.QueryParam("cursor"); s != "" {
		t, err := parseDay(s)
		if err != nil {
			return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("cursor", err.Error()))
		}
		cursor = &t
	}

	pg := pagination.FromContext(c)
	records := surveillance.Filter(ds, entity, month, cursor, h.fallback)
	resp := pagination.NewResponse(pagination.Slice(records, pg), len(records), pg.Limit, pg.Offset)
	return c.JSON(http.StatusOK, resp.WithLinks(c.Request().URL.Path, c.QueryParams()))
}

// -- Sessions --

func (h *Handler) CreateSession(c echo.Context) error {
	coord := h.sessions.Create()
	c.Response().Header().Set("Location", "/api/v1/sessions/"+coord.ID())
	return c.JSON(http.StatusCreated, coord.View())
}

func (h *Handler) GetSession(c echo.Context) error {
	coord, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		return sessionNotFound(c)
	}
	return c.JSON(http.StatusOK, coord.View())
}

func (h *Handler) DeleteSession(c echo.Context) error {
	if !h.sessions.Delete(c.Param("id")) {
		return sessionNotFound(c)
	}
	return c.NoContent(http.StatusNoContent)
}

type entityRequest struct {
	Entity string `json:"entity"`
}

func (h *Handler) SetEntity(c echo.Context) error {
	coord, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		return sessionNotFound(c)
	}
	var req entityRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, coord.OnEntityChange(strings.TrimSpace(req.Entity)))
}

type monthRequest struct {
	Month interface{} `json:"month"`
}

func (h *Handler) SetMonth(c echo.Context) error {
	coord, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		return sessionNotFound(c)
	}
	var req monthRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	raw := ""
	if req.Month != nil {
		raw = fmt.Sprint(req.Month)
	}
	month, err := surveillance.ParseMonth(raw)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("month", err.Error()))
	}
	return c.JSON(http.StatusOK, coord.OnMonthChange(month))
}

type cursorRequest struct {
	Cursor string `json:"cursor"`
}

func (h *Handler) SetCursor(c echo.Context) error {
	coord, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		return sessionNotFound(c)
	}
	var req cursorRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	t, err := parseDay(req.Cursor)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("cursor", err.Error()))
	}
	v, err := coord.OnCursorTick(t)
	return respond(c, v, err)
}

func (h *Handler) Play(c echo.Context) error {
	coord, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		return sessionNotFound(c)
	}
	v, err := coord.Play()
	return respond(c, v, err)
}

func (h *Handler) Pause(c echo.Context) error {
	coord, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		return sessionNotFound(c)
	}
	v, err := coord.Pause()
	return respond(c, v, err)
}

func (h *Handler) TogglePlayback(c echo.Context) error {
	coord, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		return sessionNotFound(c)
	}
	v, err := coord.TogglePlayback()
	return respond(c, v, err)
}

func (h *Handler) ToggleMarkers(c echo.Context) error {
	coord, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		return sessionNotFound(c)
	}
	return c.JSON(http.StatusOK, coord.OnToggleMarkers())
}

// Upload accepts either a multipart form with a "file" part or the JSON
// document as the raw request body.
func (h *Handler) Upload(c echo.Context) error {
	coord, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		return sessionNotFound(c)
	}
	gen := coord.BeginUpload()

	raw, err := readUpload(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	v, err := coord.OnFileUploaded(gen, raw)
	return respond(c, v, err)
}

func (h *Handler) Clear(c echo.Context) error {
	coord, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		return sessionNotFound(c)
	}
	return c.JSON(http.StatusOK, coord.OnClear())
}

// Chart returns the handler rendering a session's view in format.
func (h *Handler) Chart(format string) echo.HandlerFunc {
	return func(c echo.Context) error {
		coord, ok := h.sessions.Get(c.Param("id"))
		if !ok {
			return sessionNotFound(c)
		}
		enc, ok := h.encoders[format]
		if !ok {
			return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotSupported, "unsupported chart format "+format))
		}

		var buf bytes.Buffer
		if err := enc.Encode(&buf, coord.View()); err != nil {
			if errors.Is(err, ErrNothingToDraw) {
				return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityInformation, fhir.IssueTypeNotFound, err.Error()))
			}
			return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
		}
		return c.Blob(http.StatusOK, enc.ContentType(), buf.Bytes())
	}
}

func sessionNotFound(c echo.Context) error {
	return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Session", c.Param("id")))
}

// respond writes v, or an OperationOutcome carrying the view's error.
func respond(c echo.Context, v View, err error) error {
	if err == nil {
		return c.JSON(http.StatusOK, v)
	}
	var pe *surveillance.ParseError
	switch {
	case errors.As(err, &pe):
		return c.JSON(http.StatusUnprocessableEntity, fhir.ValueOutcome(v.Message, pe.Location()))
	case surveillance.IsFormat(err):
		return c.JSON(http.StatusUnprocessableEntity, fhir.StructureOutcome(v.Message))
	case errors.Is(err, playback.ErrInvalidTransition), errors.Is(err, ErrStaleUpload):
		return c.JSON(http.StatusConflict, fhir.ConflictOutcome(err.Error()))
	default:
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
	}
}

func readUpload(c echo.Context) ([]byte, error) {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(ct, echo.MIMEMultipartForm) {
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("read form file: %w", err)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open form file: %w", err)
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	return io.ReadAll(c.Request().Body)
}

func parseDay(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", time.RFC3339, surveillance.DateRepLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return surveillance.Day(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
}
