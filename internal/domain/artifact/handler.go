package artifact

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/eurocovid/casechart/internal/domain/surveillance"
	"github.com/eurocovid/casechart/internal/platform/fhir"
)

type Handler struct {
	svc   *Service
	limit int64
}

// NewHandler creates a handler. limit caps the accepted body size.
func NewHandler(svc *Service, limit int64) *Handler {
	return &Handler{svc: svc, limit: limit}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/api/data", h.PostData)
}

type postResponse struct {
	Status string `json:"status"`
	Result
}

// PostData regenerates SampleName from a posted surveillance payload.
func (h *Handler) PostData(c echo.Context) error {
	body := io.Reader(c.Request().Body)
	if h.limit > 0 {
		body = io.LimitReader(body, h.limit)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("body", "unreadable request body"))
	}
	if len(raw) == 0 {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("body", "empty data"))
	}

	res, err := h.svc.Publish(c.Request().Context(), SampleName, raw)
	if err != nil {
		var pe *surveillance.ParseError
		var fe *surveillance.FormatError
		switch {
		case errors.As(err, &pe):
			return c.JSON(http.StatusUnprocessableEntity, fhir.ValueOutcome(pe.Error(), pe.Location()))
		case errors.As(err, &fe):
			return c.JSON(http.StatusUnprocessableEntity, fhir.StructureOutcome(fe.Error()))
		default:
			return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
		}
	}
	return c.JSON(http.StatusOK, postResponse{Status: "success", Result: *res})
}
