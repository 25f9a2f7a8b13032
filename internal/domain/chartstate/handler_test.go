package chartstate

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eurocovid/casechart/internal/domain/surveillance"
	"github.com/eurocovid/casechart/internal/platform/fhir"
)

type textEncoder struct{}

func (textEncoder) ContentType() string { return "text/plain" }

func (textEncoder) Encode(w io.Writer, v View) error {
	if v.Empty {
		return ErrNothingToDraw
	}
	_, err := io.WriteString(w, v.Title)
	return err
}

func newTestHandler() (*Handler, *echo.Echo) {
	r := newTestRegistry(time.Minute)
	h := NewHandler(r, surveillance.StaticReference{DS: germanyMarch()}, map[string]Encoder{"txt": textEncoder{}}, 2020)
	e := echo.New()
	return h, e
}

func sessionContext(e *echo.Echo, method, body, id string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c, rec
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) View {
	t.Helper()
	var v View
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return v
}

func TestHandler_CreateSession(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateSession(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	v := decodeView(t, rec)
	if v.Session == "" {
		t.Error("expected session id in view")
	}
	if rec.Header().Get("Location") != "/api/v1/sessions/"+v.Session {
		t.Errorf("unexpected Location %q", rec.Header().Get("Location"))
	}
}

func TestHandler_UnknownSession(t *testing.T) {
	h, e := newTestHandler()
	c, rec := sessionContext(e, http.MethodGet, "", "missing")

	if err := h.GetSession(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	var oo fhir.OperationOutcome
	json.Unmarshal(rec.Body.Bytes(), &oo)
	if oo.ResourceType != "OperationOutcome" {
		t.Errorf("expected OperationOutcome, got %q", oo.ResourceType)
	}
}

func TestHandler_SelectionFlow(t *testing.T) {
	h, e := newTestHandler()
	id := h.sessions.Create().ID()

	c, rec := sessionContext(e, http.MethodPut, `{"entity":"Germany"}`, id)
	if err := h.SetEntity(c); err != nil {
		t.Fatal(err)
	}
	if v := decodeView(t, rec); len(v.Points) != 31 {
		t.Errorf("expected 31 points, got %d", len(v.Points))
	}

	c, rec = sessionContext(e, http.MethodPut, `{"month":4}`, id)
	if err := h.SetMonth(c); err != nil {
		t.Fatal(err)
	}
	if v := decodeView(t, rec); v.Month != "April" || len(v.Points) != 0 {
		t.Errorf("expected empty April view, got %s with %d points", v.Month, len(v.Points))
	}

	c, rec = sessionContext(e, http.MethodPut, `{"month":"None"}`, id)
	if err := h.SetMonth(c); err != nil {
		t.Fatal(err)
	}

	c, rec = sessionContext(e, http.MethodPut, `{"cursor":"2020-03-05"}`, id)
	if err := h.SetCursor(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if v := decodeView(t, rec); len(v.Points) != 5 {
		t.Errorf("expected 5 points up to cursor, got %d", len(v.Points))
	}
}

func TestHandler_SetMonth_Invalid(t *testing.T) {
	h, e := newTestHandler()
	id := h.sessions.Create().ID()

	c, rec := sessionContext(e, http.MethodPut, `{"month":13}`, id)
	if err := h.SetMonth(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_PlayWithMonthConflicts(t *testing.T) {
	h, e := newTestHandler()
	coord := h.sessions.Create()
	coord.OnEntityChange("Germany")
	coord.OnMonthChange(3)

	c, rec := sessionContext(e, http.MethodPost, "", coord.ID())
	if err := h.Play(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestHandler_PlayAndPause(t *testing.T) {
	h, e := newTestHandler()
	coord := h.sessions.Create()
	coord.OnEntityChange("Germany")

	c, rec := sessionContext(e, http.MethodPost, "", coord.ID())
	if err := h.Play(c); err != nil {
		t.Fatal(err)
	}
	if v := decodeView(t, rec); v.Playback != "playing" {
		t.Errorf("expected playing, got %s", v.Playback)
	}

	c, rec = sessionContext(e, http.MethodPost, "", coord.ID())
	if err := h.Pause(c); err != nil {
		t.Fatal(err)
	}
	if v := decodeView(t, rec); v.Playback != "paused" {
		t.Errorf("expected paused, got %s", v.Playback)
	}

	c, rec = sessionContext(e, http.MethodPost, "", coord.ID())
	if err := h.TogglePlayback(c); err != nil {
		t.Fatal(err)
	}
	if v := decodeView(t, rec); v.Playback != "playing" {
		t.Errorf("expected playing after toggle, got %s", v.Playback)
	}
	coord.Close()
}

func TestHandler_UploadRawBody(t *testing.T) {
	h, e := newTestHandler()
	id := h.sessions.Create().ID()

	c, rec := sessionContext(e, http.MethodPost, observationUpload, id)
	if err := h.Upload(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if v := decodeView(t, rec); v.Entity != "Italy" || v.Source != SourceUpload {
		t.Errorf("unexpected view %+v", v)
	}

	c, rec = sessionContext(e, http.MethodDelete, "", id)
	if err := h.Clear(c); err != nil {
		t.Fatal(err)
	}
	if v := decodeView(t, rec); v.Source != SourceReference {
		t.Errorf("expected reference source after clear, got %s", v.Source)
	}
}

func TestHandler_UploadMultipart(t *testing.T) {
	h, e := newTestHandler()
	id := h.sessions.Create().ID()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("file", "upload.json")
	fw.Write([]byte(`[{"dateRep":"01/03/2020","cases":"4","deaths":"0","countriesAndTerritories":"Spain"}]`))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)

	if err := h.Upload(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if v := decodeView(t, rec); v.Entity != "Spain" {
		t.Errorf("expected Spain, got %s", v.Entity)
	}
}

func TestHandler_UploadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"empty array", `[]`, fhir.IssueTypeStructure},
		{"not json", `{{{`, fhir.IssueTypeValue},
		{"bad field", `[{"dateRep":"2020-03-01","cases":1,"countriesAndTerritories":"Spain"}]`, fhir.IssueTypeValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, e := newTestHandler()
			id := h.sessions.Create().ID()

			c, rec := sessionContext(e, http.MethodPost, tt.body, id)
			if err := h.Upload(c); err != nil {
				t.Fatal(err)
			}
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("expected 422, got %d", rec.Code)
			}
			var oo fhir.OperationOutcome
			json.Unmarshal(rec.Body.Bytes(), &oo)
			if len(oo.Issue) == 0 || oo.Issue[0].Code != tt.code {
				t.Errorf("expected issue code %s, got %+v", tt.code, oo.Issue)
			}
		})
	}
}

func TestHandler_Chart(t *testing.T) {
	h, e := newTestHandler()
	coord := h.sessions.Create()

	c, rec := sessionContext(e, http.MethodGet, "", coord.ID())
	if err := h.Chart("txt")(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for empty chart, got %d", rec.Code)
	}

	coord.OnEntityChange("Germany")
	c, rec = sessionContext(e, http.MethodGet, "", coord.ID())
	if err := h.Chart("txt")(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "Total Number of Covid cases in Germany in 2020" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}

	c, rec = sessionContext(e, http.MethodGet, "", coord.ID())
	if err := h.Chart("gif")(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown format, got %d", rec.Code)
	}
}

func TestHandler_ListEntities(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/entities", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListEntities(c); err != nil {
		t.Fatal(err)
	}
	var items []entityItem
	json.Unmarshal(rec.Body.Bytes(), &items)
	if len(items) != 2 || items[0].ID != "France" {
		t.Errorf("unexpected entities %+v", items)
	}
}

func TestHandler_ListRecords(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/records?entity=Germany&cursor=2020-03-10&_count=4", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListRecords(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Data    []json.RawMessage `json:"data"`
		Total   int               `json:"total"`
		HasMore bool              `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 10 || len(resp.Data) != 4 || !resp.HasMore {
		t.Errorf("unexpected page: total=%d len=%d more=%v", resp.Total, len(resp.Data), resp.HasMore)
	}
}

func TestHandler_ListRecords_MissingEntity(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/records", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListRecords(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	id := decodeView(t, rec).Session

	req = httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+id+"/markers/toggle", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if v := decodeView(t, rec); v.Markers {
		t.Error("expected markers toggled off")
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/"+id, nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}
