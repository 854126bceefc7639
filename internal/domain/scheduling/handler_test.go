package scheduling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *fixture, *echo.Echo) {
	f := newFixture(t)
	return NewHandler(f.svc), f, echo.New()
}

func (f *fixture) request(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	return req.WithContext(auth.WithPrincipal(req.Context(), f.caller))
}

func TestHandler_CreateAppointment(t *testing.T) {
	h, f, e := newTestHandler(t)
	body := `{"patient_id":"` + f.patient.String() + `","practitioner_id":"` + f.doctor.String() +
		`","starts_at":"2026-03-02T10:00:00Z","ends_at":"2026-03-02T10:30:00Z"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(f.request(http.MethodPost, "/", body), rec)

	if err := h.CreateAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var resp struct {
		Success bool        `json:"success"`
		ID      string      `json:"id"`
		Data    Appointment `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.ID == "" || resp.Data.Status != StatusScheduled {
		t.Errorf("unexpected response %s", rec.Body.String())
	}
}

func TestHandler_CreateAppointment_DoubleBooked(t *testing.T) {
	h, f, e := newTestHandler(t)
	if _, err := f.book(t, at(10, 0), at(10, 30)); err != nil {
		t.Fatal(err)
	}
	body := `{"patient_id":"` + f.patient.String() + `","practitioner_id":"` + f.doctor.String() +
		`","starts_at":"2026-03-02T10:15:00Z","ends_at":"2026-03-02T10:45:00Z"}`
	c := e.NewContext(f.request(http.MethodPost, "/", body), httptest.NewRecorder())

	err := h.CreateAppointment(c)
	if !apperr.Is(err, apperr.DoubleBooked) {
		t.Errorf("expected DoubleBooked, got %v", err)
	}
}

func TestHandler_CreateAppointment_MalformedBody(t *testing.T) {
	h, f, e := newTestHandler(t)
	c := e.NewContext(f.request(http.MethodPost, "/", `{"patient_id":`), httptest.NewRecorder())
	if err := h.CreateAppointment(c); !apperr.Is(err, apperr.ValidationFailed) {
		t.Errorf("expected ValidationFailed, got %v", err)
	}
}

func TestHandler_GetAppointment_MalformedID(t *testing.T) {
	h, f, e := newTestHandler(t)
	c := e.NewContext(f.request(http.MethodGet, "/", ""), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	if err := h.GetAppointment(c); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestHandler_GetAppointment_NoPrincipal(t *testing.T) {
	h, f, e := newTestHandler(t)
	a, err := f.book(t, at(10, 0), at(10, 30))
	if err != nil {
		t.Fatal(err)
	}
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if err := h.GetAppointment(c); !apperr.Is(err, apperr.Unauthenticated) {
		t.Errorf("expected Unauthenticated, got %v", err)
	}
}

func TestHandler_CheckConflict(t *testing.T) {
	h, f, e := newTestHandler(t)
	if _, err := f.book(t, at(10, 0), at(10, 30)); err != nil {
		t.Fatal(err)
	}
	target := "/?practitioner_id=" + f.doctor.String() + "&starts_at=2026-03-02T10:15:00Z&ends_at=2026-03-02T10:45:00Z"
	rec := httptest.NewRecorder()
	c := e.NewContext(f.request(http.MethodGet, target, ""), rec)

	if err := h.CheckConflict(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"conflict":true`) {
		t.Errorf("expected conflict, got %s", rec.Body.String())
	}
}

func TestHandler_CheckConflict_MissingPractitioner(t *testing.T) {
	h, f, e := newTestHandler(t)
	c := e.NewContext(f.request(http.MethodGet, "/?starts_at=2026-03-02T10:15:00Z", ""), httptest.NewRecorder())
	if err := h.CheckConflict(c); !apperr.Is(err, apperr.ValidationFailed) {
		t.Errorf("expected ValidationFailed, got %v", err)
	}
}

func TestHandler_TransitionAppointment(t *testing.T) {
	h, f, e := newTestHandler(t)
	a, err := f.book(t, at(10, 0), at(10, 30))
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(f.request(http.MethodPost, "/", `{"status":"CONFIRMED"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())

	if err := h.TransitionAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"status":"CONFIRMED"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_ListAppointments(t *testing.T) {
	h, f, e := newTestHandler(t)
	for _, hr := range []int{9, 11} {
		if _, err := f.book(t, at(hr, 0), at(hr, 30)); err != nil {
			t.Fatal(err)
		}
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(f.request(http.MethodGet, "/?practitioner_id="+f.doctor.String()+"&limit=1", ""), rec)
	if err := h.ListAppointments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"total":2`) || !strings.Contains(body, `"has_more":true`) {
		t.Errorf("unexpected body %s", body)
	}
}

func TestHandler_DeleteAppointment(t *testing.T) {
	h, f, e := newTestHandler(t)
	a, err := f.book(t, at(10, 0), at(10, 30))
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(f.request(http.MethodDelete, "/", ""), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if err := h.DeleteAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}
