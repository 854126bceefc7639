package inventory

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

func request(p *auth.Principal, method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	return req.WithContext(auth.WithPrincipal(req.Context(), p))
}

func TestHandler_CreateItem(t *testing.T) {
	h, f, e := newTestHandler(t)
	rec := httptest.NewRecorder()
	body := `{"name":"Anesthetic cartridge","unit":"box","unit_cost":"42.50","min_stock":5,"initial_stock":3}`
	c := e.NewContext(request(f.assistant, http.MethodPost, "/", body), rec)

	if err := h.CreateItem(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"low_stock":true`) {
		t.Errorf("expected low_stock in %s", rec.Body.String())
	}
}

func TestHandler_RecordMovement(t *testing.T) {
	h, f, e := newTestHandler(t)
	it := f.item(t, 5, 10)
	rec := httptest.NewRecorder()
	c := e.NewContext(request(f.assistant, http.MethodPost, "/", `{"type":"out","quantity":5}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(it.ID.String())

	if err := h.RecordMovement(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data struct {
			Movement struct {
				StockAfter int `json:"stock_after"`
			} `json:"movement"`
			Item struct {
				CurrentStock int `json:"current_stock"`
			} `json:"item"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Movement.StockAfter != 0 || resp.Data.Item.CurrentStock != 0 {
		t.Errorf("unexpected stock in %s", rec.Body.String())
	}
}

func TestHandler_RecordMovement_Insufficient(t *testing.T) {
	h, f, e := newTestHandler(t)
	it := f.item(t, 5, 10)
	c := e.NewContext(request(f.assistant, http.MethodPost, "/", `{"type":"out","quantity":6}`), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(it.ID.String())
	if err := h.RecordMovement(c); !apperr.Is(err, apperr.InsufficientStock) {
		t.Errorf("expected InsufficientStock, got %v", err)
	}
}

func TestHandler_ListLowStock(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.item(t, 50, 10)
	f.item(t, 2, 10)
	rec := httptest.NewRecorder()
	c := e.NewContext(request(f.doctor, http.MethodGet, "/", ""), rec)

	if err := h.ListLowStock(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 {
		t.Errorf("expected 1 low item, got %d", resp.Total)
	}
}

func TestHandler_GetItem_BadID(t *testing.T) {
	h, f, e := newTestHandler(t)
	c := e.NewContext(request(f.doctor, http.MethodGet, "/", ""), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("42")
	if err := h.GetItem(c); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}
