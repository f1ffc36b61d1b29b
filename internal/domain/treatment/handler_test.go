package treatment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/dialysis/pdms/internal/platform/auth"
	"github.com/dialysis/pdms/internal/platform/db"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo, *MemoryRepository) {
	t.Helper()
	svc, repo, _ := newTestService()
	seedSession(t, repo, "SESS001")
	return NewHandler(svc), echo.New(), repo
}

func tenantRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	return req.WithContext(db.WithTenant(req.Context(), "unit-3"))
}

func expectHTTPStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

const validPreAssessmentBody = `{"weight_kg":"72.4","systolic_bp":138,"diastolic_bp":82,"access_type":"AV fistula","prescription_confirmed":true,"recorded_by":"nurse-1"}`

func TestHandler_GetSession(t *testing.T) {
	h, e, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	c := e.NewContext(tenantRequest(http.MethodGet, "/", ""), rec)
	c.SetParamNames("id")
	c.SetParamValues("SESS001")

	if err := h.GetSession(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var got Session
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != "SESS001" || got.Status != StatusPreAssessment {
		t.Errorf("unexpected session %+v", got)
	}
}

func TestHandler_GetSession_NotFound(t *testing.T) {
	h, e, _ := newTestHandler(t)

	c := e.NewContext(tenantRequest(http.MethodGet, "/", ""), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("SESS999")

	expectHTTPStatus(t, h.GetSession(c), http.StatusNotFound)
}

func TestHandler_SubmitPreAssessment(t *testing.T) {
	h, e, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	c := e.NewContext(tenantRequest(http.MethodPost, "/", validPreAssessmentBody), rec)
	c.SetParamNames("id")
	c.SetParamValues("SESS001")

	if err := h.SubmitPreAssessment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Session
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != StatusRunning {
		t.Errorf("expected Running, got %s", got.Status)
	}
}

func TestHandler_SubmitPreAssessment_Invalid(t *testing.T) {
	h, e, _ := newTestHandler(t)

	body := `{"weight_kg":"72.4","systolic_bp":80,"diastolic_bp":82,"access_type":"AV fistula","prescription_confirmed":true,"recorded_by":"nurse-1"}`
	c := e.NewContext(tenantRequest(http.MethodPost, "/", body), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("SESS001")

	expectHTTPStatus(t, h.SubmitPreAssessment(c), http.StatusBadRequest)
}

func TestHandler_CompleteSession_Conflict(t *testing.T) {
	h, e, _ := newTestHandler(t)

	c := e.NewContext(tenantRequest(http.MethodPost, "/", ""), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("SESS001")

	expectHTTPStatus(t, h.CompleteSession(c), http.StatusConflict)
}

func TestHandler_SignSession_DefaultsToCaller(t *testing.T) {
	h, e, _ := newTestHandler(t)
	ctx := context.Background()
	if _, err := h.svc.SubmitPreAssessment(ctx, "unit-3", "SESS001", validPreAssessment()); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.CompleteSession(ctx, "unit-3", "SESS001"); err != nil {
		t.Fatal(err)
	}

	req := tenantRequest(http.MethodPost, "/", `{}`)
	req = req.WithContext(auth.WithRoles(req.Context(), "dr-house", auth.RoleClinician))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("SESS001")

	if err := h.SignSession(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Session
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != StatusSigned || strVal(got.SignedBy) != "dr-house" {
		t.Errorf("expected signed by dr-house, got %s by %q", got.Status, strVal(got.SignedBy))
	}
}

func TestHandler_ListSessions(t *testing.T) {
	h, e, repo := newTestHandler(t)
	seedSession(t, repo, "SESS002")

	rec := httptest.NewRecorder()
	c := e.NewContext(tenantRequest(http.MethodGet, "/?status=preassessment", ""), rec)
	if err := h.ListSessions(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data  []Session `json:"data"`
		Total int       `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 2 || len(resp.Data) != 2 {
		t.Errorf("expected 2 sessions, got %d", resp.Total)
	}

	c = e.NewContext(tenantRequest(http.MethodGet, "/?status=paused", ""), httptest.NewRecorder())
	expectHTTPStatus(t, h.ListSessions(c), http.StatusBadRequest)
}

func TestHandler_ListObservations_NotFound(t *testing.T) {
	h, e, _ := newTestHandler(t)

	c := e.NewContext(tenantRequest(http.MethodGet, "/", ""), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("SESS404")

	expectHTTPStatus(t, h.ListObservations(c), http.StatusNotFound)
}

func TestHandler_ExportFHIR(t *testing.T) {
	h, e, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	c := e.NewContext(tenantRequest(http.MethodGet, "/", ""), rec)
	c.SetParamNames("id")
	c.SetParamValues("SESS001")

	if err := h.ExportFHIR(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"resourceType":"Bundle"`) {
		t.Errorf("expected a Bundle, got %s", rec.Body.String())
	}
}

func TestHandler_ListChannels(t *testing.T) {
	h, e, _ := newTestHandler(t)

	tests := []struct {
		query string
		code  int
		want  string
	}{
		{"?modality=hdf", http.StatusOK, `"Convective"`},
		{"?mode=Idle", http.StatusOK, `"Machine"`},
		{"", http.StatusOK, `"IUF"`},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		c := e.NewContext(tenantRequest(http.MethodGet, "/"+tt.query, ""), rec)
		if err := h.ListChannels(c); err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.query, err)
		}
		if !strings.Contains(rec.Body.String(), tt.want) {
			t.Errorf("%s: expected %s in %s", tt.query, tt.want, rec.Body.String())
		}
	}

	c := e.NewContext(tenantRequest(http.MethodGet, "/?modality=peritoneal", ""), httptest.NewRecorder())
	expectHTTPStatus(t, h.ListChannels(c), http.StatusBadRequest)
}

func TestHandler_RoutesRequireRole(t *testing.T) {
	h, e, _ := newTestHandler(t)
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := db.WithTenant(req.Context(), "unit-3")
			ctx = auth.WithRoles(ctx, "gateway", auth.RoleDevice)
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	})
	h.RegisterRoutes(api)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/SESS001/sign", strings.NewReader(`{}`)))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for device role, got %d", rec.Code)
	}
}
