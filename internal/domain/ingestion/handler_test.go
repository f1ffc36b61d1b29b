package ingestion

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/dialysis/pdms/internal/platform/auth"
	"github.com/dialysis/pdms/internal/platform/db"
	"github.com/dialysis/pdms/internal/platform/hl7v2"
)

func hl7Request(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, "text/plain")
	return req.WithContext(db.WithTenant(req.Context(), tenant))
}

func TestHandler_IngestBatch(t *testing.T) {
	p, _, _ := newTestPipeline(Config{})
	h := NewHandler(p)
	e := echo.New()

	batch := hl7v2.BuildBatch(
		oru("MSG1", "SESS001", "MRN001", pulse("72")),
		oru("MSG2", "SESS002", "MRN002", pulse("80")),
	)
	rec := httptest.NewRecorder()
	c := e.NewContext(hl7Request(string(batch)), rec)

	if err := h.IngestBatch(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var got BatchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ProcessedCount != 2 {
		t.Errorf("expected 2 processed, got %d", got.ProcessedCount)
	}
	if len(got.SessionIDs) != 2 {
		t.Errorf("expected 2 session ids, got %v", got.SessionIDs)
	}
	if len(got.Acks) != 2 {
		t.Errorf("expected 2 acks, got %d", len(got.Acks))
	}
}

func TestHandler_IngestBatch_EmptyBody(t *testing.T) {
	p, _, _ := newTestPipeline(Config{})
	h := NewHandler(p)
	e := echo.New()

	c := e.NewContext(hl7Request(""), httptest.NewRecorder())
	err := h.IngestBatch(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", httpErr.Code)
	}
}

func TestHandler_IngestMessage(t *testing.T) {
	p, _, _ := newTestPipeline(Config{})
	h := NewHandler(p)
	e := echo.New()

	tests := []struct {
		name string
		body string
		code string
	}{
		{"accepted", string(oru("MSG1", "SESS001", "MRN001", pulse("72"))), hl7v2.AckAccept},
		{"missing session", "MSH|^~\\&|D|U|P|P|20240115150000||ORU^R01|M9|P|2.6\rOBX|1|NM|MDC_PULS_RATE||70", hl7v2.AckError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := e.NewContext(hl7Request(tt.body), rec)
			if err := h.IngestMessage(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("expected 200, got %d", rec.Code)
			}
			if ct := rec.Header().Get(echo.HeaderContentType); ct != MIMEHL7 {
				t.Errorf("expected content type %s, got %q", MIMEHL7, ct)
			}
			ack, err := hl7v2.Parse(rec.Body.Bytes())
			if err != nil {
				t.Fatalf("parse ack: %v", err)
			}
			if got := ack.GetSegment("MSA").GetField(1); got != tt.code {
				t.Errorf("expected %s, got %q", tt.code, got)
			}
		})
	}
}

func TestHandler_RoutesRequireDeviceRole(t *testing.T) {
	p, _, _ := newTestPipeline(Config{})
	h := NewHandler(p)
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1"))

	body := string(oru("MSG1", "SESS001", "MRN001", pulse("72")))
	for _, tc := range []struct {
		role string
		want int
	}{
		{auth.RoleNurse, http.StatusForbidden},
		{auth.RoleDevice, http.StatusOK},
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7/messages", strings.NewReader(body))
		ctx := auth.WithRoles(db.WithTenant(req.Context(), tenant), "dev-7", tc.role)
		req = req.WithContext(ctx)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("role %s: expected %d, got %d", tc.role, tc.want, rec.Code)
		}
	}
}
