package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		userRole []string
		required []string
		allowed  bool
	}{
		{"matching role", []string{RoleNurse}, []string{RoleClinician, RoleNurse}, true},
		{"admin bypass", []string{RoleAdmin}, []string{RoleClinician}, true},
		{"missing role", []string{RoleDevice}, []string{RoleClinician}, false},
		{"no roles", nil, []string{RoleAuditor}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, tt.userRole))
			c := e.NewContext(req, httptest.NewRecorder())

			err := RequireRole(tt.required...)(ok)(c)
			if tt.allowed && err != nil {
				t.Fatalf("expected access, got %v", err)
			}
			if !tt.allowed {
				expectStatus(t, err, http.StatusForbidden)
			}
		})
	}
}

func TestWithRoles(t *testing.T) {
	ctx := WithRoles(context.Background(), "mllp", RoleDevice)
	if got := UserIDFromContext(ctx); got != "mllp" {
		t.Errorf("expected user mllp, got %q", got)
	}
	if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RoleDevice {
		t.Errorf("expected [device], got %v", roles)
	}
}

func TestIsPublicPath(t *testing.T) {
	if !IsPublicPath("/health") || !IsPublicPath("/health/db") {
		t.Error("expected health endpoints to be public")
	}
	if IsPublicPath("/api/v1/sessions") {
		t.Error("expected api path to require auth")
	}
}
