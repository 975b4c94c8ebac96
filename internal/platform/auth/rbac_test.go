package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRoles(roles ...string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, roles))
	return e.NewContext(req, httptest.NewRecorder())
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		has      []string
		required []string
		allowed  bool
	}{
		{"matching role", []string{"nurse"}, []string{"physician", "nurse"}, true},
		{"admin passes", []string{"admin"}, []string{"registrar"}, true},
		{"missing role", []string{"registrar"}, []string{"physician"}, false},
		{"no roles", nil, []string{"nurse"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := contextWithRoles(tt.has...)
			err := RequireRole(tt.required...)(okHandler)(c)
			if tt.allowed && err != nil {
				t.Errorf("expected access, got %v", err)
			}
			if !tt.allowed {
				httpErr, ok := err.(*echo.HTTPError)
				if !ok || httpErr.Code != http.StatusForbidden {
					t.Errorf("expected 403, got %v", err)
				}
			}
		})
	}
}

func TestIsPublicPath(t *testing.T) {
	for _, p := range []string{"/health", "/health/db", "/metrics"} {
		if !IsPublicPath(p) {
			t.Errorf("%s should be public", p)
		}
	}
	if IsPublicPath("/api/v1/appointments") {
		t.Error("api paths must not be public")
	}
}
