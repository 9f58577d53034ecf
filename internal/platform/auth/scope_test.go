package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestMatchScope(t *testing.T) {
	tests := []struct {
		granted  string
		required string
		want     bool
	}{
		{"hl7v2.parse", "hl7v2.parse", true},
		{"hl7v2.validate", "hl7v2.parse", false},
		{"hl7v2.*", "hl7v2.parse", true},
		{"*.*", "hl7v2.validate", true},
		{"*.parse", "hl7v2.parse", true},
		{"fhir.*", "hl7v2.parse", false},
		{"", "hl7v2.parse", false},
		{"hl7v2.parse", "", false},
		{"invalid", "hl7v2.parse", false},
	}

	for _, tt := range tests {
		if got := matchScope(tt.granted, tt.required); got != tt.want {
			t.Errorf("matchScope(%q, %q) = %v, want %v", tt.granted, tt.required, got, tt.want)
		}
	}
}

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name     string
		scopes   []string
		wantCode int
	}{
		{"exact scope", []string{"hl7v2.parse"}, http.StatusOK},
		{"wildcard", []string{"hl7v2.*"}, http.StatusOK},
		{"other scope", []string{"hl7v2.validate"}, http.StatusForbidden},
		{"no scopes", nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7v2/parse", nil)
			req = req.WithContext(context.WithValue(req.Context(), UserScopesKey, tt.scopes))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := RequireScope("hl7v2", "parse")(func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})(c)

			if tt.wantCode == http.StatusOK {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok {
				t.Fatalf("expected echo.HTTPError, got %T", err)
			}
			if httpErr.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, httpErr.Code)
			}
		})
	}
}
