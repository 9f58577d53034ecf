package openapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestGenerateSpec_Structure(t *testing.T) {
	g := NewGenerator("1.2.0", "http://localhost:8000")
	spec := g.GenerateSpec()

	if spec["openapi"] != "3.0.3" {
		t.Errorf("expected openapi '3.0.3', got %v", spec["openapi"])
	}
	info := spec["info"].(map[string]interface{})
	if info["version"] != "1.2.0" {
		t.Errorf("expected version '1.2.0', got %v", info["version"])
	}
	servers := spec["servers"].([]map[string]string)
	if len(servers) != 1 || servers[0]["url"] != "http://localhost:8000" {
		t.Errorf("unexpected servers %v", servers)
	}
}

func TestGenerateSpec_Paths(t *testing.T) {
	spec := NewGenerator("1.0.0", "").GenerateSpec()
	paths := spec["paths"].(map[string]interface{})

	tests := []struct {
		path, method, operationID string
	}{
		{"/api/v1/hl7v2/parse", "post", "parseMessage"},
		{"/api/v1/hl7v2/validate", "post", "validateMessage"},
		{"/api/v1/hl7v2/batch", "post", "parseBatch"},
		{"/api/v1/hl7v2/events", "get", "streamEvents"},
	}
	for _, tt := range tests {
		item, ok := paths[tt.path].(map[string]interface{})
		if !ok {
			t.Errorf("missing path %s", tt.path)
			continue
		}
		op, ok := item[tt.method].(map[string]interface{})
		if !ok {
			t.Errorf("missing %s on %s", tt.method, tt.path)
			continue
		}
		if op["operationId"] != tt.operationID {
			t.Errorf("expected operationId %s, got %v", tt.operationID, op["operationId"])
		}
	}
}

func TestGenerateSpec_RefsResolve(t *testing.T) {
	spec := NewGenerator("1.0.0", "").GenerateSpec()
	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("failed to marshal spec: %v", err)
	}

	schemas := spec["components"].(map[string]interface{})["schemas"].(map[string]interface{})
	for _, part := range strings.Split(string(data), `"$ref":"#/components/schemas/`)[1:] {
		name := part[:strings.Index(part, `"`)]
		if _, ok := schemas[name]; !ok {
			t.Errorf("dangling reference to %s", name)
		}
	}
}

func TestGenerateSpec_QualityFields(t *testing.T) {
	spec := NewGenerator("1.0.0", "").GenerateSpec()
	schemas := spec["components"].(map[string]interface{})["schemas"].(map[string]interface{})
	props := schemas["Quality"].(map[string]interface{})["properties"].(map[string]interface{})

	for _, name := range []string{"completeness", "fallback_segments", "realigned_segments", "required_expected"} {
		if _, ok := props[name]; !ok {
			t.Errorf("expected Quality.%s", name)
		}
	}
}

func TestGenerator_OpenAPIEndpoint(t *testing.T) {
	e := echo.New()
	NewGenerator("1.0.0", "http://localhost:8000").RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodGet, "/openapi.json", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var spec map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &spec); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if spec["openapi"] != "3.0.3" {
		t.Errorf("expected openapi '3.0.3', got %v", spec["openapi"])
	}
}

func TestGenerator_Docs(t *testing.T) {
	e := echo.New()
	NewGenerator("1.0.0", "").RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodGet, "/docs", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `url: "/openapi.json"`) {
		t.Error("expected the docs page to load /openapi.json")
	}
}
