package hl7v2

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

// =========== Handler Tests ===========

const handlerADT = "MSH|^~\\&|SendingApp|SendingFac|ReceivingApp|ReceivingFac|20240115143025||ADT^A01|MSG00001|P|2.5.1\r" +
	"PID|1||MRN12345^^^HOSP^MR||Doe^John||19800515|M\r" +
	"PV1|1|I|ICU^101^A"

func newTestContext(method, target, body, contentType string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_ParseMessage(t *testing.T) {
	obs := &recordingObserver{}
	h := NewHandler(nil, WithObserver(obs))
	c, rec := newTestContext(http.MethodPost, "/api/v1/hl7v2/parse", handlerADT, "text/plain")

	err := h.ParseMessage(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	contentType := rec.Header().Get("Content-Type")
	if !strings.Contains(contentType, "application/json") {
		t.Errorf("expected Content-Type containing 'application/json', got %q", contentType)
	}

	var result Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}

	if result.Header == nil || result.Header.ControlID != "MSG00001" {
		t.Errorf("expected control id 'MSG00001', got %+v", result.Header)
	}
	if result.Record.Demographics.ID != "MRN12345" {
		t.Errorf("expected patient id 'MRN12345', got %q", result.Record.Demographics.ID)
	}
	if result.Record.Visit == nil || result.Record.Visit.Location.Unit != "ICU" {
		t.Errorf("expected visit in unit ICU, got %+v", result.Record.Visit)
	}
	if result.Quality.StructuredSegments != 3 {
		t.Errorf("expected 3 structured segments, got %d", result.Quality.StructuredSegments)
	}

	if got := obs.snapshot(); len(got) != 1 || got[0] != SourceHTTP {
		t.Errorf("expected one observed http parse, got %v", got)
	}
}

func TestHandler_ParseMessage_ListsRenderAsArrays(t *testing.T) {
	h := NewHandler(nil)
	c, rec := newTestContext(http.MethodPost, "/api/v1/hl7v2/parse", handlerADT, "text/plain")

	if err := h.ParseMessage(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}
	var record map[string]json.RawMessage
	if err := json.Unmarshal(raw["record"], &record); err != nil {
		t.Fatalf("failed to parse record: %v", err)
	}
	for _, key := range []string{"diagnoses", "observations", "procedures"} {
		if string(record[key]) != "[]" {
			t.Errorf("expected %s to be [], got %s", key, record[key])
		}
	}
}

func TestHandler_ParseMessage_Invalid(t *testing.T) {
	h := NewHandler(nil)
	c, rec := newTestContext(http.MethodPost, "/api/v1/hl7v2/parse", "this is not a valid hl7 message", "text/plain")

	err := h.ParseMessage(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}

	var result Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}
	if len(result.Issues) != 1 || result.Issues[0].Severity != SeverityFatal {
		t.Errorf("expected a single fatal issue, got %+v", result.Issues)
	}
}

func TestHandler_ParseMessage_EmptyBody(t *testing.T) {
	h := NewHandler(nil)
	c, rec := newTestContext(http.MethodPost, "/api/v1/hl7v2/parse", "", "text/plain")

	err := h.ParseMessage(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "request body is empty") {
		t.Errorf("expected empty body error, got %s", rec.Body.String())
	}
}

func TestHandler_ValidateMessage(t *testing.T) {
	h := NewHandler(nil)
	body := "MSH|^~\\&|A|B|C|D|20240115143025||ADT^A01|V1|P|2.5.1\rPID|1||42||Doe^Jane||19800515|X"
	c, rec := newTestContext(http.MethodPost, "/api/v1/hl7v2/validate", body, "text/plain")

	if err := h.ValidateMessage(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Status  Status            `json:"status"`
		Issues  []ValidationIssue `json:"issues"`
		Quality QualityMetrics    `json:"quality"`
		Record  *PatientRecord    `json:"record"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}
	if resp.Status != StatusWarning {
		t.Errorf("expected status warning, got %q", resp.Status)
	}
	if resp.Record != nil {
		t.Error("expected validate response to omit the record")
	}

	found := false
	for _, issue := range resp.Issues {
		if issue.Code == IssueInvalidSex {
			found = true
			if issue.FieldIndex == nil || *issue.FieldIndex != 8 {
				t.Errorf("expected invalid sex at PID-8, got %+v", issue)
			}
		}
	}
	if !found {
		t.Errorf("expected an invalid-sex issue, got %+v", resp.Issues)
	}
}

func TestHandler_ParseBatch(t *testing.T) {
	obs := &recordingObserver{}
	h := NewHandler(nil, WithObserver(obs), WithBatchWorkers(2))

	messages := []string{
		strings.ReplaceAll(handlerADT, "MSG00001", "B1"),
		"garbage",
		strings.ReplaceAll(handlerADT, "MSG00001", "B3"),
		strings.ReplaceAll(handlerADT, "MSG00001", "B4"),
	}
	payload, _ := json.Marshal(map[string][]string{"messages": messages})
	c, rec := newTestContext(http.MethodPost, "/api/v1/hl7v2/batch", string(payload), "application/json")

	if err := h.ParseBatch(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Results []Result `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}
	if len(resp.Results) != len(messages) {
		t.Fatalf("expected %d results, got %d", len(messages), len(resp.Results))
	}

	for i, want := range []string{"B1", "", "B3", "B4"} {
		got := ""
		if resp.Results[i].Header != nil {
			got = resp.Results[i].Header.ControlID
		}
		if got != want {
			t.Errorf("result %d: expected control id %q, got %q", i, want, got)
		}
	}

	if got := obs.snapshot(); len(got) != len(messages) {
		t.Errorf("expected %d observed parses, got %d", len(messages), len(got))
	}
}

func TestHandler_ParseBatch_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{not json"},
		{"no messages", `{"messages": []}`},
		{"too many", `{"messages": [` + strings.Repeat(`"x",`, maxBatchMessages) + `"x"]}`},
	}

	h := NewHandler(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newTestContext(http.MethodPost, "/api/v1/hl7v2/batch", tt.body, "application/json")
			if err := h.ParseBatch(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h := NewHandler(nil)
	e := echo.New()

	g := e.Group("/api/v1")
	h.RegisterRoutes(g)

	routes := e.Routes()
	routePaths := make(map[string]bool)
	for _, r := range routes {
		routePaths[r.Method+":"+r.Path] = true
	}

	expected := []string{
		"POST:/api/v1/hl7v2/parse",
		"POST:/api/v1/hl7v2/validate",
		"POST:/api/v1/hl7v2/batch",
	}
	for _, path := range expected {
		if !routePaths[path] {
			t.Errorf("missing expected route: %s", path)
		}
	}
}

// tooLargeBody fails every read the way the body limit middleware does.
type tooLargeBody struct{}

func (tooLargeBody) Read([]byte) (int, error) {
	return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
}

func TestHandler_OversizedBody(t *testing.T) {
	h := NewHandler(nil)
	tests := []struct {
		name   string
		path   string
		handle func(echo.Context) error
	}{
		{"parse", "/api/v1/hl7v2/parse", h.ParseMessage},
		{"validate", "/api/v1/hl7v2/validate", h.ValidateMessage},
		{"batch", "/api/v1/hl7v2/batch", h.ParseBatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, tt.path, tooLargeBody{})
			rec := httptest.NewRecorder()
			if err := tt.handle(e.NewContext(req, rec)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != http.StatusRequestEntityTooLarge {
				t.Errorf("expected 413, got %d", rec.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if body["error"] != "request body too large" {
				t.Errorf("expected the limit message, got %q", body["error"])
			}
		})
	}
}
