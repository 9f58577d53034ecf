package hl7v2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// maxBatchMessages caps the number of messages accepted by one batch request.
const maxBatchMessages = 500

// Handler provides HTTP endpoints for HL7v2 message parsing and validation.
type Handler struct {
	parser   *Parser
	observer Observer
	workers  int
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithObserver registers an observer notified of every parse.
func WithObserver(o Observer) HandlerOption {
	return func(h *Handler) { h.observer = o }
}

// WithBatchWorkers bounds the goroutines used by the batch endpoint.
func WithBatchWorkers(n int) HandlerOption {
	return func(h *Handler) { h.workers = n }
}

// NewHandler creates a new HL7v2 handler. A nil parser uses the defaults.
func NewHandler(p *Parser, opts ...HandlerOption) *Handler {
	if p == nil {
		p = defaultParser
	}
	h := &Handler{parser: p, observer: Observers(nil)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	POST /api/v1/hl7v2/parse     - Parse an HL7v2 message into a patient record
//	POST /api/v1/hl7v2/validate  - Report status, issues and quality only
//	POST /api/v1/hl7v2/batch     - Parse a JSON list of messages
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseMessage)
	g.POST("/hl7v2/validate", h.ValidateMessage)
	g.POST("/hl7v2/batch", h.ParseBatch)
}

// validateResponse is the body returned by the validate endpoint.
type validateResponse struct {
	Status  Status            `json:"status"`
	Issues  []ValidationIssue `json:"issues"`
	Quality QualityMetrics    `json:"quality"`
}

// batchRequest is the JSON request body for the batch endpoint.
type batchRequest struct {
	Messages []string `json:"messages"`
}

// batchResponse holds one result per submitted message, in order.
type batchResponse struct {
	Results []*Result `json:"results"`
}

// ParseMessage handles POST /api/v1/hl7v2/parse.
// It reads raw HL7v2 from the request body and returns the parse result.
// A message without a usable MSH header yields 422 with the fatal result.
func (h *Handler) ParseMessage(c echo.Context) error {
	res, code, msg := h.parseBody(c)
	if res == nil {
		return c.JSON(code, map[string]string{"error": msg})
	}
	if res.Fatal() {
		return c.JSON(http.StatusUnprocessableEntity, res)
	}
	return c.JSON(http.StatusOK, res)
}

// ValidateMessage handles POST /api/v1/hl7v2/validate.
func (h *Handler) ValidateMessage(c echo.Context) error {
	res, code, msg := h.parseBody(c)
	if res == nil {
		return c.JSON(code, map[string]string{"error": msg})
	}
	code = http.StatusOK
	if res.Fatal() {
		code = http.StatusUnprocessableEntity
	}
	return c.JSON(code, validateResponse{
		Status:  res.Status(),
		Issues:  res.Issues,
		Quality: res.Quality,
	})
}

// ParseBatch handles POST /api/v1/hl7v2/batch.
func (h *Handler) ParseBatch(c echo.Context) error {
	var req batchRequest
	if err := decodeJSONBody(c, &req); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return c.JSON(he.Code, map[string]string{"error": fmt.Sprint(he.Message)})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}
	if len(req.Messages) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "messages is required",
		})
	}
	if len(req.Messages) > maxBatchMessages {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "too many messages in one batch",
		})
	}

	ctx := c.Request().Context()
	start := time.Now()
	results, err := h.parser.ParseBatch(ctx, req.Messages, h.workers)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "batch cancelled: " + err.Error(),
		})
	}
	per := time.Since(start) / time.Duration(len(results))
	for _, res := range results {
		h.observe(ctx, SourceBatch, res, per)
	}
	return c.JSON(http.StatusOK, batchResponse{Results: results})
}

// parseBody reads the raw message and runs the parser. On a bad request it
// returns a nil result with the status and message to report.
func (h *Handler) parseBody(c echo.Context) (*Result, int, string) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		code, msg := readFailure(err)
		return nil, code, msg
	}
	if len(body) == 0 {
		return nil, http.StatusBadRequest, "request body is empty"
	}

	start := time.Now()
	res := h.parser.Parse(string(body))
	h.observe(c.Request().Context(), SourceHTTP, res, time.Since(start))
	return res, http.StatusOK, ""
}

// readFailure maps a body read error to a response. The body limit
// middleware fails reads with a 413 HTTPError.
func readFailure(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, fmt.Sprint(he.Message)
	}
	return http.StatusBadRequest, "failed to read request body"
}

func (h *Handler) observe(ctx context.Context, source string, res *Result, elapsed time.Duration) {
	if h.observer != nil {
		h.observer.ObserveParse(ctx, source, res, elapsed)
	}
}

// decodeJSONBody reads and decodes the JSON request body into the given target.
func decodeJSONBody(c echo.Context, target interface{}) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, target)
}
