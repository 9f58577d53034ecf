package hl7v2

import (
	"errors"
	"strings"
)

// Status is the overall outcome of a parse, derived from the worst issue.
type Status string

const (
	StatusValid   Status = "valid"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
	StatusFatal   Status = "fatal"
)

// Result is everything one parse call produces. The caller owns it.
type Result struct {
	Record  PatientRecord     `json:"record"`
	Issues  []ValidationIssue `json:"issues"`
	Quality QualityMetrics    `json:"quality"`
	Header  *Header           `json:"header,omitempty"`
}

// Status returns the outcome implied by the most severe issue.
func (r *Result) Status() Status {
	status := StatusValid
	for _, i := range r.Issues {
		switch i.Severity {
		case SeverityFatal:
			return StatusFatal
		case SeverityError:
			status = StatusError
		case SeverityWarning:
			if status == StatusValid {
				status = StatusWarning
			}
		}
	}
	return status
}

// Fatal reports whether the message could not be tokenized at all.
func (r *Result) Fatal() bool {
	return r.Status() == StatusFatal
}

// FirstError returns the first error or fatal issue, or nil.
func (r *Result) FirstError() *ValidationIssue {
	for i := range r.Issues {
		if r.Issues[i].IsError() {
			return &r.Issues[i]
		}
	}
	return nil
}

// Options configures a Parser.
type Options struct {
	// CodingSystems extends the recognized DG1 coding systems.
	CodingSystems []string
	// Versions replaces the accepted MSH-12 versions when non-empty.
	Versions []string
}

// Parser turns raw HL7 v2 text into a Result. It holds no mutable state, so
// one Parser can serve any number of goroutines.
type Parser struct {
	validator *Validator
}

// NewParser returns a Parser configured by opts.
func NewParser(opts Options) *Parser {
	systems := append(append([]string{}, DefaultCodingSystems...), opts.CodingSystems...)
	var versions []string
	if len(opts.Versions) > 0 {
		versions = opts.Versions
	}
	return &Parser{validator: NewValidator(systems, versions)}
}

var defaultParser = NewParser(Options{})

// Parse parses text with the default options.
func Parse(text string) *Result {
	return defaultParser.Parse(text)
}

// Parse runs the full pipeline: resolve delimiters, tokenize, parse every
// segment (structured first, fallback on structural failure), validate and
// aggregate. Only a missing or unusable MSH header stops it early.
func (p *Parser) Parse(text string) *Result {
	lines := SplitLines(text)
	if len(lines) == 0 {
		return fatalResult(errors.New("message is empty"))
	}
	d, err := ResolveDelimiters(lines[0])
	if err != nil {
		return fatalResult(err)
	}

	segs := Tokenize(lines, d)
	parsed := make([]ParsedSegment, len(segs))
	for i := range segs {
		parsed[i] = parseSegment(i, segs[i], d)
	}

	issues := p.validator.Validate(parsed)
	rec, header, q := aggregate(parsed)
	q.countIssues(issues)
	return &Result{Record: rec, Issues: issues, Quality: q, Header: header}
}

// parseSegment is the per-segment two-stage pipeline.
func parseSegment(index int, seg Segment, d Delimiters) ParsedSegment {
	ps := ParsedSegment{Index: index, Segment: seg}
	if seg.Tag == "PID" {
		ps.Realigned = pidFieldOffset(&seg) != 0
	}

	data, err := parseStructured(&seg, d)
	switch {
	case err == nil:
		ps.Data = data
		ps.Path = PathStructured
		if u, ok := data.(*UnrecognizedSegment); ok {
			ps.Path = PathSkipped
			ps.Issues = []ValidationIssue{newIssue(SeverityInfo, IssueUnrecognizedSegment, u.Tag, 0,
				"segment %q at line %d has no parser and was skipped", u.Tag, seg.Line)}
		}
	default:
		ps.Data, ps.Issues = parseFallback(&seg, d, err)
		ps.Path = PathFallback
	}
	return ps
}

func fatalResult(err error) *Result {
	msg := strings.TrimPrefix(err.Error(), "hl7v2: ")
	return &Result{
		Record: newPatientRecord(),
		Issues: []ValidationIssue{newIssue(SeverityFatal, IssueMissingHeader, "MSH", 0, "%s", msg)},
	}
}
