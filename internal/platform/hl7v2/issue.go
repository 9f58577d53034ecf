package hl7v2

import "fmt"

// Severity of a ValidationIssue.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	// SeverityFatal means the message could not be tokenized at all.
	SeverityFatal Severity = "fatal"
)

// IssueCode enumerates the kinds of problems the parser reports.
type IssueCode string

const (
	IssueMissingHeader        IssueCode = "missing-header"
	IssueMissingSegment       IssueCode = "missing-segment"
	IssueMissingRequiredField IssueCode = "missing-required-field"
	IssueInvalidDate          IssueCode = "invalid-date"
	IssueInvalidSex           IssueCode = "invalid-sex"
	IssueInvalidPatientClass  IssueCode = "invalid-patient-class"
	IssueInvalidMessageType   IssueCode = "invalid-message-type"
	IssueUnsupportedVersion   IssueCode = "unsupported-version"
	IssueInvalidEncoding      IssueCode = "invalid-encoding-characters"
	IssueUnknownCodingSystem  IssueCode = "unknown-coding-system"
	IssueInvalidNumericValue  IssueCode = "invalid-numeric-value"
	IssueDuplicateSetID       IssueCode = "duplicate-set-id"
	IssueDuplicateSegment     IssueCode = "duplicate-segment"
	IssueUnrecognizedSegment  IssueCode = "unrecognized-segment"
	IssueFallbackUsed         IssueCode = "fallback-used"
	IssueFallbackNoData       IssueCode = "fallback-no-data"
)

// ValidationIssue is one diagnostic. Issues are collected, never raised.
type ValidationIssue struct {
	Severity   Severity  `json:"severity"`
	Code       IssueCode `json:"code"`
	SegmentTag string    `json:"segment_tag"`
	FieldIndex *int      `json:"field_index,omitempty"`
	Message    string    `json:"message"`
}

// IsError reports whether the issue is an error or fatal.
func (i ValidationIssue) IsError() bool {
	return i.Severity == SeverityError || i.Severity == SeverityFatal
}

// IsWarning reports whether the issue is a warning.
func (i ValidationIssue) IsWarning() bool {
	return i.Severity == SeverityWarning
}

// String returns a one-line rendering such as "warning PID-8: sex ...".
func (i ValidationIssue) String() string {
	loc := i.SegmentTag
	if i.FieldIndex != nil {
		loc = fmt.Sprintf("%s-%d", i.SegmentTag, *i.FieldIndex)
	}
	return fmt.Sprintf("%s %s [%s]: %s", i.Severity, loc, i.Code, i.Message)
}

func newIssue(sev Severity, code IssueCode, tag string, field int, format string, args ...any) ValidationIssue {
	issue := ValidationIssue{
		Severity:   sev,
		Code:       code,
		SegmentTag: tag,
		Message:    fmt.Sprintf(format, args...),
	}
	if field > 0 {
		f := field
		issue.FieldIndex = &f
	}
	return issue
}
