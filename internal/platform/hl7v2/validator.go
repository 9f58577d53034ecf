package hl7v2

import (
	"strings"
)

// Validator applies presence, format and consistency rules to parsed
// segments. It reports every problem it finds and never stops early.
// A Validator is immutable and safe for concurrent use.
type Validator struct {
	codingSystems map[string]bool
	versions      map[string]bool
}

// NewValidator builds a validator that accepts the given DG1 coding systems
// and MSH-12 versions. Nil slices fall back to the defaults.
func NewValidator(codingSystems, versions []string) *Validator {
	if codingSystems == nil {
		codingSystems = DefaultCodingSystems
	}
	if versions == nil {
		versions = DefaultVersions
	}
	v := &Validator{
		codingSystems: make(map[string]bool, len(codingSystems)),
		versions:      make(map[string]bool, len(versions)),
	}
	for _, cs := range codingSystems {
		v.codingSystems[normalizeCode(cs)] = true
	}
	for _, ver := range versions {
		v.versions[strings.TrimSpace(ver)] = true
	}
	return v
}

// Validate returns the issues for segs in source order, followed by the
// record-level presence checks. A missing MSH never reaches here: without it
// the message cannot be tokenized.
func (v *Validator) Validate(segs []ParsedSegment) []ValidationIssue {
	issues := make([]ValidationIssue, 0)
	seen := make(map[SegmentKind]int)
	setIDs := make(map[SegmentKind]map[string]bool)

	for i := range segs {
		ps := &segs[i]
		issues = append(issues, ps.Issues...)

		kind := ps.Data.Kind()
		seen[kind]++
		if seen[kind] > 1 && isSingleton(kind) {
			issues = append(issues, newIssue(SeverityWarning, IssueDuplicateSegment, ps.Segment.Tag, 0,
				"%s repeated at line %d; the first occurrence is kept", ps.Segment.Tag, ps.Segment.Line))
			continue
		}

		if id := setIDOf(ps.Data); id != "" {
			ids := setIDs[kind]
			if ids == nil {
				ids = make(map[string]bool)
				setIDs[kind] = ids
			}
			if ids[id] {
				issues = append(issues, newIssue(SeverityWarning, IssueDuplicateSetID, ps.Segment.Tag, 1,
					"set id %s repeated at line %d; the later segment replaces the earlier one", id, ps.Segment.Line))
			}
			ids[id] = true
		}

		switch p := ps.Data.(type) {
		case *Header:
			issues = v.checkHeader(issues, p)
		case *Demographics:
			issues = checkDemographics(issues, p)
		case *Visit:
			issues = checkVisit(issues, p)
		case *Diagnosis:
			issues = v.checkDiagnosis(issues, p)
		case *Observation:
			issues = checkObservation(issues, p)
		case *Procedure:
			issues = checkProcedure(issues, p)
		}
	}

	if seen[KindPID] == 0 {
		issues = append(issues, newIssue(SeverityError, IssueMissingSegment, "PID", 0,
			"PID segment is missing; patient demographics are unavailable"))
	}
	if seen[KindPV1] == 0 {
		issues = append(issues, newIssue(SeverityInfo, IssueMissingSegment, "PV1", 0,
			"PV1 segment is absent; no visit information"))
	}
	return issues
}

func (v *Validator) checkHeader(issues []ValidationIssue, h *Header) []ValidationIssue {
	if len(h.EncodingCharacters) < 4 {
		issues = append(issues, newIssue(SeverityWarning, IssueInvalidEncoding, "MSH", 2,
			"encoding characters %q are incomplete; defaults assumed for the rest", h.EncodingCharacters))
	}
	if h.Timestamp != "" && !isTimestamp(h.Timestamp) {
		issues = append(issues, newIssue(SeverityWarning, IssueInvalidDate, "MSH", mshTimestamp,
			"message timestamp %q is not a valid HL7 date/time", h.Timestamp))
	}

	switch {
	case h.MessageType == "":
		issues = append(issues, newIssue(SeverityError, IssueMissingRequiredField, "MSH", mshMessageType,
			"message type is missing"))
	case !isMessageCode(h.MessageType):
		issues = append(issues, newIssue(SeverityWarning, IssueInvalidMessageType, "MSH", mshMessageType,
			"message type %q is not a three-letter code", h.MessageType))
	case h.TriggerEvent == "":
		issues = append(issues, newIssue(SeverityWarning, IssueInvalidMessageType, "MSH", mshMessageType,
			"message type %q has no trigger event", h.MessageType))
	}

	if h.ControlID == "" {
		issues = append(issues, newIssue(SeverityWarning, IssueMissingRequiredField, "MSH", mshControlID,
			"message control id is missing"))
	}
	switch {
	case h.Version == "":
		issues = append(issues, newIssue(SeverityWarning, IssueMissingRequiredField, "MSH", mshVersion,
			"version id is missing"))
	case !v.versions[h.Version]:
		issues = append(issues, newIssue(SeverityWarning, IssueUnsupportedVersion, "MSH", mshVersion,
			"version %q is not a recognized HL7 v2 version", h.Version))
	}
	return issues
}

func checkDemographics(issues []ValidationIssue, p *Demographics) []ValidationIssue {
	if p.ID == "" {
		issues = append(issues, newIssue(SeverityError, IssueMissingRequiredField, "PID", pidPatientIDList,
			"patient identifier (PID-3) is missing"))
	}
	if p.DateOfBirth != "" && !isBirthDate(p.DateOfBirth) {
		issues = append(issues, newIssue(SeverityWarning, IssueInvalidDate, "PID", pidDOB,
			"date of birth %q does not match YYYYMMDD[HHMMSS]", p.DateOfBirth))
	}
	if p.Sex != "" && !isSexCode(p.Sex) {
		issues = append(issues, newIssue(SeverityWarning, IssueInvalidSex, "PID", pidSex,
			"sex %q is not one of M, F, O, U", p.Sex))
	}
	return issues
}

func checkVisit(issues []ValidationIssue, p *Visit) []ValidationIssue {
	if p.PatientClass != "" && !validPatientClasses[p.PatientClass] {
		issues = append(issues, newIssue(SeverityWarning, IssueInvalidPatientClass, "PV1", pv1PatientClass,
			"patient class %q is not in HL7 table 0004", p.PatientClass))
	}
	if p.AdmitTime != "" && !isTimestamp(p.AdmitTime) {
		issues = append(issues, newIssue(SeverityWarning, IssueInvalidDate, "PV1", pv1AdmitTime,
			"admit time %q is not a valid HL7 date/time", p.AdmitTime))
	}
	return issues
}

func (v *Validator) checkDiagnosis(issues []ValidationIssue, p *Diagnosis) []ValidationIssue {
	if p.Code == "" {
		issues = append(issues, newIssue(SeverityWarning, IssueMissingRequiredField, "DG1", dg1Code,
			"diagnosis %s has no code", label(p.SetID)))
	}
	switch {
	case p.CodingSystem == "":
		issues = append(issues, newIssue(SeverityWarning, IssueUnknownCodingSystem, "DG1", dg1Code,
			"diagnosis %s has no coding system", label(p.SetID)))
	case !v.codingSystems[normalizeCode(p.CodingSystem)]:
		issues = append(issues, newIssue(SeverityWarning, IssueUnknownCodingSystem, "DG1", dg1Code,
			"coding system %q is not recognized", p.CodingSystem))
	}
	if p.Date != "" && !isTimestamp(p.Date) {
		issues = append(issues, newIssue(SeverityWarning, IssueInvalidDate, "DG1", dg1DateTime,
			"diagnosis date %q is not a valid HL7 date/time", p.Date))
	}
	return issues
}

func checkObservation(issues []ValidationIssue, p *Observation) []ValidationIssue {
	if p.ValueType == "NM" && p.Value != "" && p.Numeric == nil {
		issues = append(issues, newIssue(SeverityWarning, IssueInvalidNumericValue, "OBX", obxValue,
			"observation %s: value %q is not numeric for type NM; raw value kept", label(p.SetID), p.Value))
	}
	return issues
}

func checkProcedure(issues []ValidationIssue, p *Procedure) []ValidationIssue {
	if p.Code == "" {
		issues = append(issues, newIssue(SeverityWarning, IssueMissingRequiredField, "PR1", pr1Code,
			"procedure %s has no code", label(p.SetID)))
	}
	if p.DateTime != "" && !isTimestamp(p.DateTime) {
		issues = append(issues, newIssue(SeverityWarning, IssueInvalidDate, "PR1", pr1DateTime,
			"procedure date/time %q is not a valid HL7 date/time", p.DateTime))
	}
	return issues
}

func isSingleton(k SegmentKind) bool {
	return k == KindMSH || k == KindPID || k == KindPV1
}

// setIDOf returns the set id of a repeatable payload, or "".
func setIDOf(p Payload) string {
	switch v := p.(type) {
	case *Diagnosis:
		return v.SetID
	case *Observation:
		return v.SetID
	case *Procedure:
		return v.SetID
	default:
		return ""
	}
}

func isMessageCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

func label(setID string) string {
	if setID == "" {
		return "(no set id)"
	}
	return "#" + setID
}
