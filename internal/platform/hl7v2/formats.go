package hl7v2

import (
	"regexp"
	"strings"
	"time"
)

var (
	// YYYYMMDD with optional HHMMSS.
	birthDatePattern = regexp.MustCompile(`^\d{8}(\d{6})?$`)

	// DTM: YYYY[MM[DD[HH[MM[SS[.S+]]]]]][+/-ZZZZ]
	timestampPattern = regexp.MustCompile(`^(\d{4})(\d{2}){0,5}(\.\d{1,4})?([+-]\d{4})?$`)

	// The two halves of a message type such as ADT^A01, matched separately
	// because the component separator is declared per message.
	messageCodePattern  = regexp.MustCompile(`^[A-Z]{3}$`)
	triggerEventPattern = regexp.MustCompile(`^[A-Z0-9]{3}$`)

	// A run of 8 to 14 digits, used to recover dates from damaged fields.
	digitRunPattern = regexp.MustCompile(`\d{8,14}`)
)

// Administrative sex values accepted by the validator (HL7 table 0001 core set).
var validSexCodes = map[string]bool{"M": true, "F": true, "O": true, "U": true}

// Patient class values (HL7 table 0004).
var validPatientClasses = map[string]bool{
	"E": true, "I": true, "O": true, "P": true, "R": true, "B": true, "C": true, "N": true, "U": true,
}

// DefaultVersions lists the HL7 v2 versions the validator accepts without warning.
var DefaultVersions = []string{
	"2.1", "2.2", "2.3", "2.3.1", "2.4", "2.5", "2.5.1", "2.6", "2.7", "2.7.1", "2.8", "2.8.1", "2.8.2",
}

// DefaultCodingSystems lists the diagnosis coding systems recognized without warning.
// Entries are compared case-insensitively.
var DefaultCodingSystems = []string{
	"ICD-10-CM", "ICD-9-CM", "ICD-10", "ICD-9", "ICD10CM", "ICD9CM",
	"I10", "I10C", "I9", "I9C", "I9CDX",
}

// isBirthDate reports whether s is YYYYMMDD[HHMMSS] and names a real calendar instant.
func isBirthDate(s string) bool {
	if !birthDatePattern.MatchString(s) {
		return false
	}
	layout := "20060102"
	if len(s) == 14 {
		layout = "20060102150405"
	}
	_, err := time.Parse(layout, s)
	return err == nil
}

// isTimestamp reports whether s is a syntactically valid HL7 DTM value.
func isTimestamp(s string) bool {
	if !timestampPattern.MatchString(s) {
		return false
	}
	digits := s
	if i := strings.IndexAny(digits, ".+-"); i >= 0 {
		digits = digits[:i]
	}
	layouts := map[int]string{
		4:  "2006",
		6:  "200601",
		8:  "20060102",
		10: "2006010215",
		12: "200601021504",
		14: "20060102150405",
	}
	layout, ok := layouts[len(digits)]
	if !ok {
		return false
	}
	_, err := time.Parse(layout, digits)
	return err == nil
}

// ParseTimestamp parses an HL7 DTM value (YYYYMMDD[HHMM[SS]]) into a time.Time.
// The time zone offset, when present, is honoured; otherwise UTC is assumed.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if !isTimestamp(s) {
		return time.Time{}, false
	}
	zone := ""
	if i := strings.IndexAny(s, "+-"); i >= 0 {
		zone = s[i:]
		s = s[:i]
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	layout := "20060102150405"[:len(s)]
	if zone != "" {
		t, err := time.Parse(layout+"-0700", s+zone)
		return t, err == nil
	}
	t, err := time.Parse(layout, s)
	return t, err == nil
}

func isSexCode(s string) bool {
	return validSexCodes[strings.ToUpper(s)]
}

// normalizeCode upper-cases and strips spaces for set lookups.
func normalizeCode(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}
