package hl7v2

import (
	"reflect"
	"strings"
	"testing"
)

const fullADT = "MSH|^~\\&|ADT1|GOOD HEALTH HOSPITAL|GHH LAB|GHH|20240101120000||ADT^A01|MSG00001|P|2.5.1\r" +
	"EVN|A01|20240101120000\r" +
	"PID|1|12345|12345^^^SIMULATOR^MR~67890^^^SSA^SS||SMITH^JOHN^M||19650312|M|||123 MAIN ST^^BOSTON^MA^02115||555-555-5555|||M|NON|12345|123-45-6789\r" +
	"PV1|1|I|MEDSURG^101^01||||10101^JONES^MARIA^L|||CARDIOLOGY||||||ADM|A0|||||||||||||||||||||||||||20240101110000\r" +
	"DG1|1||I21.9^Acute myocardial infarction^ICD-10-CM|||A\r" +
	"DG1|2|ICD-10-CM|R07.9|CHEST PAIN, UNSPECIFIED|20240101120000|A\r" +
	"OBX|1|NM|8867-4^Heart rate^LN||110|/min|60-100|H|||F\r" +
	"OBX|2|ST|8480-6^Systolic BP^LN||150/95|mm[Hg]||H|||F\r" +
	"PR1|1||93000^ECG^CPT||20240101121500|D|||||10101^JONES^MARIA"

func countTag(text, tag string) int {
	n := 0
	for _, line := range SplitLines(text) {
		if strings.HasPrefix(line, tag+"|") {
			n++
		}
	}
	return n
}

func issuesWith(issues []ValidationIssue, sev Severity) []ValidationIssue {
	var out []ValidationIssue
	for _, i := range issues {
		if i.Severity == sev {
			out = append(out, i)
		}
	}
	return out
}

func TestParse_WellFormedMessage(t *testing.T) {
	res := Parse(fullADT)

	if res.Fatal() {
		t.Fatalf("unexpected fatal result: %v", res.Issues)
	}
	if errs := issuesWith(res.Issues, SeverityError); len(errs) != 0 {
		t.Errorf("expected zero errors, got %v", errs)
	}

	rec := res.Record
	if rec.Demographics.ID == "" {
		t.Error("expected non-empty patient id")
	}
	if rec.Visit == nil {
		t.Fatal("expected visit to be populated")
	}
	if got, want := len(rec.Diagnoses), countTag(fullADT, "DG1"); got != want {
		t.Errorf("expected %d diagnoses, got %d", want, got)
	}
	if got, want := len(rec.Observations), countTag(fullADT, "OBX"); got != want {
		t.Errorf("expected %d observations, got %d", want, got)
	}
	if got, want := len(rec.Procedures), countTag(fullADT, "PR1"); got != want {
		t.Errorf("expected %d procedures, got %d", want, got)
	}
	if res.Status() != StatusValid && res.Status() != StatusWarning {
		t.Errorf("expected valid or warning status, got %s", res.Status())
	}
}

func TestParse_WellFormedMessageValues(t *testing.T) {
	res := Parse(fullADT)
	rec := res.Record

	dem := rec.Demographics
	if dem.ID != "12345" {
		t.Errorf("expected id '12345', got %q", dem.ID)
	}
	if dem.Name != (PersonName{Family: "SMITH", Given: "JOHN", Middle: "M"}) {
		t.Errorf("unexpected name %+v", dem.Name)
	}
	if dem.DateOfBirth != "19650312" || dem.Sex != "M" {
		t.Errorf("unexpected dob/sex %q/%q", dem.DateOfBirth, dem.Sex)
	}
	if dem.Address.City != "BOSTON" || dem.Address.PostalCode != "02115" {
		t.Errorf("unexpected address %+v", dem.Address)
	}
	if dem.Phone != "555-555-5555" || dem.SSN != "123-45-6789" {
		t.Errorf("unexpected phone/ssn %q/%q", dem.Phone, dem.SSN)
	}

	v := rec.Visit
	if v.PatientClass != "I" || v.Location != (Location{Unit: "MEDSURG", Room: "101", Bed: "01"}) {
		t.Errorf("unexpected visit %+v", v)
	}
	if v.AttendingID != "10101" || v.AttendingName != "JONES, MARIA" {
		t.Errorf("unexpected attending %q/%q", v.AttendingID, v.AttendingName)
	}
	if v.HospitalService != "CARDIOLOGY" || v.AdmitTime != "20240101110000" {
		t.Errorf("unexpected service/admit %q/%q", v.HospitalService, v.AdmitTime)
	}

	dx := rec.Diagnoses
	if dx[0].Code != "I21.9" || dx[0].CodingSystem != "ICD-10-CM" || dx[0].Description != "Acute myocardial infarction" {
		t.Errorf("unexpected first diagnosis %+v", dx[0])
	}
	// Legacy layout: coding method in DG1-2, bare code in DG1-3, text in DG1-4.
	if dx[1].Code != "R07.9" || dx[1].CodingSystem != "ICD-10-CM" || dx[1].Description != "CHEST PAIN, UNSPECIFIED" {
		t.Errorf("unexpected legacy diagnosis %+v", dx[1])
	}

	obs := rec.Observations
	if obs[0].Numeric == nil || *obs[0].Numeric != 110 {
		t.Errorf("expected numeric heart rate 110, got %v", obs[0].Numeric)
	}
	if obs[1].Value != "150/95" || obs[1].Numeric != nil {
		t.Errorf("unexpected ST observation %+v", obs[1])
	}

	pr := rec.Procedures[0]
	if pr.Code != "93000" || pr.Description != "ECG" || pr.SurgeonName != "JONES, MARIA" {
		t.Errorf("unexpected procedure %+v", pr)
	}

	if res.Quality.StructuredSegments != 8 || res.Quality.UnrecognizedSegments != 1 {
		t.Errorf("unexpected quality counts %+v", res.Quality)
	}
	if res.Quality.Completeness != 1 {
		t.Errorf("expected full completeness, got %v", res.Quality.Completeness)
	}
}

func TestParse_Idempotent(t *testing.T) {
	inputs := []string{
		fullADT,
		"MSH|^~\\&|A|B|C|D|20240101120000||ADT^A01|1|P|2.5.1\nPID|1||||DOE^JANE||19900101|F",
		"garbage",
	}
	for _, in := range inputs {
		first := Parse(in)
		second := Parse(in)
		if !reflect.DeepEqual(first, second) {
			t.Errorf("parsing %q twice gave different results", in[:min(20, len(in))])
		}
	}
}

func TestParse_MissingPatientID(t *testing.T) {
	res := Parse("MSH|^~\\&|A|B|C|D|20240101120000||ADT^A01|1|P|2.5.1\rPID|1||||DOE^JANE||19900101|F")

	var pidErrors []ValidationIssue
	for _, i := range res.Issues {
		if i.Severity == SeverityError {
			if i.SegmentTag != "PID" {
				t.Errorf("unexpected error outside PID: %v", i)
			}
			pidErrors = append(pidErrors, i)
		}
	}
	if len(pidErrors) != 1 {
		t.Fatalf("expected exactly one PID error, got %v", pidErrors)
	}

	dem := res.Record.Demographics
	if dem.ID != "" {
		t.Errorf("expected empty id, got %q", dem.ID)
	}
	if dem.Name.Family != "DOE" || dem.Name.Given != "JANE" {
		t.Errorf("expected name to still populate, got %+v", dem.Name)
	}
	if dem.DateOfBirth != "19900101" {
		t.Errorf("expected dob to still populate, got %q", dem.DateOfBirth)
	}
	if res.Quality.FallbackSegments != 1 {
		t.Errorf("expected PID to use the fallback path, got %+v", res.Quality)
	}
}

func TestParse_NonNumericObservation(t *testing.T) {
	res := Parse("MSH|^~\\&|A|B|C|D|20240101120000||ORU^R01|1|P|2.5.1\r" +
		"PID|1||42||DOE^JANE||19900101|F\r" +
		"OBX|1|NM|8867-4^Heart rate^LN||tachy|/min\r" +
		"OBX|2|NM|8310-5^Temp^LN||38.2|Cel\r" +
		"PR1|1||93000^ECG^CPT||20240101121500")

	obs := res.Record.Observations
	if len(obs) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(obs))
	}
	if obs[0].Value != "tachy" || obs[0].Numeric != nil {
		t.Errorf("expected raw value kept without numeric, got %+v", obs[0])
	}
	if obs[1].Numeric == nil || *obs[1].Numeric != 38.2 {
		t.Errorf("expected following OBX parsed, got %+v", obs[1])
	}
	if len(res.Record.Procedures) != 1 {
		t.Errorf("expected the PR1 after the bad OBX to be parsed")
	}

	var numeric []ValidationIssue
	for _, i := range res.Issues {
		if i.Code == IssueInvalidNumericValue {
			numeric = append(numeric, i)
		}
	}
	if len(numeric) != 1 {
		t.Fatalf("expected one numeric warning, got %v", numeric)
	}
	if numeric[0].Severity != SeverityWarning || numeric[0].SegmentTag != "OBX" {
		t.Errorf("expected an OBX warning, got %v", numeric[0])
	}
	if errs := issuesWith(res.Issues, SeverityError); len(errs) != 0 {
		t.Errorf("expected zero errors, got %v", errs)
	}
}

func TestParse_DuplicateDiagnosisSetID(t *testing.T) {
	res := Parse("MSH|^~\\&|A|B|C|D|20240101120000||ADT^A01|1|P|2.5.1\r" +
		"PID|1||42||DOE^JANE||19900101|F\r" +
		"DG1|1||I10^Hypertension^ICD-10-CM\r" +
		"DG1|2||E11.9^Type 2 diabetes^ICD-10-CM\r" +
		"DG1|1||R07.9^Chest pain^ICD-10-CM")

	var dups []ValidationIssue
	for _, i := range res.Issues {
		if i.Code == IssueDuplicateSetID {
			dups = append(dups, i)
		}
	}
	if len(dups) != 1 || dups[0].Severity != SeverityWarning {
		t.Fatalf("expected one duplicate set id warning, got %v", dups)
	}

	dx := res.Record.Diagnoses
	if len(dx) != 2 {
		t.Fatalf("expected 2 diagnoses, got %d", len(dx))
	}
	if dx[0].SetID != "1" || dx[0].Code != "R07.9" {
		t.Errorf("expected the later set id 1 at the first position, got %+v", dx[0])
	}
	if dx[1].Code != "E11.9" {
		t.Errorf("expected set id 2 to keep its position, got %+v", dx[1])
	}
}

func TestParse_MissingHeader(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"first line is PID", "PID|1||999^^^SIM^MR|||DOE^JANE||19900101|F"},
		{"empty", ""},
		{"whitespace", " \r\n \n"},
		{"short header", "MSH|^~"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Parse(tt.input)
			if !res.Fatal() {
				t.Fatalf("expected fatal result, got %s", res.Status())
			}
			if len(res.Issues) != 1 {
				t.Fatalf("expected exactly one issue, got %v", res.Issues)
			}
			if res.Issues[0].Code != IssueMissingHeader {
				t.Errorf("expected missing-header, got %s", res.Issues[0].Code)
			}
			if !reflect.DeepEqual(res.Record, newPatientRecord()) {
				t.Errorf("expected empty record, got %+v", res.Record)
			}
			if res.Header != nil {
				t.Errorf("expected no header, got %+v", res.Header)
			}
			if res.Quality.Errors != 0 || res.Quality.TotalSegments != 0 {
				t.Errorf("expected zero quality counts, got %+v", res.Quality)
			}
		})
	}
}

func TestParse_ExampleMessage(t *testing.T) {
	res := Parse("MSH|^~\\&|A|B|C|D|20240101120000||ADT^A01|1|P|2.5.1\nPID|1||999^^^SIM^MR|||DOE^JANE||19900101|F")

	dem := res.Record.Demographics
	if dem.ID != "999" {
		t.Errorf("expected id '999', got %q", dem.ID)
	}
	if dem.Name.Family != "DOE" || dem.Name.Given != "JANE" {
		t.Errorf("expected name DOE/JANE, got %+v", dem.Name)
	}
	if dem.DateOfBirth != "19900101" {
		t.Errorf("expected dob '19900101', got %q", dem.DateOfBirth)
	}
	if dem.Sex != "F" {
		t.Errorf("expected sex 'F', got %q", dem.Sex)
	}
	if res.Record.Visit != nil {
		t.Errorf("expected no visit, got %+v", res.Record.Visit)
	}
	if len(res.Record.Diagnoses) != 0 || len(res.Record.Observations) != 0 {
		t.Error("expected zero diagnoses and observations")
	}

	if len(res.Issues) != 1 {
		t.Fatalf("expected exactly one issue, got %v", res.Issues)
	}
	issue := res.Issues[0]
	if issue.Severity != SeverityInfo || issue.SegmentTag != "PV1" || issue.Code != IssueMissingSegment {
		t.Errorf("expected PV1 absent info, got %v", issue)
	}
	if res.Quality.RealignedSegments != 1 {
		t.Errorf("expected the PID to be realigned, got %+v", res.Quality)
	}
}

func TestParse_MissingPID(t *testing.T) {
	res := Parse("MSH|^~\\&|A|B|C|D|20240101120000||ADT^A01|1|P|2.5.1\rPV1|1|O")
	if res.Status() != StatusError {
		t.Errorf("expected error status, got %s", res.Status())
	}
	first := res.FirstError()
	if first == nil || first.SegmentTag != "PID" || first.Code != IssueMissingSegment {
		t.Errorf("expected missing PID error, got %v", first)
	}
}

func TestParse_UnrecognizedSegments(t *testing.T) {
	res := Parse("MSH|^~\\&|A|B|C|D|20240101120000||ADT^A01|1|P|2.5.1\r" +
		"EVN|A01|20240101120000\rPID|1||42||DOE^JANE||19900101|F\rZPI|custom|data\rPV1|1|O")

	var unknown []string
	for _, i := range res.Issues {
		if i.Code == IssueUnrecognizedSegment {
			if i.Severity != SeverityInfo {
				t.Errorf("expected info severity, got %s", i.Severity)
			}
			unknown = append(unknown, i.SegmentTag)
		}
	}
	if !reflect.DeepEqual(unknown, []string{"EVN", "ZPI"}) {
		t.Errorf("expected EVN and ZPI reported, got %v", unknown)
	}
	if res.Quality.UnrecognizedSegments != 2 || res.Quality.TotalSegments != 5 {
		t.Errorf("unexpected quality %+v", res.Quality)
	}
	if res.Status() != StatusValid {
		t.Errorf("expected valid status, got %s", res.Status())
	}
}

func TestParse_MessageTypeRecoveredByFallback(t *testing.T) {
	// MSH-9 is empty; the type sits one field late.
	res := Parse("MSH|^~\\&|A|B|C|D|20240101120000|||ADT^A04|1|P|2.5.1\rPID|1||42")

	if res.Header == nil || res.Header.MessageType != "ADT" || res.Header.TriggerEvent != "A04" {
		t.Fatalf("expected recovered ADT^A04, got %+v", res.Header)
	}
	if res.Quality.FallbackSegments != 1 {
		t.Errorf("expected MSH on the fallback path, got %+v", res.Quality)
	}
	found := false
	for _, i := range res.Issues {
		if i.Code == IssueFallbackUsed && i.SegmentTag == "MSH" {
			found = true
			if i.FieldIndex == nil || *i.FieldIndex != 9 {
				t.Errorf("expected fallback warning at MSH-9, got %v", i)
			}
		}
	}
	if !found {
		t.Errorf("expected a fallback-used warning, got %v", res.Issues)
	}
}

func TestParse_SingletonDuplicates(t *testing.T) {
	res := Parse("MSH|^~\\&|A|B|C|D|20240101120000||ADT^A01|1|P|2.5.1\r" +
		"PID|1||FIRST||ONE^A||19900101|F\rPV1|1|I|W1\rPID|1||SECOND||TWO^B\rPV1|1|O|W2")

	if res.Record.Demographics.ID != "FIRST" {
		t.Errorf("expected first PID kept, got %q", res.Record.Demographics.ID)
	}
	if res.Record.Visit.Location.Unit != "W1" {
		t.Errorf("expected first PV1 kept, got %q", res.Record.Visit.Location.Unit)
	}
	n := 0
	for _, i := range res.Issues {
		if i.Code == IssueDuplicateSegment {
			n++
		}
	}
	if n != 2 {
		t.Errorf("expected 2 duplicate-segment warnings, got %d", n)
	}
}

func TestParser_Options(t *testing.T) {
	msg := "MSH|^~\\&|A|B|C|D|20240101120000||ADT^A01|1|P|2.9\r" +
		"PID|1||42||DOE^JANE||19900101|F\rDG1|1||A01.1^Paratyphoid^LOCALDX"

	if codes := issueCodes(Parse(msg).Issues); !codes[IssueUnknownCodingSystem] || !codes[IssueUnsupportedVersion] {
		t.Fatalf("expected default parser to flag coding system and version, got %v", codes)
	}

	p := NewParser(Options{CodingSystems: []string{"localdx"}, Versions: []string{"2.9"}})
	codes := issueCodes(p.Parse(msg).Issues)
	if codes[IssueUnknownCodingSystem] || codes[IssueUnsupportedVersion] {
		t.Errorf("expected configured parser to accept both, got %v", codes)
	}
}

func issueCodes(issues []ValidationIssue) map[IssueCode]bool {
	out := make(map[IssueCode]bool, len(issues))
	for _, i := range issues {
		out[i.Code] = true
	}
	return out
}

func TestResult_Status(t *testing.T) {
	tests := []struct {
		name     string
		issues   []ValidationIssue
		expected Status
	}{
		{"none", nil, StatusValid},
		{"info only", []ValidationIssue{{Severity: SeverityInfo}}, StatusValid},
		{"warning", []ValidationIssue{{Severity: SeverityInfo}, {Severity: SeverityWarning}}, StatusWarning},
		{"error", []ValidationIssue{{Severity: SeverityError}, {Severity: SeverityWarning}}, StatusError},
		{"fatal", []ValidationIssue{{Severity: SeverityWarning}, {Severity: SeverityFatal}}, StatusFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Result{Issues: tt.issues}
			if got := r.Status(); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}
