package hl7v2

// SegmentKind is the closed set of segment types the parser understands.
type SegmentKind string

const (
	KindMSH     SegmentKind = "MSH"
	KindPID     SegmentKind = "PID"
	KindPV1     SegmentKind = "PV1"
	KindDG1     SegmentKind = "DG1"
	KindOBX     SegmentKind = "OBX"
	KindPR1     SegmentKind = "PR1"
	KindUnknown SegmentKind = "unknown"
)

// KindOf maps a segment tag to its kind.
func KindOf(tag string) SegmentKind {
	switch tag {
	case "MSH":
		return KindMSH
	case "PID":
		return KindPID
	case "PV1":
		return KindPV1
	case "DG1":
		return KindDG1
	case "OBX":
		return KindOBX
	case "PR1":
		return KindPR1
	default:
		return KindUnknown
	}
}

// Payload is the typed result of parsing one segment. The set of
// implementations is closed; switch on the concrete type.
type Payload interface {
	Kind() SegmentKind
	payload()
}

// Header is the MSH payload.
type Header struct {
	SendingApp         string `json:"sending_app,omitempty"`
	SendingFacility    string `json:"sending_facility,omitempty"`
	ReceivingApp       string `json:"receiving_app,omitempty"`
	ReceivingFacility  string `json:"receiving_facility,omitempty"`
	Timestamp          string `json:"timestamp,omitempty"`
	MessageType        string `json:"message_type"`
	TriggerEvent       string `json:"trigger_event,omitempty"`
	ControlID          string `json:"control_id,omitempty"`
	ProcessingID       string `json:"processing_id,omitempty"`
	Version            string `json:"version,omitempty"`
	EncodingCharacters string `json:"-"`
}

// Code returns the MSH-9 code as "TYPE^EVENT", or just the type when the
// event is absent. A nil header yields "".
func (h *Header) Code() string {
	switch {
	case h == nil:
		return ""
	case h.TriggerEvent == "":
		return h.MessageType
	}
	return h.MessageType + "^" + h.TriggerEvent
}

// PersonName is an XPN family^given^middle triple.
type PersonName struct {
	Family string `json:"family,omitempty"`
	Given  string `json:"given,omitempty"`
	Middle string `json:"middle,omitempty"`
}

// Address is an XAD street^other^city^state^zip^country.
type Address struct {
	Street     string `json:"street,omitempty"`
	Other      string `json:"other,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// IsZero reports whether no address component is set.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Demographics is the PID payload.
type Demographics struct {
	ID          string     `json:"id"`
	Name        PersonName `json:"name"`
	DateOfBirth string     `json:"dob,omitempty"`
	Sex         string     `json:"sex,omitempty"`
	Address     Address    `json:"address"`
	Phone       string     `json:"phone,omitempty"`
	SSN         string     `json:"ssn,omitempty"`
}

// Location is a PL point-of-care^room^bed.
type Location struct {
	Unit string `json:"unit,omitempty"`
	Room string `json:"room,omitempty"`
	Bed  string `json:"bed,omitempty"`
}

// Visit is the PV1 payload.
type Visit struct {
	PatientClass    string   `json:"patient_class,omitempty"`
	Location        Location `json:"location"`
	AttendingID     string   `json:"attending_id,omitempty"`
	AttendingName   string   `json:"attending_name,omitempty"`
	HospitalService string   `json:"hospital_service,omitempty"`
	AdmissionType   string   `json:"admission_type,omitempty"`
	AdmitTime       string   `json:"admit_time,omitempty"`
}

// Diagnosis is the DG1 payload.
type Diagnosis struct {
	SetID        string `json:"set_id,omitempty"`
	Code         string `json:"code,omitempty"`
	CodingSystem string `json:"coding_system,omitempty"`
	Description  string `json:"description,omitempty"`
	Date         string `json:"date,omitempty"`
	Type         string `json:"type,omitempty"`
}

// Observation is the OBX payload. Value always holds the raw string; Numeric
// is set only when an NM value parses as a number.
type Observation struct {
	SetID                 string   `json:"set_id,omitempty"`
	ValueType             string   `json:"value_type,omitempty"`
	IdentifierCode        string   `json:"identifier_code,omitempty"`
	IdentifierDescription string   `json:"identifier_description,omitempty"`
	CodingSystem          string   `json:"coding_system,omitempty"`
	Value                 string   `json:"value"`
	Numeric               *float64 `json:"numeric,omitempty"`
	Units                 string   `json:"units,omitempty"`
	ReferenceRange        string   `json:"reference_range,omitempty"`
	AbnormalFlag          string   `json:"abnormal_flag,omitempty"`
	ResultStatus          string   `json:"result_status,omitempty"`
}

// Procedure is the PR1 payload.
type Procedure struct {
	SetID        string `json:"set_id,omitempty"`
	Code         string `json:"code,omitempty"`
	Description  string `json:"description,omitempty"`
	CodingSystem string `json:"coding_system,omitempty"`
	DateTime     string `json:"datetime,omitempty"`
	SurgeonID    string `json:"surgeon_id,omitempty"`
	SurgeonName  string `json:"surgeon_name,omitempty"`
	Type         string `json:"type,omitempty"`
}

// UnrecognizedSegment carries a segment whose tag has no parser.
type UnrecognizedSegment struct {
	Tag string `json:"tag"`
}

func (*Header) Kind() SegmentKind              { return KindMSH }
func (*Demographics) Kind() SegmentKind        { return KindPID }
func (*Visit) Kind() SegmentKind               { return KindPV1 }
func (*Diagnosis) Kind() SegmentKind           { return KindDG1 }
func (*Observation) Kind() SegmentKind         { return KindOBX }
func (*Procedure) Kind() SegmentKind           { return KindPR1 }
func (*UnrecognizedSegment) Kind() SegmentKind { return KindUnknown }

func (*Header) payload()              {}
func (*Demographics) payload()        {}
func (*Visit) payload()               {}
func (*Diagnosis) payload()           {}
func (*Observation) payload()         {}
func (*Procedure) payload()           {}
func (*UnrecognizedSegment) payload() {}

// PatientRecord is the aggregate produced by one parse call. The caller owns it.
type PatientRecord struct {
	Demographics Demographics  `json:"demographics"`
	Visit        *Visit        `json:"visit"`
	Diagnoses    []Diagnosis   `json:"diagnoses"`
	Observations []Observation `json:"observations"`
	Procedures   []Procedure   `json:"procedures"`
}

// ParsePath records which parser produced a segment's payload.
type ParsePath string

const (
	PathStructured ParsePath = "structured"
	PathFallback   ParsePath = "fallback"
	PathSkipped    ParsePath = "skipped"
)

// ParsedSegment is one segment after the per-segment pipeline ran.
type ParsedSegment struct {
	Index     int // 0-based source order
	Segment   Segment
	Path      ParsePath
	Data      Payload
	Realigned bool              // PID fields were read one position off
	Issues    []ValidationIssue // raised while parsing (fallback, unrecognized tag)
}
