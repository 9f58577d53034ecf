package hl7v2

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// StructuralFailure reports that a segment's required fields are absent or
// unparsable. It routes the segment to the fallback parser; it never aborts
// the message.
type StructuralFailure struct {
	Tag    string
	Field  int // 1-based; 0 when not tied to one field
	Reason string
}

func (e *StructuralFailure) Error() string {
	if e.Field > 0 {
		return fmt.Sprintf("hl7v2: %s-%d: %s", e.Tag, e.Field, e.Reason)
	}
	return fmt.Sprintf("hl7v2: %s: %s", e.Tag, e.Reason)
}

// Field positions (1-based), one table per segment type.
const (
	mshSendingApp        = 3
	mshSendingFacility   = 4
	mshReceivingApp      = 5
	mshReceivingFacility = 6
	mshTimestamp         = 7
	mshMessageType       = 9
	mshControlID         = 10
	mshProcessingID      = 11
	mshVersion           = 12

	pidPatientIDList = 3
	pidName          = 5
	pidDOB           = 7
	pidSex           = 8
	pidAddress       = 11
	pidPhone         = 13
	pidSSN           = 19

	pv1PatientClass    = 2
	pv1Location        = 3
	pv1AdmissionType   = 4
	pv1Attending       = 7
	pv1HospitalService = 10
	pv1AdmitTime       = 44

	dg1SetID         = 1
	dg1CodingMethod  = 2
	dg1Code          = 3
	dg1LegacyDesc    = 4
	dg1DateTime      = 5
	dg1DiagnosisType = 6

	obxSetID          = 1
	obxValueType      = 2
	obxIdentifier     = 3
	obxValue          = 5
	obxUnits          = 6
	obxReferenceRange = 7
	obxAbnormalFlag   = 8
	obxResultStatus   = 11

	pr1SetID          = 1
	pr1CodingMethod   = 2
	pr1Code           = 3
	pr1LegacyDesc     = 4
	pr1DateTime       = 5
	pr1FunctionalType = 6
	pr1Practitioner   = 10
	pr1Surgeon        = 11
)

// segmentParser is one structured parser in the kind table.
type segmentParser func(seg *Segment, d Delimiters) (Payload, error)

// structuredParsers is the registration point for segment types. Adding a
// parser here (and a kind in KindOf) is all a new segment type needs.
var structuredParsers = map[SegmentKind]segmentParser{
	KindMSH: parseMSH,
	KindPID: parsePID,
	KindPV1: parsePV1,
	KindDG1: parseDG1,
	KindOBX: parseOBX,
	KindPR1: parsePR1,
}

// parseStructured runs the strict parser for seg. Any panic from index math
// over malformed content is converted into a *StructuralFailure.
func parseStructured(seg *Segment, d Delimiters) (p Payload, err error) {
	parse, ok := structuredParsers[KindOf(seg.Tag)]
	if !ok {
		return &UnrecognizedSegment{Tag: seg.Tag}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			p = nil
			err = &StructuralFailure{Tag: seg.Tag, Reason: fmt.Sprintf("malformed content: %v", r)}
		}
	}()
	return parse(seg, d)
}

func parseMSH(seg *Segment, d Delimiters) (Payload, error) {
	h := &Header{
		SendingApp:         text(seg, d, mshSendingApp, 1),
		SendingFacility:    text(seg, d, mshSendingFacility, 1),
		ReceivingApp:       text(seg, d, mshReceivingApp, 1),
		ReceivingFacility:  text(seg, d, mshReceivingFacility, 1),
		Timestamp:          strings.TrimSpace(seg.Component(mshTimestamp, 1)),
		ControlID:          d.Unescape(strings.TrimSpace(seg.Field(mshControlID))),
		ProcessingID:       strings.TrimSpace(seg.Component(mshProcessingID, 1)),
		Version:            strings.TrimSpace(seg.Component(mshVersion, 1)),
		EncodingCharacters: seg.Field(2),
	}

	msgType := strings.TrimSpace(seg.Component(mshMessageType, 1))
	if msgType == "" {
		return nil, &StructuralFailure{Tag: "MSH", Field: mshMessageType, Reason: "message type is missing"}
	}
	h.MessageType = msgType
	h.TriggerEvent = strings.TrimSpace(seg.Component(mshMessageType, 2))
	return h, nil
}

func parsePID(seg *Segment, d Delimiters) (Payload, error) {
	id := strings.TrimSpace(seg.Component(pidPatientIDList, 1))
	if id == "" {
		return nil, &StructuralFailure{Tag: "PID", Field: pidPatientIDList, Reason: "patient identifier is missing"}
	}

	off := pidFieldOffset(seg)
	return &Demographics{
		ID: d.Unescape(id),
		Name: PersonName{
			Family: text(seg, d, pidName+off, 1),
			Given:  text(seg, d, pidName+off, 2),
			Middle: text(seg, d, pidName+off, 3),
		},
		DateOfBirth: strings.TrimSpace(seg.Component(pidDOB+off, 1)),
		Sex:         strings.ToUpper(strings.TrimSpace(seg.Component(pidSex+off, 1))),
		Address: Address{
			Street:     text(seg, d, pidAddress+off, 1),
			Other:      text(seg, d, pidAddress+off, 2),
			City:       text(seg, d, pidAddress+off, 3),
			State:      text(seg, d, pidAddress+off, 4),
			PostalCode: text(seg, d, pidAddress+off, 5),
			Country:    text(seg, d, pidAddress+off, 6),
		},
		Phone: text(seg, d, pidPhone+off, 1),
		SSN:   text(seg, d, pidSSN+off, 1),
	}, nil
}

// pidFieldOffset detects a PID whose fields after the identifier list sit one
// position off (a doubled or dropped field separator). It returns 0 unless the
// standard name slot is empty, the standard DOB slot holds no birth date, and
// the shifted slots hold a composite name, a valid birth date and a sex code.
func pidFieldOffset(seg *Segment) int {
	if strings.TrimSpace(seg.Field(pidName)) != "" || isBirthDate(strings.TrimSpace(seg.Component(pidDOB, 1))) {
		return 0
	}
	for _, off := range []int{1, -1} {
		if !seg.HasField(pidName + off) {
			continue
		}
		name := seg.Fields[pidName+off-1]
		if len(name.Components) < 2 || strings.TrimSpace(name.Component(1)) == "" {
			continue
		}
		if isBirthDate(strings.TrimSpace(seg.Component(pidDOB+off, 1))) &&
			isSexCode(strings.TrimSpace(seg.Component(pidSex+off, 1))) {
			return off
		}
	}
	return 0
}

func parsePV1(seg *Segment, d Delimiters) (Payload, error) {
	return &Visit{
		PatientClass: strings.ToUpper(strings.TrimSpace(seg.Component(pv1PatientClass, 1))),
		Location: Location{
			Unit: text(seg, d, pv1Location, 1),
			Room: text(seg, d, pv1Location, 2),
			Bed:  text(seg, d, pv1Location, 3),
		},
		AttendingID:     text(seg, d, pv1Attending, 1),
		AttendingName:   joinName(text(seg, d, pv1Attending, 2), text(seg, d, pv1Attending, 3)),
		HospitalService: text(seg, d, pv1HospitalService, 1),
		AdmissionType:   text(seg, d, pv1AdmissionType, 1),
		AdmitTime:       strings.TrimSpace(seg.Component(pv1AdmitTime, 1)),
	}, nil
}

func parseDG1(seg *Segment, d Delimiters) (Payload, error) {
	dx := &Diagnosis{
		SetID:        strings.TrimSpace(seg.Field(dg1SetID)),
		Code:         text(seg, d, dg1Code, 1),
		Description:  text(seg, d, dg1Code, 2),
		CodingSystem: text(seg, d, dg1Code, 3),
		Date:         strings.TrimSpace(seg.Component(dg1DateTime, 1)),
		Type:         text(seg, d, dg1DiagnosisType, 1),
	}
	// Pre-2.5 senders put a bare code in DG1-3 with the description in DG1-4
	// and the coding method in DG1-2.
	if dx.Description == "" {
		dx.Description = text(seg, d, dg1LegacyDesc, 1)
	}
	if dx.CodingSystem == "" {
		dx.CodingSystem = text(seg, d, dg1CodingMethod, 1)
	}
	return dx, nil
}

func parseOBX(seg *Segment, d Delimiters) (Payload, error) {
	obs := &Observation{
		SetID:                 strings.TrimSpace(seg.Field(obxSetID)),
		ValueType:             strings.ToUpper(strings.TrimSpace(seg.Component(obxValueType, 1))),
		IdentifierCode:        text(seg, d, obxIdentifier, 1),
		IdentifierDescription: text(seg, d, obxIdentifier, 2),
		CodingSystem:          text(seg, d, obxIdentifier, 3),
		Value:                 d.Unescape(seg.Field(obxValue)),
		Units:                 text(seg, d, obxUnits, 1),
		ReferenceRange:        d.Unescape(seg.Field(obxReferenceRange)),
		AbnormalFlag:          text(seg, d, obxAbnormalFlag, 1),
		ResultStatus:          text(seg, d, obxResultStatus, 1),
	}
	if obs.ValueType == "NM" {
		obs.Numeric = parseNumeric(obs.Value)
	}
	return obs, nil
}

// parseNumeric returns nil when s is not a finite decimal number.
func parseNumeric(s string) *float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func parsePR1(seg *Segment, d Delimiters) (Payload, error) {
	pr := &Procedure{
		SetID:        strings.TrimSpace(seg.Field(pr1SetID)),
		Code:         text(seg, d, pr1Code, 1),
		Description:  text(seg, d, pr1Code, 2),
		CodingSystem: text(seg, d, pr1Code, 3),
		DateTime:     strings.TrimSpace(seg.Component(pr1DateTime, 1)),
		Type:         text(seg, d, pr1FunctionalType, 1),
		SurgeonID:    text(seg, d, pr1Surgeon, 1),
		SurgeonName:  joinName(text(seg, d, pr1Surgeon, 2), text(seg, d, pr1Surgeon, 3)),
	}
	if pr.Description == "" {
		pr.Description = text(seg, d, pr1LegacyDesc, 1)
	}
	if pr.CodingSystem == "" {
		pr.CodingSystem = text(seg, d, pr1CodingMethod, 1)
	}
	// Some senders carry the surgeon in PR1-10 and leave PR1-11 empty.
	if pr.SurgeonID == "" && pr.SurgeonName == "" {
		pr.SurgeonID = text(seg, d, pr1Practitioner, 1)
		pr.SurgeonName = joinName(text(seg, d, pr1Practitioner, 2), text(seg, d, pr1Practitioner, 3))
	}
	return pr, nil
}

// text returns a trimmed, unescaped component.
func text(seg *Segment, d Delimiters, field, comp int) string {
	return d.Unescape(strings.TrimSpace(seg.Component(field, comp)))
}

// joinName renders family/given as "FAMILY, GIVEN".
func joinName(family, given string) string {
	switch {
	case family == "":
		return given
	case given == "":
		return family
	default:
		return family + ", " + given
	}
}
