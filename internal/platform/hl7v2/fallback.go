package hl7v2

import (
	"errors"
	"strings"
)

// rawFields splits a segment line on the field separator only. The result is
// indexed by HL7 position: raw[n] is field n for every segment except MSH,
// where the separator itself is MSH-1 and raw[n] is MSH-(n+1).
type rawFields []string

func splitRaw(line string, d Delimiters) rawFields {
	return strings.Split(line, string(d.Field))
}

// at returns field n (1-based) or "" when absent.
func (r rawFields) at(n int) string {
	if n < 1 || n >= len(r) {
		return ""
	}
	return strings.TrimSpace(r[n])
}

// msh returns MSH-n, correcting for MSH-1 being the separator.
func (r rawFields) msh(n int) string {
	return r.at(n - 1)
}

// piece returns the i-th (1-based) component of value using a plain cut on
// the component separator. Repetitions after the first are discarded.
func piece(value string, i int, d Delimiters) string {
	value, _, _ = strings.Cut(value, string(d.Repetition))
	for ; i > 1; i-- {
		_, rest, ok := strings.Cut(value, string(d.Component))
		if !ok {
			return ""
		}
		value = rest
	}
	value, _, _ = strings.Cut(value, string(d.Component))
	return d.Unescape(strings.TrimSpace(value))
}

// firstNonEmptyID scans every repetition of an identifier list and returns the
// first non-empty ID component.
func firstNonEmptyID(value string, d Delimiters) string {
	for _, rep := range strings.Split(value, string(d.Repetition)) {
		if id := piece(rep, 1, d); id != "" {
			return id
		}
	}
	return ""
}

// digits returns the first run of 8 to 14 digits in value.
func digits(value string) string {
	return digitRunPattern.FindString(value)
}

// parseFallback recovers what it can from a segment the structured parser
// rejected. It never fails; cause is recorded in the fallback-used warning.
func parseFallback(seg *Segment, d Delimiters, cause error) (Payload, []ValidationIssue) {
	raw := splitRaw(seg.Raw, d)

	var p Payload
	switch KindOf(seg.Tag) {
	case KindMSH:
		p = fallbackMSH(raw, d)
	case KindPID:
		p = fallbackPID(seg, raw, d)
	case KindPV1:
		p = &Visit{
			PatientClass: strings.ToUpper(piece(raw.at(pv1PatientClass), 1, d)),
			Location: Location{
				Unit: piece(raw.at(pv1Location), 1, d),
				Room: piece(raw.at(pv1Location), 2, d),
				Bed:  piece(raw.at(pv1Location), 3, d),
			},
			AttendingID:     piece(raw.at(pv1Attending), 1, d),
			HospitalService: piece(raw.at(pv1HospitalService), 1, d),
			AdmissionType:   piece(raw.at(pv1AdmissionType), 1, d),
			AdmitTime:       digits(raw.at(pv1AdmitTime)),
		}
	case KindDG1:
		p = &Diagnosis{
			SetID:        raw.at(dg1SetID),
			Code:         piece(raw.at(dg1Code), 1, d),
			Description:  piece(raw.at(dg1Code), 2, d),
			CodingSystem: piece(raw.at(dg1Code), 3, d),
			Date:         digits(raw.at(dg1DateTime)),
		}
	case KindOBX:
		obs := &Observation{
			SetID:          raw.at(obxSetID),
			ValueType:      strings.ToUpper(piece(raw.at(obxValueType), 1, d)),
			IdentifierCode: piece(raw.at(obxIdentifier), 1, d),
			Value:          d.Unescape(raw.at(obxValue)),
			Units:          piece(raw.at(obxUnits), 1, d),
		}
		if obs.ValueType == "NM" {
			obs.Numeric = parseNumeric(obs.Value)
		}
		p = obs
	case KindPR1:
		p = &Procedure{
			SetID:       raw.at(pr1SetID),
			Code:        piece(raw.at(pr1Code), 1, d),
			Description: piece(raw.at(pr1Code), 2, d),
			DateTime:    digits(raw.at(pr1DateTime)),
		}
	default:
		p = &UnrecognizedSegment{Tag: seg.Tag}
	}

	issues := []ValidationIssue{
		newIssue(SeverityWarning, IssueFallbackUsed, seg.Tag, failureField(cause),
			"structured parse failed (%v); values recovered by raw field scan", cause),
	}
	if recoveredNothing(p) {
		issues = append(issues, newIssue(SeverityWarning, IssueFallbackNoData, seg.Tag, 0,
			"fallback: no data recovered"))
	}
	return p, issues
}

func fallbackMSH(raw rawFields, d Delimiters) *Header {
	h := &Header{
		SendingApp:         piece(raw.msh(mshSendingApp), 1, d),
		SendingFacility:    piece(raw.msh(mshSendingFacility), 1, d),
		ReceivingApp:       piece(raw.msh(mshReceivingApp), 1, d),
		ReceivingFacility:  piece(raw.msh(mshReceivingFacility), 1, d),
		Timestamp:          digits(raw.msh(mshTimestamp)),
		EncodingCharacters: raw.msh(2),
	}

	// A stray or dropped separator moves MSH-9 by one position. Only the
	// neighbouring fields are searched; the HD fields before them often hold
	// values shaped like a message type.
	off := 0
	for _, o := range []int{0, 1, -1} {
		if code, trigger, ok := matchMessageType(raw.msh(mshMessageType+o), d); ok {
			h.MessageType, h.TriggerEvent = code, trigger
			off = o
			break
		}
	}
	h.ControlID = d.Unescape(raw.msh(mshControlID + off))
	h.ProcessingID = piece(raw.msh(mshProcessingID+off), 1, d)
	h.Version = piece(raw.msh(mshVersion+off), 1, d)
	return h
}

// matchMessageType reports whether field is exactly CODE<component>TRIGGER,
// optionally followed by further components (the message structure).
func matchMessageType(field string, d Delimiters) (code, trigger string, ok bool) {
	parts := strings.Split(field, string(d.Component))
	if len(parts) < 2 || !messageCodePattern.MatchString(parts[0]) || !triggerEventPattern.MatchString(parts[1]) {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func fallbackPID(seg *Segment, raw rawFields, d Delimiters) *Demographics {
	off := pidFieldOffset(seg)
	dem := &Demographics{
		ID: firstNonEmptyID(raw.at(pidPatientIDList), d),
		Name: PersonName{
			Family: piece(raw.at(pidName+off), 1, d),
			Given:  piece(raw.at(pidName+off), 2, d),
			Middle: piece(raw.at(pidName+off), 3, d),
		},
		Address: Address{
			Street:     piece(raw.at(pidAddress+off), 1, d),
			Other:      piece(raw.at(pidAddress+off), 2, d),
			City:       piece(raw.at(pidAddress+off), 3, d),
			State:      piece(raw.at(pidAddress+off), 4, d),
			PostalCode: piece(raw.at(pidAddress+off), 5, d),
			Country:    piece(raw.at(pidAddress+off), 6, d),
		},
		Sex:   strings.ToUpper(piece(raw.at(pidSex+off), 1, d)),
		Phone: piece(raw.at(pidPhone+off), 1, d),
		SSN:   piece(raw.at(pidSSN+off), 1, d),
	}
	dob := piece(raw.at(pidDOB+off), 1, d)
	if !isBirthDate(dob) {
		if rec := digits(dob); rec != "" {
			dob = rec
		}
	}
	dem.DateOfBirth = dob
	return dem
}

// recoveredNothing reports whether p carries no value beyond its kind.
func recoveredNothing(p Payload) bool {
	switch v := p.(type) {
	case *Header:
		return v.MessageType == "" && v.ControlID == "" && v.Version == "" && v.SendingApp == ""
	case *Demographics:
		return v.ID == "" && v.Name == PersonName{} && v.DateOfBirth == "" && v.Sex == ""
	case *Visit:
		return *v == Visit{}
	case *Diagnosis:
		return *v == Diagnosis{}
	case *Observation:
		return v.SetID == "" && v.IdentifierCode == "" && v.Value == "" && v.ValueType == ""
	case *Procedure:
		return *v == Procedure{}
	default:
		return false
	}
}

func failureField(err error) int {
	var sf *StructuralFailure
	if errors.As(err, &sf) {
		return sf.Field
	}
	return 0
}
