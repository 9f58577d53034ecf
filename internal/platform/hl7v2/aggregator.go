package hl7v2

// QualityMetrics summarizes how a message was parsed.
type QualityMetrics struct {
	TotalSegments        int     `json:"total_segments"`
	StructuredSegments   int     `json:"structured_segments"`
	FallbackSegments     int     `json:"fallback_segments"`
	UnrecognizedSegments int     `json:"unrecognized_segments"`
	RealignedSegments    int     `json:"realigned_segments"`
	Errors               int     `json:"errors"`
	Warnings             int     `json:"warnings"`
	Infos                int     `json:"infos"`
	RequiredPresent      int     `json:"required_present"`
	RequiredExpected     int     `json:"required_expected"`
	Completeness         float64 `json:"completeness"`
}

// countIssues fills the severity counters. Fatal issues count as errors.
func (q *QualityMetrics) countIssues(issues []ValidationIssue) {
	for _, i := range issues {
		switch i.Severity {
		case SeverityFatal, SeverityError:
			q.Errors++
		case SeverityWarning:
			q.Warnings++
		case SeverityInfo:
			q.Infos++
		}
	}
}

// critical tallies non-empty values against the expected count.
func (q *QualityMetrics) critical(values ...string) {
	q.RequiredExpected += len(values)
	for _, v := range values {
		if v != "" {
			q.RequiredPresent++
		}
	}
}

func newPatientRecord() PatientRecord {
	return PatientRecord{
		Diagnoses:    []Diagnosis{},
		Observations: []Observation{},
		Procedures:   []Procedure{},
	}
}

// aggregate merges parsed segments into one record in a single pass. The
// first MSH, PID and PV1 are kept. Repeatable segments keep source order;
// a repeated set id overwrites the earlier entry in place.
func aggregate(segs []ParsedSegment) (PatientRecord, *Header, QualityMetrics) {
	rec := newPatientRecord()
	var (
		header  *Header
		hasPID  bool
		q       QualityMetrics
		dxIndex = make(map[string]int)
		obIndex = make(map[string]int)
		prIndex = make(map[string]int)
	)

	q.TotalSegments = len(segs)
	for i := range segs {
		ps := &segs[i]
		switch ps.Path {
		case PathStructured:
			q.StructuredSegments++
		case PathFallback:
			q.FallbackSegments++
		case PathSkipped:
			q.UnrecognizedSegments++
		}
		if ps.Realigned {
			q.RealignedSegments++
		}

		switch p := ps.Data.(type) {
		case *Header:
			if header == nil {
				h := *p
				header = &h
			}
		case *Demographics:
			if !hasPID {
				rec.Demographics = *p
				hasPID = true
			}
		case *Visit:
			if rec.Visit == nil {
				v := *p
				rec.Visit = &v
			}
		case *Diagnosis:
			rec.Diagnoses = upsert(rec.Diagnoses, dxIndex, p.SetID, *p)
		case *Observation:
			rec.Observations = upsert(rec.Observations, obIndex, p.SetID, *p)
		case *Procedure:
			rec.Procedures = upsert(rec.Procedures, prIndex, p.SetID, *p)
		}
	}

	if header != nil {
		q.critical(header.MessageType, header.ControlID, header.Version)
	}
	if hasPID {
		d := rec.Demographics
		q.critical(d.ID, d.Name.Family, d.DateOfBirth, d.Sex)
	}
	if v := rec.Visit; v != nil {
		q.critical(v.PatientClass, v.Location.Unit)
	}
	for _, dx := range rec.Diagnoses {
		q.critical(dx.Code, dx.CodingSystem, dx.Description)
	}
	for _, o := range rec.Observations {
		q.critical(o.IdentifierCode, o.ValueType, o.Value)
	}
	for _, pr := range rec.Procedures {
		q.critical(pr.Code, pr.DateTime)
	}
	if q.RequiredExpected > 0 {
		q.Completeness = float64(q.RequiredPresent) / float64(q.RequiredExpected)
	}
	return rec, header, q
}

// upsert appends item, or replaces the entry already holding setID. Items
// without a set id are always appended.
func upsert[T any](list []T, index map[string]int, setID string, item T) []T {
	if setID != "" {
		if at, ok := index[setID]; ok {
			list[at] = item
			return list
		}
		index[setID] = len(list)
	}
	return append(list, item)
}
