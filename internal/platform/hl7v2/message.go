package hl7v2

import (
	"strings"
)

// Segment is one tokenized line of an HL7 message.
type Segment struct {
	Tag    string  // e.g. "MSH", "PID", "OBX"
	Line   int     // 1-based position among non-empty lines
	Raw    string  // the line as received, trimmed
	Fields []Field // Fields[0] is HL7 field 1
}

// Field is one field-separator-delimited value, split into components.
type Field struct {
	Raw        string
	Components []Component
}

// Component is one component-separator-delimited value, split into repetitions.
type Component struct {
	Raw         string
	Repetitions []string
}

// SplitLines splits text into non-empty, trimmed segment lines. It accepts
// \r, \n and \r\n terminators and strips a leading UTF-8 byte order mark.
func SplitLines(text string) []string {
	text = strings.TrimPrefix(text, "\ufeff")
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Tokenize splits every line into a Segment using d. Trailing empty fields are
// kept so position-based lookups stay aligned.
func Tokenize(lines []string, d Delimiters) []Segment {
	segments := make([]Segment, 0, len(lines))
	for i, line := range lines {
		segments = append(segments, tokenizeSegment(line, i+1, d))
	}
	return segments
}

// tokenizeSegment parses a single segment line into a Segment struct.
func tokenizeSegment(line string, lineNo int, d Delimiters) Segment {
	seg := Segment{Line: lineNo, Raw: line}
	sep := string(d.Field)

	// MSH is special: the field separator is MSH-1 itself and MSH-2 holds the
	// encoding characters, which must not be split.
	if strings.HasPrefix(line, "MSH") && len(line) > 3 && line[3] == d.Field {
		seg.Tag = "MSH"
		parts := strings.Split(line[4:], sep)

		seg.Fields = append(seg.Fields, Field{
			Raw:        sep,
			Components: []Component{{Raw: sep, Repetitions: []string{sep}}},
		})
		for i, part := range parts {
			if i == 0 {
				seg.Fields = append(seg.Fields, Field{
					Raw:        part,
					Components: []Component{{Raw: part, Repetitions: []string{part}}},
				})
				continue
			}
			seg.Fields = append(seg.Fields, tokenizeField(part, d))
		}
		return seg
	}

	tag, rest, found := strings.Cut(line, sep)
	seg.Tag = strings.TrimSpace(tag)
	if !found {
		return seg
	}
	for _, f := range strings.Split(rest, sep) {
		seg.Fields = append(seg.Fields, tokenizeField(f, d))
	}
	return seg
}

// tokenizeField splits a field on the component separator, then each
// component on the repetition separator.
func tokenizeField(raw string, d Delimiters) Field {
	f := Field{Raw: raw}
	for _, c := range strings.Split(raw, string(d.Component)) {
		f.Components = append(f.Components, Component{
			Raw:         c,
			Repetitions: strings.Split(c, string(d.Repetition)),
		})
	}
	return f
}

// Field returns the raw value of a field by 1-based HL7 index. Positions past
// the end of the segment are absent and return "".
// For MSH, Field(1) is the field separator and Field(2) the encoding characters.
func (s *Segment) Field(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Raw
}

// Component returns the first repetition of a component by 1-based field and
// component indices.
func (s *Segment) Component(fieldIdx, compIdx int) string {
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Component(compIdx)
}

// HasField reports whether the segment declares the 1-based field position at all.
func (s *Segment) HasField(index int) bool {
	return index >= 1 && index <= len(s.Fields)
}

// Component returns the first repetition of the 1-based component index.
func (f Field) Component(index int) string {
	ci := index - 1
	if ci < 0 || ci >= len(f.Components) {
		return ""
	}
	reps := f.Components[ci].Repetitions
	if len(reps) == 0 {
		return ""
	}
	return reps[0]
}

// SubComponents splits a component value on the sub-component separator.
func SubComponents(value string, d Delimiters) []string {
	return strings.Split(value, string(d.SubComponent))
}
