package hl7v2

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMissingHeader is returned when the first segment is not a usable MSH header.
// Without the header no delimiters are known, so nothing can be split safely.
var ErrMissingHeader = errors.New("hl7v2: missing or malformed MSH header")

// Default HL7 v2.x encoding characters.
const (
	DefaultFieldSeparator      = '|'
	DefaultComponentSeparator  = '^'
	DefaultRepetitionSeparator = '~'
	DefaultEscapeCharacter     = '\\'
	DefaultSubComponentSep     = '&'
)

// Delimiters holds the control characters declared by MSH-1 and MSH-2.
// It is an immutable value passed explicitly to every tokenizing function.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	SubComponent byte
}

// DefaultDelimiters returns the standard |^~\& set.
func DefaultDelimiters() Delimiters {
	return Delimiters{
		Field:        DefaultFieldSeparator,
		Component:    DefaultComponentSeparator,
		Repetition:   DefaultRepetitionSeparator,
		Escape:       DefaultEscapeCharacter,
		SubComponent: DefaultSubComponentSep,
	}
}

// ResolveDelimiters reads the field separator (the byte right after "MSH") and
// the encoding characters (MSH-2) from the header line.
//
// Encoding characters that are missing from a short MSH-2 are filled from the
// defaults; the validator reports the short field separately. A header that is
// absent, shorter than 8 bytes, or declares clashing delimiters yields
// ErrMissingHeader.
func ResolveDelimiters(header string) (Delimiters, error) {
	if !strings.HasPrefix(header, "MSH") {
		return Delimiters{}, fmt.Errorf("%w: first segment is %q", ErrMissingHeader, segmentTagOf(header))
	}
	if len(header) < 8 {
		return Delimiters{}, fmt.Errorf("%w: header is %d bytes, need at least 8", ErrMissingHeader, len(header))
	}

	d := DefaultDelimiters()
	d.Field = header[3]

	encoding := header[4:]
	if i := strings.IndexByte(encoding, d.Field); i >= 0 {
		encoding = encoding[:i]
	}
	targets := []*byte{&d.Component, &d.Repetition, &d.Escape, &d.SubComponent}
	for i := 0; i < len(encoding) && i < len(targets); i++ {
		*targets[i] = encoding[i]
	}

	if err := d.check(); err != nil {
		return Delimiters{}, fmt.Errorf("%w: %v", ErrMissingHeader, err)
	}
	return d, nil
}

// check rejects delimiter sets that cannot be used to split a message.
func (d Delimiters) check() error {
	all := []byte{d.Field, d.Component, d.Repetition, d.Escape, d.SubComponent}
	seen := make(map[byte]bool, len(all))
	for _, b := range all {
		if isAlphaNum(b) || b == ' ' || b == '\r' || b == '\n' {
			return fmt.Errorf("delimiter %q is not a control character", b)
		}
		if seen[b] {
			return fmt.Errorf("delimiter %q declared twice", b)
		}
		seen[b] = true
	}
	return nil
}

// EncodingCharacters returns the MSH-2 string for d.
func (d Delimiters) EncodingCharacters() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.SubComponent})
}

// Unescape decodes HL7 escape sequences (\F\, \S\, \T\, \R\, \E\, \Xhh..\).
// Formatting sequences it does not understand (\H\, \N\, \.br\ ...) are dropped.
func (d Delimiters) Unescape(s string) string {
	esc := d.Escape
	if strings.IndexByte(s, esc) < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != esc {
			b.WriteByte(s[i])
			continue
		}
		end := strings.IndexByte(s[i+1:], esc)
		if end < 0 {
			// Unterminated: keep the rest verbatim.
			b.WriteString(s[i:])
			break
		}
		seq := s[i+1 : i+1+end]
		i += end + 1

		switch {
		case seq == "F":
			b.WriteByte(d.Field)
		case seq == "S":
			b.WriteByte(d.Component)
		case seq == "T":
			b.WriteByte(d.SubComponent)
		case seq == "R":
			b.WriteByte(d.Repetition)
		case seq == "E":
			b.WriteByte(d.Escape)
		case len(seq) > 1 && seq[0] == 'X':
			b.WriteString(decodeHex(seq[1:]))
		}
	}
	return b.String()
}

// EscapeText encodes delimiter characters in s as HL7 escape sequences so the
// value can be written into a single component.
func (d Delimiters) EscapeText(s string) string {
	if strings.IndexAny(s, d.EncodingCharacters()+string(d.Field)) < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case d.Escape:
			b.WriteString(string(d.Escape) + "E" + string(d.Escape))
		case d.Field:
			b.WriteString(string(d.Escape) + "F" + string(d.Escape))
		case d.Component:
			b.WriteString(string(d.Escape) + "S" + string(d.Escape))
		case d.SubComponent:
			b.WriteString(string(d.Escape) + "T" + string(d.Escape))
		case d.Repetition:
			b.WriteString(string(d.Escape) + "R" + string(d.Escape))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func decodeHex(h string) string {
	out := make([]byte, 0, len(h)/2)
	for i := 0; i+1 < len(h); i += 2 {
		v, err := strconv.ParseUint(h[i:i+2], 16, 8)
		if err != nil {
			return ""
		}
		out = append(out, byte(v))
	}
	return string(out)
}

func isAlphaNum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// segmentTagOf returns at most the first three bytes of line for diagnostics.
func segmentTagOf(line string) string {
	return line[:min(3, len(line))]
}
