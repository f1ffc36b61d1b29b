package hl7v2

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrEmptyInput is returned when a message or batch has no content.
	ErrEmptyInput = errors.New("hl7v2: input is empty")

	// ErrMissingMSH is returned when a message does not start with an MSH segment.
	ErrMissingMSH = errors.New("hl7v2: first segment must be MSH")

	// ErrMalformedSegment is returned when a segment cannot be tokenized.
	ErrMalformedSegment = errors.New("hl7v2: malformed segment")
)

// SegmentError pinpoints the segment and field a parse failure was found in.
type SegmentError struct {
	Segment  string // segment name, e.g. "MSH"
	Position int    // 1-based position of the segment in the message
	Field    int    // 1-based field number, 0 for the segment itself
	Err      error
}

func (e *SegmentError) Error() string {
	if e.Field == 0 {
		return fmt.Sprintf("hl7v2: segment %s (#%d): %v", e.Segment, e.Position, e.Err)
	}
	return fmt.Sprintf("hl7v2: segment %s (#%d) field %d: %v", e.Segment, e.Position, e.Field, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }

// Delimiters are the encoding characters declared in MSH-1 and MSH-2.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultDelimiters are the standard |^~\& encoding characters.
var DefaultDelimiters = Delimiters{Field: '|', Component: '^', Repetition: '~', Escape: '\\', Subcomponent: '&'}

func (d Delimiters) encodingChars() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.Subcomponent})
}

// Message represents a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9 message type (e.g. "ORU^R01")
	ControlID    string    // MSH-10
	Version      string    // MSH-12 (e.g. "2.6")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Delims       Delimiters
	Segments     []Segment
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBR", "OBX"
	Fields []Field
}

// Field holds the raw value of a field and its decoded repetitions and
// components. Components always mirrors the first repetition.
type Field struct {
	Value      string
	Components []string
	Repeats    [][]string
}

// Component returns the 1-based component of the first repetition, or "".
func (f Field) Component(n int) string {
	if n < 1 || n > len(f.Components) {
		return ""
	}
	return f.Components[n-1]
}

// Empty reports whether the field carries no value.
func (f Field) Empty() bool {
	return f.Value == ""
}

// Parse parses raw HL7v2 message bytes into a structured Message.
// Segments may be separated by \r, \n or \r\n.
func Parse(raw []byte) (*Message, error) {
	lines := SplitSegments(string(raw))
	if len(lines) == 0 {
		return nil, ErrEmptyInput
	}

	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, &SegmentError{Segment: segmentName(lines[0], '|'), Position: 1, Err: ErrMissingMSH}
	}

	delims, err := readDelimiters(lines[0])
	if err != nil {
		return nil, err
	}

	msg := &Message{Delims: delims}
	for i, line := range lines {
		seg, err := parseSegment(line, delims)
		if err != nil {
			return nil, &SegmentError{Segment: segmentName(line, delims.Field), Position: i + 1, Err: err}
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msg.extractMSHFields()
	return msg, nil
}

// SplitSegments normalizes line terminators to \r and returns the
// non-blank segment lines.
func SplitSegments(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var out []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func segmentName(line string, sep byte) string {
	if i := strings.IndexByte(line, sep); i >= 0 {
		return line[:i]
	}
	if len(line) > 3 {
		return line[:3]
	}
	return line
}

func readDelimiters(line string) (Delimiters, error) {
	// MSH + field separator + at least component and repetition chars
	if len(line) < 6 {
		return Delimiters{}, &SegmentError{Segment: "MSH", Position: 1, Field: 2, Err: ErrMalformedSegment}
	}
	d := DefaultDelimiters
	d.Field = line[3]
	enc := line[4:]
	if i := strings.IndexByte(enc, d.Field); i >= 0 {
		enc = enc[:i]
	}
	if len(enc) < 2 {
		return Delimiters{}, &SegmentError{Segment: "MSH", Position: 1, Field: 2, Err: ErrMalformedSegment}
	}
	d.Component = enc[0]
	d.Repetition = enc[1]
	if len(enc) > 2 {
		d.Escape = enc[2]
	}
	if len(enc) > 3 {
		d.Subcomponent = enc[3]
	}
	return d, nil
}

// parseSegment parses a single segment line into a Segment struct.
func parseSegment(line string, d Delimiters) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, ErrMalformedSegment
	}
	name := segmentName(line, d.Field)
	// Names are three upper-case letters or digits. Anything else means the
	// line is not a segment (wrong delimiters or a corrupted frame), so the
	// message fails rather than silently losing data. Z-segments pass.
	if !validSegmentName(name) {
		return Segment{}, ErrMalformedSegment
	}

	seg := Segment{Name: name}
	sep := string(d.Field)

	// MSH-1 is the field separator itself and MSH-2 the literal encoding
	// characters, so they are stored without decoding.
	if name == "MSH" {
		rest := line[4:]
		parts := strings.Split(rest, sep)
		seg.Fields = append(seg.Fields, Field{Value: sep, Components: []string{sep}, Repeats: [][]string{{sep}}})
		seg.Fields = append(seg.Fields, Field{Value: parts[0], Components: []string{parts[0]}, Repeats: [][]string{{parts[0]}}})
		for _, part := range parts[1:] {
			seg.Fields = append(seg.Fields, parseField(part, d))
		}
		return seg, nil
	}

	if len(line) == len(name) {
		return seg, nil
	}
	for _, f := range strings.Split(line[len(name)+1:], sep) {
		seg.Fields = append(seg.Fields, parseField(f, d))
	}
	return seg, nil
}

func validSegmentName(name string) bool {
	if len(name) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		c := name[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// parseField splits a field into repetitions and components, decoding
// escape sequences in each component.
func parseField(raw string, d Delimiters) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, string(d.Repetition)) {
		comps := strings.Split(rep, string(d.Component))
		for i := range comps {
			comps[i] = Unescape(comps[i], d)
		}
		f.Repeats = append(f.Repeats, comps)
	}
	f.Components = f.Repeats[0]
	return f
}

func (m *Message) extractMSHFields() {
	msh := &m.Segments[0]
	m.SendingApp = msh.GetComponent(3, 1)
	m.SendingFac = msh.GetComponent(4, 1)
	m.ReceivingApp = msh.GetComponent(5, 1)
	m.ReceivingFac = msh.GetComponent(6, 1)
	if ts, ok := ParseTimestamp(msh.GetField(7)); ok {
		m.Timestamp = ts
	}
	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.Version = msh.GetComponent(12, 1)
}

// MessageCode returns MSH-9.1 and MSH-9.2, e.g. ("ORU", "R01").
func (m *Message) MessageCode() (code, trigger string) {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return "", ""
	}
	return msh.GetComponent(9, 1), msh.GetComponent(9, 2)
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// Field returns the 1-based field and whether it is present with a value.
// For MSH, field 1 is the field separator.
func (s *Segment) Field(index int) (Field, bool) {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return Field{}, false
	}
	f := s.Fields[idx]
	return f, !f.Empty()
}

// GetField returns the raw value of a field by 1-based index.
func (s *Segment) GetField(index int) string {
	f, _ := s.Field(index)
	return f.Value
}

// GetComponent returns a decoded component value by 1-based field and
// component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	f, ok := s.Field(fieldIdx)
	if !ok {
		return ""
	}
	return f.Component(compIdx)
}

// Unescape decodes the HL7 escape sequences \F\ \S\ \R\ \E\ \T\ and \.br\.
// Unknown sequences are kept verbatim.
func Unescape(s string, d Delimiters) string {
	esc := d.Escape
	if esc == 0 || strings.IndexByte(s, esc) < 0 {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != esc {
			b.WriteByte(s[i])
			continue
		}
		end := strings.IndexByte(s[i+1:], esc)
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		seq := s[i+1 : i+1+end]
		switch seq {
		case "F":
			b.WriteByte(d.Field)
		case "S":
			b.WriteByte(d.Component)
		case "R":
			b.WriteByte(d.Repetition)
		case "E":
			b.WriteByte(d.Escape)
		case "T":
			b.WriteByte(d.Subcomponent)
		case ".br":
			b.WriteByte('\n')
		default:
			b.WriteString(s[i : i+end+2])
		}
		i += end + 1
	}
	return b.String()
}

// Escape encodes delimiter characters so s can be embedded in a field.
func Escape(s string, d Delimiters) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case d.Escape:
			b.WriteString(string(d.Escape) + "E" + string(d.Escape))
		case d.Field:
			b.WriteString(string(d.Escape) + "F" + string(d.Escape))
		case d.Component:
			b.WriteString(string(d.Escape) + "S" + string(d.Escape))
		case d.Repetition:
			b.WriteString(string(d.Escape) + "R" + string(d.Escape))
		case d.Subcomponent:
			b.WriteString(string(d.Escape) + "T" + string(d.Escape))
		case '\r', '\n':
			b.WriteString(string(d.Escape) + ".br" + string(d.Escape))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

var timestampLayouts = map[int]string{
	4:  "2006",
	6:  "200601",
	8:  "20060102",
	10: "2006010215",
	12: "200601021504",
	14: "20060102150405",
}

// ParseTimestamp parses an HL7 DTM value (YYYY[MM[DD[HH[MM[SS[.S+]]]]]][+/-ZZZZ]).
// Values without an offset are taken as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	loc := time.UTC
	if i := strings.IndexAny(s, "+-"); i >= 0 {
		zone := s[i:]
		s = s[:i]
		off, ok := parseOffset(zone)
		if !ok {
			return time.Time{}, false
		}
		loc = time.FixedZone("", off)
	}

	var frac time.Duration
	if i := strings.IndexByte(s, '.'); i >= 0 {
		digits := s[i+1:]
		s = s[:i]
		if len(s) != 14 || digits == "" {
			return time.Time{}, false
		}
		d, err := time.ParseDuration("0." + digits + "s")
		if err != nil {
			return time.Time{}, false
		}
		frac = d
	}

	layout, ok := timestampLayouts[len(s)]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(layout, s, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t.Add(frac), true
}

func parseOffset(zone string) (int, bool) {
	if len(zone) != 5 {
		return 0, false
	}
	sign := 1
	if zone[0] == '-' {
		sign = -1
	}
	hh, err := strconv.Atoi(zone[1:3])
	if err != nil {
		return 0, false
	}
	mm, err := strconv.Atoi(zone[3:5])
	if err != nil {
		return 0, false
	}
	if hh > 14 || mm > 59 {
		return 0, false
	}
	return sign * (hh*3600 + mm*60), true
}

// FormatTimestamp renders t as an HL7 DTM with second precision.
func FormatTimestamp(t time.Time) string {
	return t.Format("20060102150405")
}
