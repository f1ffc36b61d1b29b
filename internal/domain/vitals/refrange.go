package vitals

import (
	"strings"

	"github.com/shopspring/decimal"
)

// RangeKind distinguishes the shapes a reference range can take.
type RangeKind int

const (
	// Bounded is lower-upper, both inclusive.
	Bounded RangeKind = iota + 1
	// GreaterThanLower is ">n".
	GreaterThanLower
	// LessThanUpper is "<n".
	LessThanUpper
)

func (k RangeKind) String() string {
	switch k {
	case Bounded:
		return "bounded"
	case GreaterThanLower:
		return "greater_than_lower"
	case LessThanUpper:
		return "less_than_upper"
	}
	return "unknown"
}

// ReferenceRange is the interpreted form of an OBX-7 reference range.
// Bounded ranges always have Lower <= Upper.
type ReferenceRange struct {
	Kind  RangeKind
	Lower *decimal.Decimal
	Upper *decimal.Decimal
}

// TryParseRange interprets reference range text. It never fails: blank
// text, "N", "normal" and anything unparseable yield ok=false.
func TryParseRange(raw string) (ReferenceRange, bool) {
	s := strings.Join(strings.Fields(raw), "")
	if s == "" || strings.EqualFold(s, "N") || strings.EqualFold(s, "normal") {
		return ReferenceRange{}, false
	}

	switch s[0] {
	case '>':
		v, ok := parseBound(strings.TrimPrefix(s[1:], "="))
		if !ok {
			return ReferenceRange{}, false
		}
		return ReferenceRange{Kind: GreaterThanLower, Lower: &v}, true
	case '<':
		v, ok := parseBound(strings.TrimPrefix(s[1:], "="))
		if !ok {
			return ReferenceRange{}, false
		}
		return ReferenceRange{Kind: LessThanUpper, Upper: &v}, true
	}

	// The separator is the first '-' that follows a digit, so signed
	// bounds such as "-5--1" split correctly.
	for i := 1; i < len(s); i++ {
		if s[i] != '-' || !isDigitOrDot(s[i-1]) {
			continue
		}
		lo, ok := parseBound(s[:i])
		if !ok {
			return ReferenceRange{}, false
		}
		hi, ok := parseBound(s[i+1:])
		if !ok {
			return ReferenceRange{}, false
		}
		if lo.GreaterThan(hi) {
			return ReferenceRange{}, false
		}
		return ReferenceRange{Kind: Bounded, Lower: &lo, Upper: &hi}, true
	}
	return ReferenceRange{}, false
}

func isDigitOrDot(c byte) bool {
	return (c >= '0' && c <= '9') || c == '.'
}

func parseBound(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Decimal{}, false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isDigitOrDot(c) && !(i == 0 && (c == '-' || c == '+')) {
			return decimal.Decimal{}, false
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// Contains reports whether v lies within the range.
func (r ReferenceRange) Contains(v decimal.Decimal) bool {
	switch r.Kind {
	case Bounded:
		return v.GreaterThanOrEqual(*r.Lower) && v.LessThanOrEqual(*r.Upper)
	case GreaterThanLower:
		return v.GreaterThan(*r.Lower)
	case LessThanUpper:
		return v.LessThan(*r.Upper)
	}
	return false
}

// String renders the canonical text form.
func (r ReferenceRange) String() string {
	switch r.Kind {
	case Bounded:
		return r.Lower.String() + "-" + r.Upper.String()
	case GreaterThanLower:
		return ">" + r.Lower.String()
	case LessThanUpper:
		return "<" + r.Upper.String()
	}
	return ""
}
