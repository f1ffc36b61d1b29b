package fhir

import (
	"time"
)

type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value"`
}

type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Quantity is a measured amount. Value is kept as the decimal text received
// from the device.
type Quantity struct {
	Value  string `json:"value"`
	Unit   string `json:"unit,omitempty"`
	System string `json:"system,omitempty"`
	Code   string `json:"code,omitempty"`
}

// Coding systems used by dialysis exports.
const (
	SystemMDC  = "urn:iso:std:iso:11073:10101"
	SystemUCUM = "http://unitsofmeasure.org"
)

// MDCCoding returns a coding in the ISO/IEEE 11073 nomenclature.
func MDCCoding(code, display string) Coding {
	return Coding{System: SystemMDC, Code: code, Display: display}
}

// UCUMQuantity returns a quantity whose unit is a UCUM code.
func UCUMQuantity(value, unit string) Quantity {
	q := Quantity{Value: value, Unit: unit}
	if unit != "" {
		q.System = SystemUCUM
		q.Code = unit
	}
	return q
}
