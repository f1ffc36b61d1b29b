package treatment

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dialysis/pdms/internal/platform/fhir"
)

// FHIRMapper turns a session snapshot into FHIR resources.
type FHIRMapper interface {
	ToFHIR(s *Session, obs []*Observation, at time.Time) (*fhir.Bundle, error)
}

// SnapshotMapper emits a collection Bundle holding a Procedure for the
// session, one Observation per recorded observation and, once signed, a
// Provenance naming the signer.
type SnapshotMapper struct{}

// Dialysis procedure code (SNOMED CT 302497006, hemodialysis).
const (
	snomedSystem      = "http://snomed.info/sct"
	dialysisProcedure = "302497006"
)

var procedureStatus = map[Status]string{
	StatusPreAssessment: "preparation",
	StatusRunning:       "in-progress",
	StatusCompleted:     "completed",
	StatusSigned:        "completed",
}

func (SnapshotMapper) ToFHIR(s *Session, obs []*Observation, at time.Time) (*fhir.Bundle, error) {
	if s == nil {
		return nil, fmt.Errorf("nil session")
	}
	resources := make([]map[string]interface{}, 0, len(obs)+2)
	resources = append(resources, procedureToFHIR(s))
	for _, o := range obs {
		resources = append(resources, observationToFHIR(s, o))
	}
	if s.Status == StatusSigned && s.SignedAt != nil {
		resources = append(resources, provenanceToFHIR(s))
	}
	return fhir.NewCollectionBundle(resources, at), nil
}

func procedureToFHIR(s *Session) map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Procedure",
		"id":           s.SessionID,
		"status":       procedureStatus[s.Status],
		"identifier":   []fhir.Identifier{{System: "urn:dialysis:session", Value: s.SessionID}},
		"code": fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: snomedSystem, Code: dialysisProcedure, Display: "Hemodialysis"}},
		},
		"meta": fhir.Meta{
			VersionID:   fmt.Sprintf("%d", s.Version),
			LastUpdated: s.UpdatedAt,
		},
	}
	if s.PatientMRN != nil {
		result["subject"] = patientRef(*s.PatientMRN)
	}
	if s.StartedAt != nil {
		result["performedPeriod"] = fhir.Period{Start: s.StartedAt, End: s.EndedAt}
	}
	if s.DeviceID != nil {
		result["focalDevice"] = []map[string]interface{}{
			{"manipulated": fhir.Reference{Reference: fhir.FormatReference("Device", *s.DeviceID)}},
		}
	}
	if s.Modality != "" {
		result["category"] = fhir.CodeableConcept{Text: string(s.Modality)}
	}
	return result
}

func observationToFHIR(s *Session, o *Observation) map[string]interface{} {
	code := fhir.CodeableConcept{Coding: []fhir.Coding{fhir.MDCCoding(o.Code, o.Name)}}
	if o.Name != "" {
		code.Text = o.Name
	}
	result := map[string]interface{}{
		"resourceType": "Observation",
		"id":           o.ID.String(),
		"status":       "final",
		"code":         code,
		"partOf":       []fhir.Reference{{Reference: fhir.FormatReference("Procedure", s.SessionID)}},
		"issued":       o.RecordedAt.Format(time.RFC3339),
	}
	if _, err := decimal.NewFromString(o.Value); err == nil {
		result["valueQuantity"] = fhir.UCUMQuantity(o.Value, o.Unit)
	} else {
		result["valueString"] = o.Value
	}
	if o.EffectiveTime != nil {
		result["effectiveDateTime"] = o.EffectiveTime.Format(time.RFC3339)
	}
	if s.PatientMRN != nil {
		result["subject"] = patientRef(*s.PatientMRN)
	}
	if s.DeviceID != nil {
		result["device"] = fhir.Reference{Reference: fhir.FormatReference("Device", *s.DeviceID)}
	}
	if rr, ok := o.Range(); ok {
		r := map[string]interface{}{}
		if rr.Lower != nil {
			r["low"] = fhir.UCUMQuantity(rr.Lower.String(), o.Unit)
		}
		if rr.Upper != nil {
			r["high"] = fhir.UCUMQuantity(rr.Upper.String(), o.Unit)
		}
		result["referenceRange"] = []map[string]interface{}{r}
	}
	if o.Provenance != "" {
		result["method"] = fhir.CodeableConcept{Coding: []fhir.Coding{fhir.MDCCoding(o.Provenance, "")}}
	}
	return result
}

func provenanceToFHIR(s *Session) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Provenance",
		"id":           s.SessionID + "-signature",
		"target":       []fhir.Reference{{Reference: fhir.FormatReference("Procedure", s.SessionID)}},
		"recorded":     s.SignedAt.Format(time.RFC3339),
		"agent": []map[string]interface{}{
			{
				"type": fhir.CodeableConcept{Coding: []fhir.Coding{{
					System: "http://terminology.hl7.org/CodeSystem/provenance-participant-type",
					Code:   "verifier",
				}}},
				"who": fhir.Reference{Display: strVal(s.SignedBy)},
			},
		},
	}
}

func patientRef(mrn string) map[string]interface{} {
	return map[string]interface{}{
		"identifier": fhir.Identifier{System: "urn:dialysis:mrn", Value: mrn},
	}
}
