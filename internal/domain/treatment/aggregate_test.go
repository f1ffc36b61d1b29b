package treatment

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dialysis/pdms/internal/domain/vitals"
)

var t0 = time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)

func validPreAssessment() PreAssessment {
	return PreAssessment{
		WeightKg:              decimal.RequireFromString("72.4"),
		SystolicBP:            138,
		DiastolicBP:           82,
		AccessType:            "AV fistula",
		PrescriptionConfirmed: true,
		RecordedBy:            "nurse-1",
	}
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession("unit-3", "SESS001", t0)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	s.ClearChanges()
	return s
}

func runningSession(t *testing.T) *Session {
	t.Helper()
	s := newTestSession(t)
	if err := s.RecordPreAssessment(validPreAssessment(), t0); err != nil {
		t.Fatalf("RecordPreAssessment: %v", err)
	}
	s.ClearChanges()
	return s
}

func eventNames(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.eventName())
	}
	return out
}

func TestNewSession(t *testing.T) {
	s, err := NewSession("unit-3", "SESS001", t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != StatusPreAssessment {
		t.Errorf("expected PreAssessment, got %s", s.Status)
	}
	if names := eventNames(s.Changes()); len(names) != 1 || names[0] != "SessionCreated" {
		t.Errorf("expected [SessionCreated], got %v", names)
	}
}

func TestNewSession_RequiresIdentifiers(t *testing.T) {
	if _, err := NewSession("", "SESS001", t0); !IsValidation(err) {
		t.Errorf("expected validation error for empty tenant, got %v", err)
	}
	if _, err := NewSession("unit-3", "  ", t0); !IsValidation(err) {
		t.Errorf("expected validation error for blank session, got %v", err)
	}
}

func TestRecordPreAssessment_StartsSession(t *testing.T) {
	s := newTestSession(t)
	at := t0.Add(5 * time.Minute)
	if err := s.RecordPreAssessment(validPreAssessment(), at); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != StatusRunning {
		t.Errorf("expected Running, got %s", s.Status)
	}
	if s.StartedAt == nil || !s.StartedAt.Equal(at) {
		t.Errorf("expected StartedAt %v, got %v", at, s.StartedAt)
	}
	if s.PreAssessment == nil || !s.PreAssessment.RecordedAt.Equal(at) {
		t.Error("expected pre-assessment to be stored with its recording time")
	}
	names := eventNames(s.Changes())
	if len(names) != 2 || names[0] != "PreAssessmentRecorded" || names[1] != "SessionStarted" {
		t.Errorf("expected [PreAssessmentRecorded SessionStarted], got %v", names)
	}
}

func TestRecordPreAssessment_AmendsWhileRunning(t *testing.T) {
	s := runningSession(t)
	started := *s.StartedAt

	pa := validPreAssessment()
	pa.WeightKg = decimal.RequireFromString("71.9")
	if err := s.RecordPreAssessment(pa, t0.Add(10*time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != StatusRunning {
		t.Errorf("expected Running, got %s", s.Status)
	}
	if !s.StartedAt.Equal(started) {
		t.Error("expected StartedAt to be unchanged by an amendment")
	}
	changes := s.Changes()
	if len(changes) != 1 {
		t.Fatalf("expected 1 event, got %v", eventNames(changes))
	}
	rec, ok := changes[0].(PreAssessmentRecorded)
	if !ok || !rec.Amended {
		t.Errorf("expected amended PreAssessmentRecorded, got %#v", changes[0])
	}
}

func TestRecordPreAssessment_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PreAssessment)
	}{
		{"zero weight", func(p *PreAssessment) { p.WeightKg = decimal.Zero }},
		{"systolic not above diastolic", func(p *PreAssessment) { p.SystolicBP = 80 }},
		{"zero diastolic", func(p *PreAssessment) { p.DiastolicBP = 0 }},
		{"missing access", func(p *PreAssessment) { p.AccessType = " " }},
		{"unconfirmed prescription", func(p *PreAssessment) { p.PrescriptionConfirmed = false }},
		{"missing recorder", func(p *PreAssessment) { p.RecordedBy = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t)
			pa := validPreAssessment()
			tt.mutate(&pa)
			err := s.RecordPreAssessment(pa, t0)
			if !IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if s.Status != StatusPreAssessment || s.PreAssessment != nil || len(s.Changes()) != 0 {
				t.Error("expected session to be unchanged after rejection")
			}
		})
	}
}

func TestRecordPreAssessment_RejectedWhenClosed(t *testing.T) {
	s := runningSession(t)
	if err := s.Complete(t0.Add(4 * time.Hour)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	err := s.RecordPreAssessment(validPreAssessment(), t0.Add(5*time.Hour))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	var stateErr *StateError
	if !errors.As(err, &stateErr) || stateErr.From != StatusCompleted {
		t.Errorf("expected StateError from Completed, got %v", err)
	}
}

func TestComplete_RequiresRunning(t *testing.T) {
	s := newTestSession(t)
	err := s.Complete(t0)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if s.Status != StatusPreAssessment || s.EndedAt != nil {
		t.Error("expected session to be unchanged")
	}

	s = runningSession(t)
	end := t0.Add(4 * time.Hour)
	if err := s.Complete(end); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != StatusCompleted || s.EndedAt == nil || !s.EndedAt.Equal(end) {
		t.Errorf("expected Completed at %v, got %s at %v", end, s.Status, s.EndedAt)
	}
}

func TestSign_OnlyFromCompleted(t *testing.T) {
	for _, st := range []Status{StatusPreAssessment, StatusRunning} {
		s := newTestSession(t)
		s.Status = st
		if err := s.Sign("dr-a", t0); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Sign from %s: expected ErrInvalidTransition, got %v", st, err)
		}
	}

	s := runningSession(t)
	_ = s.Complete(t0.Add(time.Hour))
	if err := s.Sign("  ", t0.Add(2*time.Hour)); !IsValidation(err) {
		t.Errorf("expected validation error for blank signer, got %v", err)
	}
	if err := s.Sign("dr-a", t0.Add(2*time.Hour)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status != StatusSigned || strVal(s.SignedBy) != "dr-a" {
		t.Errorf("expected Signed by dr-a, got %s by %q", s.Status, strVal(s.SignedBy))
	}

	// terminal
	if err := s.Sign("dr-b", t0.Add(3*time.Hour)); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected second sign to fail, got %v", err)
	}
	if err := s.Complete(t0.Add(3 * time.Hour)); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected complete after sign to fail, got %v", err)
	}
}

func TestRecordObservation_Sequences(t *testing.T) {
	s := newTestSession(t)
	for i := 1; i <= 3; i++ {
		obs := &Observation{Code: "150021", Value: "-120"}
		if err := s.RecordObservation(obs, t0); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if obs.Sequence != i {
			t.Errorf("expected sequence %d, got %d", i, obs.Sequence)
		}
		if obs.TenantID != "unit-3" || obs.SessionID != "SESS001" {
			t.Errorf("expected observation keyed to session, got %s/%s", obs.TenantID, obs.SessionID)
		}
	}
	if s.ObservationCount != 3 {
		t.Errorf("expected count 3, got %d", s.ObservationCount)
	}
	if len(s.Changes()) != 3 {
		t.Errorf("expected 3 ObservationRecorded events, got %d", len(s.Changes()))
	}
}

func TestRecordObservation_RejectedWhenClosed(t *testing.T) {
	s := runningSession(t)
	_ = s.Complete(t0.Add(time.Hour))
	s.ClearChanges()

	err := s.RecordObservation(&Observation{Code: "150021", Value: "1"}, t0)
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if s.ObservationCount != 0 || len(s.Changes()) != 0 {
		t.Error("expected session to be unchanged")
	}
}

func TestRecordObservation_RequiresCode(t *testing.T) {
	s := newTestSession(t)
	if err := s.RecordObservation(&Observation{Value: "1"}, t0); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestBackfillPatient(t *testing.T) {
	s := newTestSession(t)
	if err := s.BackfillPatient(""); err != nil || s.PatientMRN != nil {
		t.Fatalf("expected empty MRN to be ignored, got %v", err)
	}
	if err := s.BackfillPatient("MRN12345"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.BackfillPatient("MRN12345"); err != nil {
		t.Errorf("expected same MRN to be accepted, got %v", err)
	}
	if err := s.BackfillPatient("MRN99999"); !errors.Is(err, ErrPatientMismatch) {
		t.Errorf("expected ErrPatientMismatch, got %v", err)
	}
	if strVal(s.PatientMRN) != "MRN12345" {
		t.Errorf("expected MRN to be kept, got %q", strVal(s.PatientMRN))
	}
}

func TestAttachDevice_RejectedWhenSigned(t *testing.T) {
	s := newTestSession(t)
	s.Status = StatusSigned
	err := s.AttachDevice("DEV-7")
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if s.DeviceID != nil {
		t.Error("expected device to stay unset")
	}
}

func TestSetModality(t *testing.T) {
	s := newTestSession(t)
	if err := s.SetModality(vitals.ModalityUnspecified); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.SetModality(vitals.ModalityHemodiafiltration); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.SetModality(vitals.ModalityHemodiafiltration); err != nil {
		t.Errorf("expected repeat modality to be accepted, got %v", err)
	}
	if err := s.SetModality(vitals.ModalityHemodialysis); !errors.Is(err, ErrModalityMismatch) {
		t.Errorf("expected ErrModalityMismatch, got %v", err)
	}
	if s.Modality != vitals.ModalityHemodiafiltration {
		t.Errorf("expected HDF to be kept, got %s", s.Modality)
	}
}

func TestRecordBreach(t *testing.T) {
	s := newTestSession(t)
	obs := &Observation{Code: "150021", Value: "-300"}
	_ = s.RecordObservation(obs, t0)
	s.RecordBreach(obs, vitals.Breach{
		Code:      "150021",
		Value:     decimal.NewFromInt(-300),
		Limit:     decimal.NewFromInt(-250),
		Direction: vitals.BelowLow,
		Severity:  vitals.SeverityCritical,
	}, t0)

	changes := s.Changes()
	b, ok := changes[len(changes)-1].(ThresholdBreached)
	if !ok {
		t.Fatalf("expected ThresholdBreached, got %T", changes[len(changes)-1])
	}
	if b.ObservationID != obs.ID || !b.Limit.Equal(decimal.NewFromInt(-250)) {
		t.Errorf("unexpected breach %#v", b)
	}
}
