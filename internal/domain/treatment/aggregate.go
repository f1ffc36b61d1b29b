package treatment

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dialysis/pdms/internal/domain/vitals"
)

// Event is a domain event raised by the Session aggregate.
type Event interface {
	eventName() string
}

type SessionCreated struct {
	SessionID string
	At        time.Time
}

type PreAssessmentRecorded struct {
	SessionID     string
	PreAssessment PreAssessment
	Amended       bool
	At            time.Time
}

type SessionStarted struct {
	SessionID string
	At        time.Time
}

type SessionCompleted struct {
	SessionID string
	At        time.Time
}

type SessionSigned struct {
	SessionID string
	SignedBy  string
	At        time.Time
}

type ObservationRecorded struct {
	SessionID     string
	ObservationID uuid.UUID
	Code          string
	Value         string
	Unit          string
	SubID         string
	ChannelName   string
	EffectiveTime *time.Time
	At            time.Time
}

type ThresholdBreached struct {
	SessionID     string
	ObservationID uuid.UUID
	Code          string
	Name          string
	Value         decimal.Decimal
	Limit         decimal.Decimal
	Direction     vitals.Direction
	Severity      vitals.Severity
	Unit          string
	At            time.Time
}

func (SessionCreated) eventName() string        { return "SessionCreated" }
func (PreAssessmentRecorded) eventName() string { return "PreAssessmentRecorded" }
func (SessionStarted) eventName() string        { return "SessionStarted" }
func (SessionCompleted) eventName() string      { return "SessionCompleted" }
func (SessionSigned) eventName() string         { return "SessionSigned" }
func (ObservationRecorded) eventName() string   { return "ObservationRecorded" }
func (ThresholdBreached) eventName() string     { return "ThresholdBreached" }

// NewSession starts a session in PreAssessment.
func NewSession(tenantID, sessionID string, at time.Time) (*Session, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, &ValidationError{Err: errors.New("tenant_id is required")}
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, &ValidationError{Err: errors.New("session_id is required")}
	}
	at = at.UTC()
	s := &Session{
		TenantID:  tenantID,
		SessionID: sessionID,
		Status:    StatusPreAssessment,
		CreatedAt: at,
		UpdatedAt: at,
	}
	s.raise(SessionCreated{SessionID: sessionID, At: at})
	return s, nil
}

// Changes returns the events raised since the last ClearChanges.
func (s *Session) Changes() []Event {
	return s.changes
}

// ClearChanges drops pending events once they have been written out.
func (s *Session) ClearChanges() {
	s.changes = nil
}

func (s *Session) raise(e Event) {
	s.changes = append(s.changes, e)
}

func (s *Session) reject(action string, err error) error {
	return &StateError{From: s.Status, Action: action, Err: err}
}

// RecordPreAssessment stores the clinical pre-assessment. The first one moves
// the session to Running; later ones while Running amend the record.
func (s *Session) RecordPreAssessment(pa PreAssessment, at time.Time) error {
	switch s.Status {
	case StatusPreAssessment, StatusRunning:
	default:
		return s.reject("record pre-assessment", ErrInvalidTransition)
	}
	at = at.UTC()
	if pa.RecordedAt.IsZero() {
		pa.RecordedAt = at
	}
	if err := pa.Validate(); err != nil {
		return err
	}

	amended := s.Status == StatusRunning
	s.PreAssessment = &pa
	s.UpdatedAt = at
	s.raise(PreAssessmentRecorded{SessionID: s.SessionID, PreAssessment: pa, Amended: amended, At: at})

	if !amended {
		s.Status = StatusRunning
		s.StartedAt = timePtr(at)
		s.raise(SessionStarted{SessionID: s.SessionID, At: at})
	}
	return nil
}

// Complete ends a running session.
func (s *Session) Complete(at time.Time) error {
	if s.Status != StatusRunning {
		return s.reject("complete", ErrInvalidTransition)
	}
	at = at.UTC()
	s.Status = StatusCompleted
	s.EndedAt = timePtr(at)
	s.UpdatedAt = at
	s.raise(SessionCompleted{SessionID: s.SessionID, At: at})
	return nil
}

// Sign closes a completed session for good.
func (s *Session) Sign(by string, at time.Time) error {
	if s.Status != StatusCompleted {
		return s.reject("sign", ErrInvalidTransition)
	}
	by = strings.TrimSpace(by)
	if by == "" {
		return &ValidationError{Err: errors.New("signed_by is required")}
	}
	at = at.UTC()
	s.Status = StatusSigned
	s.SignedAt = timePtr(at)
	s.SignedBy = strPtr(by)
	s.UpdatedAt = at
	s.raise(SessionSigned{SessionID: s.SessionID, SignedBy: by, At: at})
	return nil
}

// RecordObservation appends obs with the next sequence number.
func (s *Session) RecordObservation(obs *Observation, at time.Time) error {
	if s.Status.Closed() {
		return s.reject("record observation", ErrSessionClosed)
	}
	if strings.TrimSpace(obs.Code) == "" {
		return &ValidationError{Err: errors.New("observation code is required")}
	}
	at = at.UTC()
	if obs.ID == uuid.Nil {
		obs.ID = uuid.New()
	}
	obs.TenantID = s.TenantID
	obs.SessionID = s.SessionID
	obs.Sequence = s.ObservationCount + 1
	obs.RecordedAt = at

	s.ObservationCount++
	s.UpdatedAt = at
	s.raise(ObservationRecorded{
		SessionID:     s.SessionID,
		ObservationID: obs.ID,
		Code:          obs.Code,
		Value:         obs.Value,
		Unit:          obs.Unit,
		SubID:         obs.SubID,
		ChannelName:   obs.ChannelName,
		EffectiveTime: obs.EffectiveTime,
		At:            at,
	})
	return nil
}

// RecordBreach raises a ThresholdBreached event for a recorded observation.
func (s *Session) RecordBreach(obs *Observation, b vitals.Breach, at time.Time) {
	s.raise(ThresholdBreached{
		SessionID:     s.SessionID,
		ObservationID: obs.ID,
		Code:          obs.Code,
		Name:          b.Name,
		Value:         b.Value,
		Limit:         b.Limit,
		Direction:     b.Direction,
		Severity:      b.Severity,
		Unit:          b.Unit,
		At:            at.UTC(),
	})
}

// BackfillPatient sets the patient MRN when none is recorded. A different
// MRN is reported with ErrPatientMismatch and not applied.
func (s *Session) BackfillPatient(mrn string) error {
	return s.fill("back-fill patient", &s.PatientMRN, mrn, ErrPatientMismatch)
}

// AttachDevice sets the device id when none is recorded.
func (s *Session) AttachDevice(deviceID string) error {
	return s.fill("attach device", &s.DeviceID, deviceID, ErrDeviceMismatch)
}

func (s *Session) fill(action string, field **string, v string, mismatch error) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if s.Status == StatusSigned {
		return s.reject(action, ErrSessionClosed)
	}
	switch {
	case *field == nil:
		*field = strPtr(v)
	case **field != v:
		return mismatch
	}
	return nil
}

// SetModality records the therapy modality reported by the device.
func (s *Session) SetModality(m vitals.Modality) error {
	if m == vitals.ModalityUnspecified {
		return nil
	}
	if s.Status == StatusSigned {
		return s.reject("set modality", ErrSessionClosed)
	}
	switch s.Modality {
	case vitals.ModalityUnspecified:
		s.Modality = m
	case m:
	default:
		return ErrModalityMismatch
	}
	return nil
}
