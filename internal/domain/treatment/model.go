package treatment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dialysis/pdms/internal/domain/vitals"
)

// Status is the workflow state of a treatment session.
type Status string

const (
	StatusPreAssessment Status = "PreAssessment"
	StatusRunning       Status = "Running"
	StatusCompleted     Status = "Completed"
	StatusSigned        Status = "Signed"
)

// ParseStatus accepts a status name, case-insensitively.
func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{StatusPreAssessment, StatusRunning, StatusCompleted, StatusSigned} {
		if strings.EqualFold(string(st), strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown session status %q", s)
}

// Closed reports whether observations are no longer accepted.
func (s Status) Closed() bool {
	return s == StatusCompleted || s == StatusSigned
}

// PreAssessment is the clinical check recorded before therapy starts.
type PreAssessment struct {
	WeightKg              decimal.Decimal `json:"weight_kg"`
	SystolicBP            int             `json:"systolic_bp"`
	DiastolicBP           int             `json:"diastolic_bp"`
	AccessType            string          `json:"access_type"`
	PrescriptionConfirmed bool            `json:"prescription_confirmed"`
	Notes                 *string         `json:"notes,omitempty"`
	RecordedBy            string          `json:"recorded_by"`
	RecordedAt            time.Time       `json:"recorded_at"`
}

// Validate checks the clinical minimum for starting therapy.
func (p PreAssessment) Validate() error {
	var errs []error
	if !p.WeightKg.IsPositive() {
		errs = append(errs, errors.New("weight_kg must be positive"))
	}
	if p.DiastolicBP <= 0 {
		errs = append(errs, errors.New("diastolic_bp must be positive"))
	}
	if p.SystolicBP <= p.DiastolicBP {
		errs = append(errs, errors.New("systolic_bp must exceed diastolic_bp"))
	}
	if strings.TrimSpace(p.AccessType) == "" {
		errs = append(errs, errors.New("access_type is required"))
	}
	if !p.PrescriptionConfirmed {
		errs = append(errs, errors.New("prescription must be confirmed"))
	}
	if strings.TrimSpace(p.RecordedBy) == "" {
		errs = append(errs, errors.New("recorded_by is required"))
	}
	if len(errs) > 0 {
		return &ValidationError{Err: errors.Join(errs...)}
	}
	return nil
}

// Session is the treatment session aggregate root. Observations are not held
// in memory; they are appended through the repository.
type Session struct {
	TenantID         string          `db:"tenant_id" json:"tenant_id"`
	SessionID        string          `db:"session_id" json:"session_id"`
	PatientMRN       *string         `db:"patient_mrn" json:"patient_mrn,omitempty"`
	DeviceID         *string         `db:"device_id" json:"device_id,omitempty"`
	Modality         vitals.Modality `db:"modality" json:"modality,omitempty"`
	Status           Status          `db:"status" json:"status"`
	StartedAt        *time.Time      `db:"started_at" json:"started_at,omitempty"`
	EndedAt          *time.Time      `db:"ended_at" json:"ended_at,omitempty"`
	SignedAt         *time.Time      `db:"signed_at" json:"signed_at,omitempty"`
	SignedBy         *string         `db:"signed_by" json:"signed_by,omitempty"`
	PreAssessment    *PreAssessment  `db:"pre_assessment" json:"pre_assessment,omitempty"`
	ObservationCount int             `db:"observation_count" json:"observation_count"`
	Version          int             `db:"version" json:"version"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`

	changes []Event
}

// Observation is one recorded device measurement.
type Observation struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	TenantID         string     `db:"tenant_id" json:"tenant_id"`
	SessionID        string     `db:"session_id" json:"session_id"`
	Sequence         int        `db:"sequence" json:"sequence"`
	Code             string     `db:"code" json:"code"`
	Name             string     `db:"name" json:"name,omitempty"`
	Value            string     `db:"value" json:"value"`
	Unit             string     `db:"unit" json:"unit,omitempty"`
	SubID            string     `db:"sub_id" json:"sub_id,omitempty"`
	ReferenceRange   string     `db:"reference_range" json:"reference_range,omitempty"`
	Provenance       string     `db:"provenance" json:"provenance,omitempty"`
	EffectiveTime    *time.Time `db:"effective_time" json:"effective_time,omitempty"`
	ContainmentLevel int        `db:"containment_level" json:"containment_level"`
	ChannelName      string     `db:"channel_name" json:"channel_name,omitempty"`
	ControlID        string     `db:"control_id" json:"control_id,omitempty"`
	RecordedAt       time.Time  `db:"recorded_at" json:"recorded_at"`
}

// Range interprets the raw reference range text.
func (o *Observation) Range() (vitals.ReferenceRange, bool) {
	return vitals.TryParseRange(o.ReferenceRange)
}

// ListFilter narrows session listings. Zero values match everything.
type ListFilter struct {
	Status     Status
	PatientMRN string
	DeviceID   string
}

func strPtr(s string) *string { return &s }

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func timePtr(t time.Time) *time.Time { return &t }
