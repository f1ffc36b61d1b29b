package treatment

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dialysis/pdms/internal/platform/events"
)

// Integration event types published for other services.
const (
	EventObservationRecorded   = "dialysis.observation.recorded"
	EventThresholdBreached     = "dialysis.vitals.threshold_breached"
	EventSessionCreated        = "dialysis.session.created"
	EventPreAssessmentRecorded = "dialysis.session.pre_assessment_recorded"
	EventSessionStarted        = "dialysis.session.started"
	EventSessionCompleted      = "dialysis.session.completed"
	EventSessionSigned         = "dialysis.session.signed"
)

// ObservationRecordedPayload is the body of dialysis.observation.recorded.
type ObservationRecordedPayload struct {
	TenantID      string     `json:"tenant_id"`
	SessionID     string     `json:"session_id"`
	ObservationID uuid.UUID  `json:"observation_id"`
	Code          string     `json:"code"`
	Value         string     `json:"value"`
	Unit          string     `json:"unit,omitempty"`
	SubID         string     `json:"sub_id,omitempty"`
	ChannelName   string     `json:"channel_name,omitempty"`
	EffectiveTime *time.Time `json:"effective_time,omitempty"`
}

// ThresholdBreachedPayload is the body of dialysis.vitals.threshold_breached.
type ThresholdBreachedPayload struct {
	TenantID      string    `json:"tenant_id"`
	SessionID     string    `json:"session_id"`
	ObservationID uuid.UUID `json:"observation_id"`
	Code          string    `json:"code"`
	Name          string    `json:"name,omitempty"`
	Value         string    `json:"value"`
	Limit         string    `json:"limit"`
	Direction     string    `json:"direction"`
	Severity      string    `json:"severity"`
	Unit          string    `json:"unit,omitempty"`
}

// SessionPayload is the body of the dialysis.session.* events.
type SessionPayload struct {
	TenantID      string         `json:"tenant_id"`
	SessionID     string         `json:"session_id"`
	SignedBy      string         `json:"signed_by,omitempty"`
	PreAssessment *PreAssessment `json:"pre_assessment,omitempty"`
	Amended       bool           `json:"amended,omitempty"`
}

// IntegrationEvents translates domain events into tenant-scoped envelopes.
func IntegrationEvents(tenantID string, changes []Event) ([]events.Envelope, error) {
	out := make([]events.Envelope, 0, len(changes))
	for _, change := range changes {
		var (
			eventType string
			aggregate string
			payload   any
			at        time.Time
		)
		switch e := change.(type) {
		case ObservationRecorded:
			eventType, aggregate, at = EventObservationRecorded, e.SessionID, e.At
			payload = ObservationRecordedPayload{
				TenantID:      tenantID,
				SessionID:     e.SessionID,
				ObservationID: e.ObservationID,
				Code:          e.Code,
				Value:         e.Value,
				Unit:          e.Unit,
				SubID:         e.SubID,
				ChannelName:   e.ChannelName,
				EffectiveTime: e.EffectiveTime,
			}
		case ThresholdBreached:
			eventType, aggregate, at = EventThresholdBreached, e.SessionID, e.At
			payload = ThresholdBreachedPayload{
				TenantID:      tenantID,
				SessionID:     e.SessionID,
				ObservationID: e.ObservationID,
				Code:          e.Code,
				Name:          e.Name,
				Value:         e.Value.String(),
				Limit:         e.Limit.String(),
				Direction:     string(e.Direction),
				Severity:      string(e.Severity),
				Unit:          e.Unit,
			}
		case SessionCreated:
			eventType, aggregate, at = EventSessionCreated, e.SessionID, e.At
			payload = SessionPayload{TenantID: tenantID, SessionID: e.SessionID}
		case PreAssessmentRecorded:
			eventType, aggregate, at = EventPreAssessmentRecorded, e.SessionID, e.At
			pa := e.PreAssessment
			payload = SessionPayload{TenantID: tenantID, SessionID: e.SessionID, PreAssessment: &pa, Amended: e.Amended}
		case SessionStarted:
			eventType, aggregate, at = EventSessionStarted, e.SessionID, e.At
			payload = SessionPayload{TenantID: tenantID, SessionID: e.SessionID}
		case SessionCompleted:
			eventType, aggregate, at = EventSessionCompleted, e.SessionID, e.At
			payload = SessionPayload{TenantID: tenantID, SessionID: e.SessionID}
		case SessionSigned:
			eventType, aggregate, at = EventSessionSigned, e.SessionID, e.At
			payload = SessionPayload{TenantID: tenantID, SessionID: e.SessionID, SignedBy: e.SignedBy}
		default:
			return nil, fmt.Errorf("no integration event for %s", change.eventName())
		}

		env, err := events.NewEnvelope(tenantID, eventType, aggregate, payload, at)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}
