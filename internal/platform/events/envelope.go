// Package events carries integration events from a committed transaction to
// downstream consumers. Producers write envelopes to an outbox inside their
// own transaction; a Relay publishes them afterwards with at-least-once
// delivery.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is a serialized integration event.
type Envelope struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// NewEnvelope marshals payload into a new envelope.
func NewEnvelope(tenantID, eventType, aggregateID string, payload any, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Type:        eventType,
		AggregateID: aggregateID,
		Payload:     raw,
		OccurredAt:  at.UTC(),
	}, nil
}

// Publisher delivers an envelope to a downstream transport. Publish may be
// called more than once for the same envelope; consumers dedupe on ID.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, env Envelope) error

func (f PublisherFunc) Publish(ctx context.Context, env Envelope) error { return f(ctx, env) }
