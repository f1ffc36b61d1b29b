package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// LogPublisher writes each envelope to the log.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, env Envelope) error {
	p.logger.Info().
		Str("event_id", env.ID.String()).
		Str("event_type", env.Type).
		Str("tenant_id", env.TenantID).
		Str("aggregate_id", env.AggregateID).
		RawJSON("payload", env.Payload).
		Msg("integration event")
	return nil
}

// Discard drops every envelope.
var Discard Publisher = PublisherFunc(func(context.Context, Envelope) error { return nil })

// MemoryPublisher records published envelopes.
type MemoryPublisher struct {
	mu        sync.Mutex
	published []Envelope
}

func (p *MemoryPublisher) Publish(_ context.Context, env Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, env)
	return nil
}

// Published returns a copy of everything published so far.
func (p *MemoryPublisher) Published() []Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Envelope, len(p.published))
	copy(out, p.published)
	return out
}

// OfType returns the published envelopes with the given type.
func (p *MemoryPublisher) OfType(eventType string) []Envelope {
	var out []Envelope
	for _, env := range p.Published() {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}
