package ingestion

import (
	"context"

	"github.com/dialysis/pdms/internal/platform/hl7v2"
)

// MLLPHandler adapts the pipeline to the MLLP server. Every frame is
// ingested for tenantID; a frame holding a batch, or more than one message,
// is answered with one ACK per contained message.
func MLLPHandler(p *Pipeline, tenantID string) hl7v2.MessageHandler {
	return func(ctx context.Context, payload []byte) []*hl7v2.Message {
		raw := string(payload)
		messages, err := hl7v2.ExtractMessages(raw)
		if err != nil {
			return []*hl7v2.Message{hl7v2.GenerateACK(&hl7v2.Message{}, hl7v2.AckReject, err.Error())}
		}
		if !hl7v2.IsBatch(raw) && len(messages) == 1 {
			return []*hl7v2.Message{p.Acknowledge(ctx, tenantID, messages[0])}
		}
		if len(messages) == 0 {
			return nil
		}
		res, err := p.IngestBatch(ctx, tenantID, raw)
		if err != nil {
			return []*hl7v2.Message{hl7v2.GenerateACK(&hl7v2.Message{}, hl7v2.AckError, err.Error())}
		}
		return res.AckMessages()
	}
}
