package ingestion

import (
	"time"

	"github.com/dialysis/pdms/internal/platform/hl7v2"
)

// IngestCommand is one raw HL7 message to apply for a tenant. A zero
// ReceivedAt is replaced with the current time.
type IngestCommand struct {
	TenantID   string
	Raw        string
	ReceivedAt time.Time
}

// MessageResult reports the outcome of IngestMessage.
type MessageResult struct {
	ControlID        string        `json:"control_id"`
	SessionID        string        `json:"session_id"`
	ObservationCount int           `json:"observation_count"`
	Accepted         bool          `json:"accepted"`
	Created          bool          `json:"created"`
	Duplicate        bool          `json:"duplicate"`
	Breaches         int           `json:"breaches"`
	Rejections       []*DriftError `json:"rejections,omitempty"`
	Warnings         []string      `json:"warnings,omitempty"`
}

// Failure describes a message of a batch that could not be applied.
type Failure struct {
	Index     int    `json:"index"`
	ControlID string `json:"control_id,omitempty"`
	Reason    string `json:"reason"`
}

// BatchResult reports the outcome of IngestBatch. Replays of already
// ingested messages are counted in Duplicates, not in ProcessedCount, and do
// not contribute to SessionIDs. Acks holds one acknowledgment per physical
// message, in batch order.
type BatchResult struct {
	ProcessedCount int              `json:"processed_count"`
	SessionIDs     []string         `json:"session_ids"`
	Skipped        int              `json:"skipped"`
	Duplicates     int              `json:"duplicates"`
	Failures       []Failure        `json:"failures,omitempty"`
	Messages       []*MessageResult `json:"messages,omitempty"`
	Acks           []string         `json:"acks"`

	ackMessages []*hl7v2.Message
}

// AckMessages returns the acknowledgments as messages for framing.
func (r *BatchResult) AckMessages() []*hl7v2.Message {
	return r.ackMessages
}
