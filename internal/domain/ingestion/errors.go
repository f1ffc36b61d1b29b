package ingestion

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingSessionID is returned for an ORU message whose OBR carries no
	// session identifier.
	ErrMissingSessionID = errors.New("message has no session identifier")
	// ErrNotORU is returned by IngestMessage for any message type other than
	// ORU^R01.
	ErrNotORU = errors.New("message is not ORU^R01")
)

// DriftError rejects one observation whose device timestamp is too far from
// the time the message was received.
type DriftError struct {
	Index         int           `json:"index"`
	Code          string        `json:"code"`
	EffectiveTime time.Time     `json:"effective_time"`
	ReceivedAt    time.Time     `json:"received_at"`
	Drift         time.Duration `json:"drift_ns"`
	MaxDrift      time.Duration `json:"max_drift_ns"`
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("observation %d (%s): clock drift %s exceeds %s", e.Index, e.Code, e.Drift, e.MaxDrift)
}
