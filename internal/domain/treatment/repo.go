package treatment

import (
	"context"
	"time"

	"github.com/dialysis/pdms/internal/platform/events"
)

// Repository persists sessions, their observations, processed message
// markers and outbox events. Every method joins the transaction opened by
// InTx when called with its context.
type Repository interface {
	// InTx runs fn atomically. Nested calls join the outer transaction.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	// GetOrCreate returns the session, creating it when absent. Concurrent
	// callers for the same key observe a single session; created is true for
	// exactly one of them. The session is locked for the rest of the
	// transaction.
	GetOrCreate(ctx context.Context, tenantID, sessionID string, at time.Time) (s *Session, created bool, err error)
	Get(ctx context.Context, tenantID, sessionID string) (*Session, error)
	GetForUpdate(ctx context.Context, tenantID, sessionID string) (*Session, error)
	// Save writes the session and bumps its version. ErrConflict means the
	// stored version moved since the session was read.
	Save(ctx context.Context, s *Session) error
	AppendObservations(ctx context.Context, obs []*Observation) error
	ListObservations(ctx context.Context, tenantID, sessionID string, limit, offset int) ([]*Observation, int, error)
	List(ctx context.Context, tenantID string, filter ListFilter, limit, offset int) ([]*Session, int, error)
	// MarkMessageProcessed records a message key and reports whether this is
	// its first occurrence.
	MarkMessageProcessed(ctx context.Context, key MessageKey) (bool, error)
	EnqueueEvents(ctx context.Context, envs []events.Envelope) error
}

// MessageKey identifies an ingested message for replay detection. MSH-10 is
// only unique per sending system, and device counters restart, so the key
// also carries the sender and the session the message reports on.
type MessageKey struct {
	TenantID        string
	SendingApp      string
	SendingFacility string
	SessionID       string
	ControlID       string
}
