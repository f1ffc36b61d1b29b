package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is an outbox row awaiting publication.
type Record struct {
	Envelope
	Seq       int64
	Attempts  int
	LastError string
}

// Store is the transactional outbox. Enqueue joins the transaction carried by
// ctx when there is one. Claim leases up to limit pending records for lease
// so that concurrent relays do not publish the same record at once.
type Store interface {
	Enqueue(ctx context.Context, envs ...Envelope) error
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Record, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error, retryAt time.Time) error
}

type memRecord struct {
	Record
	availableAt time.Time
	published   bool
}

// MemoryOutbox is a thread-safe in-memory Store.
type MemoryOutbox struct {
	mu      sync.Mutex
	seq     int64
	records map[uuid.UUID]*memRecord
	now     func() time.Time
}

// NewMemoryOutbox creates an empty in-memory outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		records: make(map[uuid.UUID]*memRecord),
		now:     time.Now,
	}
}

func (m *MemoryOutbox) Enqueue(_ context.Context, envs ...Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, env := range envs {
		if _, dup := m.records[env.ID]; dup {
			return fmt.Errorf("outbox: duplicate event id %s", env.ID)
		}
	}
	at := m.now()
	for _, env := range envs {
		m.seq++
		m.records[env.ID] = &memRecord{
			Record:      Record{Envelope: env, Seq: m.seq},
			availableAt: at,
		}
	}
	return nil
}

func (m *MemoryOutbox) Claim(_ context.Context, limit int, lease time.Duration) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var ready []*memRecord
	for _, r := range m.records {
		if !r.published && !r.availableAt.After(now) {
			ready = append(ready, r)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Seq < ready[j].Seq })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	out := make([]Record, 0, len(ready))
	for _, r := range ready {
		r.availableAt = now.Add(lease)
		out = append(out, r.Record)
	}
	return out, nil
}

func (m *MemoryOutbox) MarkPublished(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return fmt.Errorf("outbox: event %s not found", id)
	}
	r.published = true
	return nil
}

func (m *MemoryOutbox) MarkFailed(_ context.Context, id uuid.UUID, cause error, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return fmt.Errorf("outbox: event %s not found", id)
	}
	r.Attempts++
	if cause != nil {
		r.LastError = cause.Error()
	}
	r.availableAt = retryAt
	return nil
}

// Pending returns unpublished records in enqueue order.
func (m *MemoryOutbox) Pending() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if !r.published {
			out = append(out, r.Record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len returns the total number of records, published or not.
func (m *MemoryOutbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
