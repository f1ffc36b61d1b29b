package treatment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dialysis/pdms/internal/platform/events"
)

type sessionKey struct{ tenant, session string }

// memTx stages writes until commit.
type memTx struct {
	sessions     map[sessionKey]*Session
	created      map[sessionKey]bool
	baseVersion  map[sessionKey]int
	observations []*Observation
	messages     map[MessageKey]struct{}
	events       []events.Envelope
}

type memTxKey struct{}

// MemoryRepository is an in-process Repository. Writes made inside InTx are
// staged and become visible to other readers only on commit; a stale session
// version or a duplicate message marker fails the commit with ErrConflict.
type MemoryRepository struct {
	mu           sync.RWMutex
	sessions     map[sessionKey]*Session
	observations map[sessionKey][]*Observation
	messages     map[MessageKey]struct{}
	outbox       events.Store
}

// NewMemoryRepository creates an empty repository writing events to outbox.
func NewMemoryRepository(outbox events.Store) *MemoryRepository {
	return &MemoryRepository{
		sessions:     make(map[sessionKey]*Session),
		observations: make(map[sessionKey][]*Observation),
		messages:     make(map[MessageKey]struct{}),
		outbox:       outbox,
	}
}

func txFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	return tx
}

func (r *MemoryRepository) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	tx := &memTx{
		sessions:    make(map[sessionKey]*Session),
		created:     make(map[sessionKey]bool),
		baseVersion: make(map[sessionKey]int),
		messages:    make(map[MessageKey]struct{}),
	}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.commit(ctx, tx)
}

func (r *MemoryRepository) commit(ctx context.Context, tx *memTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k := range tx.sessions {
		cur, exists := r.sessions[k]
		switch {
		case tx.created[k] && exists:
			return ErrConflict
		case !tx.created[k] && (!exists || cur.Version != tx.baseVersion[k]):
			return ErrConflict
		}
	}
	for k := range tx.messages {
		if _, dup := r.messages[k]; dup {
			return ErrConflict
		}
	}

	if len(tx.events) > 0 {
		if err := r.outbox.Enqueue(ctx, tx.events...); err != nil {
			return fmt.Errorf("enqueue events: %w", err)
		}
	}
	for k, s := range tx.sessions {
		r.sessions[k] = cloneSession(s)
	}
	for _, o := range tx.observations {
		k := sessionKey{o.TenantID, o.SessionID}
		cp := *o
		r.observations[k] = append(r.observations[k], &cp)
	}
	for k := range tx.messages {
		r.messages[k] = struct{}{}
	}
	return nil
}

// write runs fn in the caller's transaction or a new one.
func (r *MemoryRepository) write(ctx context.Context, fn func(tx *memTx) error) error {
	if tx := txFrom(ctx); tx != nil {
		return fn(tx)
	}
	return r.InTx(ctx, func(ctx context.Context) error { return fn(txFrom(ctx)) })
}

func cloneSession(s *Session) *Session {
	cp := *s
	cp.changes = nil
	if s.PreAssessment != nil {
		pa := *s.PreAssessment
		cp.PreAssessment = &pa
	}
	return &cp
}

func (r *MemoryRepository) lookup(ctx context.Context, k sessionKey) (*Session, bool) {
	if tx := txFrom(ctx); tx != nil {
		if s, ok := tx.sessions[k]; ok {
			return cloneSession(s), true
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[k]
	if !ok {
		return nil, false
	}
	return cloneSession(s), true
}

func (r *MemoryRepository) GetOrCreate(ctx context.Context, tenantID, sessionID string, at time.Time) (*Session, bool, error) {
	k := sessionKey{tenantID, sessionID}
	if s, ok := r.lookup(ctx, k); ok {
		return s, false, nil
	}
	s, err := NewSession(tenantID, sessionID, at)
	if err != nil {
		return nil, false, err
	}
	s.Version = 1
	err = r.write(ctx, func(tx *memTx) error {
		tx.sessions[k] = cloneSession(s)
		tx.created[k] = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

func (r *MemoryRepository) Get(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	s, ok := r.lookup(ctx, sessionKey{tenantID, sessionID})
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// GetForUpdate has no row lock in memory; callers serialise through the
// keyed lock and Save detects stale versions.
func (r *MemoryRepository) GetForUpdate(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	return r.Get(ctx, tenantID, sessionID)
}

func (r *MemoryRepository) Save(ctx context.Context, s *Session) error {
	k := sessionKey{s.TenantID, s.SessionID}
	err := r.write(ctx, func(tx *memTx) error {
		if staged, ok := tx.sessions[k]; ok {
			if staged.Version != s.Version {
				return ErrConflict
			}
		} else {
			r.mu.RLock()
			cur, exists := r.sessions[k]
			r.mu.RUnlock()
			if !exists {
				return ErrNotFound
			}
			if cur.Version != s.Version {
				return ErrConflict
			}
			tx.baseVersion[k] = s.Version
		}
		next := cloneSession(s)
		next.Version = s.Version + 1
		tx.sessions[k] = next
		return nil
	})
	if err != nil {
		return err
	}
	s.Version++
	return nil
}

func (r *MemoryRepository) AppendObservations(ctx context.Context, obs []*Observation) error {
	return r.write(ctx, func(tx *memTx) error {
		for _, o := range obs {
			cp := *o
			tx.observations = append(tx.observations, &cp)
		}
		return nil
	})
}

func (r *MemoryRepository) ListObservations(ctx context.Context, tenantID, sessionID string, limit, offset int) ([]*Observation, int, error) {
	k := sessionKey{tenantID, sessionID}
	r.mu.RLock()
	all := make([]*Observation, 0, len(r.observations[k]))
	for _, o := range r.observations[k] {
		cp := *o
		all = append(all, &cp)
	}
	r.mu.RUnlock()

	if tx := txFrom(ctx); tx != nil {
		for _, o := range tx.observations {
			if o.TenantID == tenantID && o.SessionID == sessionID {
				cp := *o
				all = append(all, &cp)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Sequence < all[j].Sequence })
	return page(all, limit, offset), len(all), nil
}

func (r *MemoryRepository) List(ctx context.Context, tenantID string, filter ListFilter, limit, offset int) ([]*Session, int, error) {
	r.mu.RLock()
	var all []*Session
	for k, s := range r.sessions {
		if k.tenant != tenantID {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.PatientMRN != "" && strVal(s.PatientMRN) != filter.PatientMRN {
			continue
		}
		if filter.DeviceID != "" && strVal(s.DeviceID) != filter.DeviceID {
			continue
		}
		all = append(all, cloneSession(s))
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].SessionID < all[j].SessionID
	})
	return page(all, limit, offset), len(all), nil
}

func (r *MemoryRepository) MarkMessageProcessed(ctx context.Context, k MessageKey) (bool, error) {
	first := false
	err := r.write(ctx, func(tx *memTx) error {
		if _, ok := tx.messages[k]; ok {
			return nil
		}
		r.mu.RLock()
		_, seen := r.messages[k]
		r.mu.RUnlock()
		if seen {
			return nil
		}
		tx.messages[k] = struct{}{}
		first = true
		return nil
	})
	return first, err
}

func (r *MemoryRepository) EnqueueEvents(ctx context.Context, envs []events.Envelope) error {
	return r.write(ctx, func(tx *memTx) error {
		tx.events = append(tx.events, envs...)
		return nil
	})
}

// Stats reports stored counts for the health endpoint.
func (r *MemoryRepository) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obs := 0
	for _, list := range r.observations {
		obs += len(list)
	}
	return map[string]int{
		"sessions":     len(r.sessions),
		"observations": obs,
		"messages":     len(r.messages),
	}
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
