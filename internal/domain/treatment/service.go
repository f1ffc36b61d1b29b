package treatment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialysis/pdms/internal/platform/db"
	"github.com/dialysis/pdms/internal/platform/fhir"
	"github.com/dialysis/pdms/internal/platform/keylock"
)

// Retryable reports whether a failed session write may succeed when run
// again from the start.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || db.IsTransient(err)
}

// RetryPolicy is used for every session write.
var RetryPolicy = db.RetryPolicy{Attempts: 4, BaseDelay: 10 * time.Millisecond, Retryable: Retryable}

// LockKey is the keyed-lock name shared by every writer of a session.
func LockKey(tenantID, sessionID string) string {
	return keylock.Key(tenantID, sessionID)
}

type Service struct {
	repo   Repository
	locks  *keylock.Locker
	mapper FHIRMapper
	notify func()
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, locks *keylock.Locker) *Service {
	return &Service{
		repo:   repo,
		locks:  locks,
		mapper: SnapshotMapper{},
		notify: func() {},
		logger: zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetFHIRMapper replaces the default snapshot mapper.
func (s *Service) SetFHIRMapper(m FHIRMapper) {
	s.mapper = m
}

// SetNotifier registers a callback run after events are committed.
func (s *Service) SetNotifier(fn func()) {
	s.notify = fn
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l
}

// mutate applies fn to a locked session and writes it together with the
// integration events it raised.
func (s *Service) mutate(ctx context.Context, tenantID, sessionID string, fn func(sess *Session, at time.Time) error) (*Session, error) {
	unlock, err := s.locks.Lock(ctx, LockKey(tenantID, sessionID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *Session
	err = db.Retry(ctx, RetryPolicy, func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(ctx context.Context) error {
			sess, err := s.repo.GetForUpdate(ctx, tenantID, sessionID)
			if err != nil {
				return err
			}
			if err := fn(sess, s.now()); err != nil {
				return err
			}
			if err := s.repo.Save(ctx, sess); err != nil {
				return err
			}
			envs, err := IntegrationEvents(tenantID, sess.Changes())
			if err != nil {
				return err
			}
			if err := s.repo.EnqueueEvents(ctx, envs); err != nil {
				return err
			}
			sess.ClearChanges()
			out = sess
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.notify()
	return out, nil
}

func (s *Service) GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	return s.repo.Get(ctx, tenantID, sessionID)
}

func (s *Service) ListSessions(ctx context.Context, tenantID string, filter ListFilter, limit, offset int) ([]*Session, int, error) {
	return s.repo.List(ctx, tenantID, filter, limit, offset)
}

// ListObservations returns a page of a session's observations in sequence
// order.
func (s *Service) ListObservations(ctx context.Context, tenantID, sessionID string, limit, offset int) ([]*Observation, int, error) {
	if _, err := s.repo.Get(ctx, tenantID, sessionID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListObservations(ctx, tenantID, sessionID, limit, offset)
}

func (s *Service) SubmitPreAssessment(ctx context.Context, tenantID, sessionID string, pa PreAssessment) (*Session, error) {
	sess, err := s.mutate(ctx, tenantID, sessionID, func(sess *Session, at time.Time) error {
		return sess.RecordPreAssessment(pa, at)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("tenant_id", tenantID).Str("session_id", sessionID).Str("status", string(sess.Status)).Msg("pre-assessment recorded")
	return sess, nil
}

func (s *Service) CompleteSession(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	sess, err := s.mutate(ctx, tenantID, sessionID, func(sess *Session, at time.Time) error {
		return sess.Complete(at)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("tenant_id", tenantID).Str("session_id", sessionID).Msg("session completed")
	return sess, nil
}

func (s *Service) SignSession(ctx context.Context, tenantID, sessionID, signedBy string) (*Session, error) {
	sess, err := s.mutate(ctx, tenantID, sessionID, func(sess *Session, at time.Time) error {
		return sess.Sign(signedBy, at)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("tenant_id", tenantID).Str("session_id", sessionID).Str("signed_by", signedBy).Msg("session signed")
	return sess, nil
}

// ExportFHIR maps a session and all of its observations to a FHIR Bundle.
func (s *Service) ExportFHIR(ctx context.Context, tenantID, sessionID string) (*fhir.Bundle, error) {
	sess, err := s.repo.Get(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	obs, _, err := s.repo.ListObservations(ctx, tenantID, sessionID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	return s.mapper.ToFHIR(sess, obs, s.now())
}
