package treatment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dialysis/pdms/internal/domain/vitals"
	"github.com/dialysis/pdms/internal/platform/db"
	"github.com/dialysis/pdms/internal/platform/events"
)

type sessionRepoPG struct {
	pool   *pgxpool.Pool
	outbox events.Store
}

// NewRepoPG returns a PostgreSQL Repository. Outbox rows are written through
// outbox inside the same transaction as the session.
func NewRepoPG(pool *pgxpool.Pool, outbox events.Store) Repository {
	return &sessionRepoPG{pool: pool, outbox: outbox}
}

const sessionCols = `tenant_id, session_id, patient_mrn, device_id, modality, status,
	started_at, ended_at, signed_at, signed_by, pre_assessment,
	observation_count, version, created_at, updated_at`

const observationCols = `id, tenant_id, session_id, sequence, code, name, value, unit,
	sub_id, reference_range, provenance, effective_time, containment_level,
	channel_name, control_id, recorded_at`

func (r *sessionRepoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.InTx(ctx, r.pool, fn)
}

func (r *sessionRepoPG) scanSession(row pgx.Row) (*Session, error) {
	var (
		s        Session
		modality string
		status   string
		pa       []byte
	)
	err := row.Scan(&s.TenantID, &s.SessionID, &s.PatientMRN, &s.DeviceID, &modality, &status,
		&s.StartedAt, &s.EndedAt, &s.SignedAt, &s.SignedBy, &pa,
		&s.ObservationCount, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Modality = vitals.Modality(modality)
	s.Status = Status(status)
	if len(pa) > 0 {
		s.PreAssessment = &PreAssessment{}
		if err := json.Unmarshal(pa, s.PreAssessment); err != nil {
			return nil, fmt.Errorf("decode pre_assessment: %w", err)
		}
	}
	return &s, nil
}

func (r *sessionRepoPG) GetOrCreate(ctx context.Context, tenantID, sessionID string, at time.Time) (*Session, bool, error) {
	s, err := NewSession(tenantID, sessionID, at)
	if err != nil {
		return nil, false, err
	}
	s.Version = 1

	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO treatment_sessions (tenant_id, session_id, modality, status, observation_count, version, created_at, updated_at)
		VALUES ($1, $2, '', $3, 0, 1, $4, $4)
		ON CONFLICT (tenant_id, session_id) DO NOTHING`,
		tenantID, sessionID, string(s.Status), s.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return s, true, nil
	}

	existing, err := r.GetForUpdate(ctx, tenantID, sessionID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *sessionRepoPG) Get(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	return r.scanSession(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM treatment_sessions WHERE tenant_id = $1 AND session_id = $2`,
		tenantID, sessionID))
}

func (r *sessionRepoPG) GetForUpdate(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	return r.scanSession(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM treatment_sessions WHERE tenant_id = $1 AND session_id = $2 FOR UPDATE`,
		tenantID, sessionID))
}

func (r *sessionRepoPG) Save(ctx context.Context, s *Session) error {
	var pa []byte
	if s.PreAssessment != nil {
		var err error
		if pa, err = json.Marshal(s.PreAssessment); err != nil {
			return fmt.Errorf("encode pre_assessment: %w", err)
		}
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE treatment_sessions SET
			patient_mrn = $3, device_id = $4, modality = $5, status = $6,
			started_at = $7, ended_at = $8, signed_at = $9, signed_by = $10,
			pre_assessment = $11, observation_count = $12,
			version = version + 1, updated_at = $13
		WHERE tenant_id = $1 AND session_id = $2 AND version = $14`,
		s.TenantID, s.SessionID, s.PatientMRN, s.DeviceID, string(s.Modality), string(s.Status),
		s.StartedAt, s.EndedAt, s.SignedAt, s.SignedBy,
		pa, s.ObservationCount, s.UpdatedAt, s.Version)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	s.Version++
	return nil
}

func (r *sessionRepoPG) AppendObservations(ctx context.Context, obs []*Observation) error {
	if len(obs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, o := range obs {
		batch.Queue(`INSERT INTO observations (`+observationCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			o.ID, o.TenantID, o.SessionID, o.Sequence, o.Code, o.Name, o.Value, o.Unit,
			o.SubID, o.ReferenceRange, o.Provenance, o.EffectiveTime, o.ContainmentLevel,
			o.ChannelName, o.ControlID, o.RecordedAt)
	}

	return r.InTx(ctx, func(ctx context.Context) error {
		results := db.TxFromContext(ctx).SendBatch(ctx, batch)
		for range obs {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("insert observation: %w", err)
			}
		}
		return results.Close()
	})
}

func (r *sessionRepoPG) scanObservation(row pgx.Row) (*Observation, error) {
	var o Observation
	err := row.Scan(&o.ID, &o.TenantID, &o.SessionID, &o.Sequence, &o.Code, &o.Name, &o.Value, &o.Unit,
		&o.SubID, &o.ReferenceRange, &o.Provenance, &o.EffectiveTime, &o.ContainmentLevel,
		&o.ChannelName, &o.ControlID, &o.RecordedAt)
	return &o, err
}

func (r *sessionRepoPG) ListObservations(ctx context.Context, tenantID, sessionID string, limit, offset int) ([]*Observation, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM observations WHERE tenant_id = $1 AND session_id = $2`,
		tenantID, sessionID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + observationCols + ` FROM observations
		WHERE tenant_id = $1 AND session_id = $2 ORDER BY sequence`
	args := []interface{}{tenantID, sessionID}
	if limit > 0 {
		query += ` LIMIT $3 OFFSET $4`
		args = append(args, limit, offset)
	}
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Observation
	for rows.Next() {
		o, err := r.scanObservation(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}

func (r *sessionRepoPG) List(ctx context.Context, tenantID string, filter ListFilter, limit, offset int) ([]*Session, int, error) {
	where := ` WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	idx := 2

	if filter.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, string(filter.Status))
		idx++
	}
	if filter.PatientMRN != "" {
		where += fmt.Sprintf(` AND patient_mrn = $%d`, idx)
		args = append(args, filter.PatientMRN)
		idx++
	}
	if filter.DeviceID != "" {
		where += fmt.Sprintf(` AND device_id = $%d`, idx)
		args = append(args, filter.DeviceID)
		idx++
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM treatment_sessions`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + sessionCols + ` FROM treatment_sessions` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, session_id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Session
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *sessionRepoPG) MarkMessageProcessed(ctx context.Context, k MessageKey) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO ingested_messages (tenant_id, sending_app, sending_facility, session_id, control_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, sending_app, sending_facility, session_id, control_id) DO NOTHING`,
		k.TenantID, k.SendingApp, k.SendingFacility, k.SessionID, k.ControlID)
	if err != nil {
		return false, fmt.Errorf("mark message processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *sessionRepoPG) EnqueueEvents(ctx context.Context, envs []events.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	return r.outbox.Enqueue(ctx, envs...)
}
