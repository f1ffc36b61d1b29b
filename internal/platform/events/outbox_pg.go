package events

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dialysis/pdms/internal/platform/db"
)

type pgOutbox struct{ pool *pgxpool.Pool }

// NewPGOutbox returns a Store backed by the outbox_events table.
func NewPGOutbox(pool *pgxpool.Pool) Store {
	return &pgOutbox{pool: pool}
}

func (o *pgOutbox) Enqueue(ctx context.Context, envs ...Envelope) error {
	conn := db.Conn(ctx, o.pool)
	for _, env := range envs {
		_, err := conn.Exec(ctx, `
			INSERT INTO outbox_events (id, tenant_id, event_type, aggregate_id, payload, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			env.ID, env.TenantID, env.Type, env.AggregateID, []byte(env.Payload), env.OccurredAt)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", env.Type, err)
		}
	}
	return nil
}

func (o *pgOutbox) Claim(ctx context.Context, limit int, lease time.Duration) ([]Record, error) {
	rows, err := db.Conn(ctx, o.pool).Query(ctx, `
		UPDATE outbox_events o
		SET available_at = NOW() + make_interval(secs => $2)
		WHERE o.id IN (
			SELECT id FROM outbox_events
			WHERE published_at IS NULL AND available_at <= NOW()
			ORDER BY seq
			LIMIT $1
			FOR UPDATE SKIP LOCKED)
		RETURNING o.id, o.seq, o.tenant_id, o.event_type, o.aggregate_id,
			o.payload, o.occurred_at, o.attempts, COALESCE(o.last_error, '')`,
		limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var payload []byte
		if err := rows.Scan(&r.ID, &r.Seq, &r.TenantID, &r.Type, &r.AggregateID,
			&payload, &r.OccurredAt, &r.Attempts, &r.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		r.Payload = payload
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery order
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (o *pgOutbox) MarkPublished(ctx context.Context, id uuid.UUID) error {
	_, err := db.Conn(ctx, o.pool).Exec(ctx,
		`UPDATE outbox_events SET published_at = NOW() WHERE id = $1`, id)
	return err
}

func (o *pgOutbox) MarkFailed(ctx context.Context, id uuid.UUID, cause error, retryAt time.Time) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := db.Conn(ctx, o.pool).Exec(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1, last_error = $2, available_at = $3
		WHERE id = $1`, id, msg, retryAt)
	return err
}
