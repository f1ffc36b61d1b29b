package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialysis/pdms/internal/domain/ingestion"
	"github.com/dialysis/pdms/internal/platform/db"
	"github.com/dialysis/pdms/internal/platform/events"
	"github.com/dialysis/pdms/migrations"
)

func TestMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	m := db.NewMigrator(globalPool, migrations.FS)

	n, err := m.Up(ctx)
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no pending migrations, applied %d", n)
	}

	statuses, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("migration %d %s not applied", s.Version, s.Name)
		}
	}
}

// tenantFilter publishes only one tenant's envelopes so tests sharing the
// outbox table do not see each other's events.
func tenantFilter(tenantID string, into *events.MemoryPublisher) events.Publisher {
	return events.PublisherFunc(func(ctx context.Context, env events.Envelope) error {
		if env.TenantID != tenantID {
			return nil
		}
		return into.Publish(ctx, env)
	})
}

func TestOutboxRelayPublishesCommittedEvents(t *testing.T) {
	ctx := context.Background()
	tenantID := uniqueTenantID("outbox")
	s := newStack(t)

	if _, err := s.pipeline.IngestMessage(ctx, ingestion.IngestCommand{TenantID: tenantID, Raw: oru("O1", "S1", "300", "600")}); err != nil {
		t.Fatalf("IngestMessage: %v", err)
	}

	pub := &events.MemoryPublisher{}
	relay := events.NewRelay(s.outbox, tenantFilter(tenantID, pub), zerolog.Nop(), events.WithBatchSize(50))
	if _, err := relay.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if got := len(pub.OfType("SessionCreated")); got != 1 {
		t.Errorf("expected 1 SessionCreated, got %d", got)
	}
	if got := len(pub.OfType("ObservationRecorded")); got != 2 {
		t.Errorf("expected 2 ObservationRecorded, got %d", got)
	}
	// 600 mL/min is above the blood flow limit.
	if got := len(pub.OfType("ThresholdBreached")); got != 1 {
		t.Errorf("expected 1 ThresholdBreached, got %d", got)
	}

	// Published records are not claimed again.
	before := len(pub.Published())
	if _, err := relay.Flush(ctx); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if after := len(pub.Published()); after != before {
		t.Errorf("expected no republication, got %d new", after-before)
	}
}

func TestOutboxRetriesFailedPublication(t *testing.T) {
	ctx := context.Background()
	tenantID := uniqueTenantID("retry")
	s := newStack(t)

	if _, err := s.pipeline.IngestMessage(ctx, ingestion.IngestCommand{TenantID: tenantID, Raw: oru("F1", "S1", "300")}); err != nil {
		t.Fatalf("IngestMessage: %v", err)
	}

	failing := events.PublisherFunc(func(_ context.Context, env events.Envelope) error {
		if env.TenantID == tenantID {
			return errors.New("broker down")
		}
		return nil
	})
	relay := events.NewRelay(s.outbox, failing, zerolog.Nop(),
		events.WithBackoff(func(int) time.Duration { return 0 }))
	if _, err := relay.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var attempts int
	err := globalPool.QueryRow(ctx,
		`SELECT COALESCE(MAX(attempts), 0) FROM outbox_events WHERE tenant_id = $1 AND published_at IS NULL`,
		tenantID).Scan(&attempts)
	if err != nil {
		t.Fatalf("query attempts: %v", err)
	}
	if attempts < 1 {
		t.Errorf("expected failed attempts to be recorded, got %d", attempts)
	}

	pub := &events.MemoryPublisher{}
	if _, err := events.NewRelay(s.outbox, tenantFilter(tenantID, pub), zerolog.Nop()).Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(pub.Published()) == 0 {
		t.Error("expected rescheduled events to be published")
	}
}
