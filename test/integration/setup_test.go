package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dialysis/pdms/internal/domain/ingestion"
	"github.com/dialysis/pdms/internal/domain/treatment"
	"github.com/dialysis/pdms/internal/platform/db"
	"github.com/dialysis/pdms/internal/platform/events"
	"github.com/dialysis/pdms/internal/platform/keylock"
	"github.com/dialysis/pdms/migrations"
)

// globalPool is shared by every test. Tests isolate themselves by tenant.
var globalPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	// PDMS_TEST_DATABASE_URL points at an existing database; otherwise a
	// throwaway container is started.
	connStr := os.Getenv("PDMS_TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		if _, err := exec.LookPath("docker"); err != nil {
			fmt.Fprintln(os.Stderr, "skipping integration tests: docker not found and PDMS_TEST_DATABASE_URL unset")
			os.Exit(0)
		}
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
			os.Exit(1)
		}
	}

	pool, err := db.NewPool(ctx, connStr, 10, 2)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "create pool: %v\n", err)
		os.Exit(1)
	}
	if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
		pool.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// uniqueTenantID generates a tenant id valid for db.ValidateTenantID.
func uniqueTenantID(prefix string) string {
	short := strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	return fmt.Sprintf("%s_%s", prefix, short)
}

type stack struct {
	repo     treatment.Repository
	outbox   events.Store
	service  *treatment.Service
	pipeline *ingestion.Pipeline
}

// newStack wires the postgres repository the way the server does.
func newStack(t *testing.T) *stack {
	t.Helper()
	outbox := events.NewPGOutbox(globalPool)
	repo := treatment.NewRepoPG(globalPool, outbox)
	locks := keylock.New()
	return &stack{
		repo:     repo,
		outbox:   outbox,
		service:  treatment.NewService(repo, locks),
		pipeline: ingestion.NewPipeline(repo, locks, ingestion.Config{Concurrency: 4, Logger: zerolog.Nop()}),
	}
}
