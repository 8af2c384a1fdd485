//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/audit/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tripwire/envtap/internal/audit"
)

// setupPostgresStore starts a PostgreSQL container and returns a ready
// audit.PostgresStore along with a cleanup function that closes the store
// and terminates the container.
func setupPostgresStore(t *testing.T, batchSize int, flushInterval time.Duration) (*audit.PostgresStore, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("envtap_test"),
		tcpostgres.WithUsername("envtap"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	store, err := audit.OpenPostgres(ctx, connStr, batchSize, flushInterval)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("OpenPostgres: %v", err)
	}

	cleanup := func() {
		_ = store.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return store, cleanup
}

func TestPostgresStore_RecordDoesNotError(t *testing.T) {
	store, cleanup := setupPostgresStore(t, 10, 50*time.Millisecond)
	defer cleanup()

	if err := store.Record(context.Background(), sampleReport(4242, "PATH")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestPostgresStore_FlushOnSize(t *testing.T) {
	store, cleanup := setupPostgresStore(t, 5, time.Hour) // interval effectively disabled
	defer cleanup()
	ctx := context.Background()

	// batchSize is 5: the 5th Record call must trigger a synchronous flush
	// without any explicit call to Flush.
	for i := 0; i < 5; i++ {
		if err := store.Record(ctx, sampleReport(1000+i, "HOME")); err != nil {
			t.Fatalf("Record[%d]: %v", i, err)
		}
	}
}

func TestPostgresStore_FlushOnInterval(t *testing.T) {
	store, cleanup := setupPostgresStore(t, 100, 50*time.Millisecond)
	defer cleanup()
	ctx := context.Background()

	// Only one record — far below the batchSize threshold — relies on the
	// background ticker to flush it.
	if err := store.Record(ctx, sampleReport(99, "USER")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
}

func TestPostgresStore_CloseFlushesPending(t *testing.T) {
	store, cleanup := setupPostgresStore(t, 100, time.Hour)
	defer cleanup()
	ctx := context.Background()

	if err := store.Record(ctx, sampleReport(7, "SHELL")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	// Close must flush the one buffered record even though neither the size
	// nor the interval trigger has fired.
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
