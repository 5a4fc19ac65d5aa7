package store

import (
	"context"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestMigrationsEmbedded(t *testing.T) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil || len(names) == 0 {
		t.Fatalf("no embedded migrations: %v", err)
	}
	body, _ := migrations.ReadFile(names[0])
	if !strings.Contains(string(body), "memory_records") {
		t.Error("first migration must create memory_records")
	}
}

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("ORACLE_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("ORACLE_TEST_DATABASE_DSN not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestMemoryRecordsRoundTrip(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := NewStore(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Migrations are idempotent.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	arg := InsertMemoryRecordParams{
		ID:                uuid.New(),
		SourceActionID:    uuid.New(),
		Summary:           "image_create prompt=a cat",
		ArtifactReference: pgtype.Text{String: "outputs/cat.png", Valid: true},
		CreatedAt:         pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true},
	}
	var got MemoryRecord
	err := s.Tx(ctx, func(q *Queries) error {
		var err error
		got, err = q.InsertMemoryRecord(ctx, arg)
		return err
	})
	if err != nil {
		t.Fatalf("InsertMemoryRecord: %v", err)
	}
	if got.ID != arg.ID || got.ArtifactReference.String != "outputs/cat.png" {
		t.Errorf("inserted = %+v", got)
	}

	// Same source action again keeps one row.
	arg.ID = uuid.New()
	if _, err := s.InsertMemoryRecord(ctx, arg); err != nil {
		t.Fatalf("re-insert: %v", err)
	}

	recent, err := s.ListRecentMemoryRecords(ctx, 5)
	if err != nil {
		t.Fatalf("ListRecentMemoryRecords: %v", err)
	}
	found := 0
	for _, r := range recent {
		if r.SourceActionID == arg.SourceActionID {
			found++
		}
	}
	if found != 1 {
		t.Errorf("found %d rows for source action, want 1", found)
	}
}
