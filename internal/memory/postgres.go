package memory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/oracle-garnett/oracle/internal/store"
)

// RecordQueries abstracts the database calls so the store can be tested
// without a real database.
type RecordQueries interface {
	InsertMemoryRecord(ctx context.Context, arg store.InsertMemoryRecordParams) (store.MemoryRecord, error)
	ListRecentMemoryRecords(ctx context.Context, limit int32) ([]store.MemoryRecord, error)
}

// PostgresStore keeps records in the memory_records table.
type PostgresStore struct {
	q RecordQueries
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(q RecordQueries) *PostgresStore {
	return &PostgresStore{q: q}
}

// Write inserts r.
func (s *PostgresStore) Write(ctx context.Context, r Record) error {
	_, err := s.q.InsertMemoryRecord(ctx, store.InsertMemoryRecordParams{
		ID:                r.ID,
		SourceActionID:    r.SourceActionID,
		Summary:           r.Summary,
		ArtifactReference: pgtype.Text{String: r.ArtifactReference, Valid: r.ArtifactReference != ""},
		CreatedAt:         pgtype.Timestamptz{Time: r.CreatedAt, Valid: true},
	})
	if err != nil {
		return fmt.Errorf("%w: insert: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Recent returns the newest n records.
func (s *PostgresStore) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.q.ListRecentMemoryRecords(ctx, int32(n))
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStoreUnavailable, err)
	}
	out := make([]Record, len(rows))
	for i, row := range rows {
		out[i] = Record{
			ID:                row.ID,
			SourceActionID:    row.SourceActionID,
			Summary:           row.Summary,
			ArtifactReference: row.ArtifactReference.String,
			CreatedAt:         row.CreatedAt.Time,
		}
	}
	return out, nil
}
