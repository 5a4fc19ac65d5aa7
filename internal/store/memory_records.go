package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// MemoryRecord is a row of memory_records.
type MemoryRecord struct {
	ID                uuid.UUID          `json:"id"`
	SourceActionID    uuid.UUID          `json:"source_action_id"`
	Summary           string             `json:"summary"`
	ArtifactReference pgtype.Text        `json:"artifact_reference"`
	CreatedAt         pgtype.Timestamptz `json:"created_at"`
}

const insertMemoryRecord = `-- name: InsertMemoryRecord :one
INSERT INTO memory_records (id, source_action_id, summary, artifact_reference, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (source_action_id) DO UPDATE SET summary = EXCLUDED.summary
RETURNING id, source_action_id, summary, artifact_reference, created_at
`

// InsertMemoryRecordParams are the arguments of InsertMemoryRecord.
type InsertMemoryRecordParams struct {
	ID                uuid.UUID          `json:"id"`
	SourceActionID    uuid.UUID          `json:"source_action_id"`
	Summary           string             `json:"summary"`
	ArtifactReference pgtype.Text        `json:"artifact_reference"`
	CreatedAt         pgtype.Timestamptz `json:"created_at"`
}

// InsertMemoryRecord stores a record. Writing the same source action twice
// is idempotent.
func (q *Queries) InsertMemoryRecord(ctx context.Context, arg InsertMemoryRecordParams) (MemoryRecord, error) {
	row := q.db.QueryRow(ctx, insertMemoryRecord,
		arg.ID,
		arg.SourceActionID,
		arg.Summary,
		arg.ArtifactReference,
		arg.CreatedAt,
	)
	var i MemoryRecord
	err := row.Scan(
		&i.ID,
		&i.SourceActionID,
		&i.Summary,
		&i.ArtifactReference,
		&i.CreatedAt,
	)
	return i, err
}

const listRecentMemoryRecords = `-- name: ListRecentMemoryRecords :many
SELECT id, source_action_id, summary, artifact_reference, created_at
FROM memory_records
ORDER BY created_at DESC
LIMIT $1
`

// ListRecentMemoryRecords returns the newest records first.
func (q *Queries) ListRecentMemoryRecords(ctx context.Context, limit int32) ([]MemoryRecord, error) {
	rows, err := q.db.Query(ctx, listRecentMemoryRecords, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []MemoryRecord
	for rows.Next() {
		var i MemoryRecord
		if err := rows.Scan(
			&i.ID,
			&i.SourceActionID,
			&i.Summary,
			&i.ArtifactReference,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countMemoryRecords = `-- name: CountMemoryRecords :one
SELECT count(*) FROM memory_records
`

// CountMemoryRecords returns the number of stored records.
func (q *Queries) CountMemoryRecords(ctx context.Context) (int64, error) {
	row := q.db.QueryRow(ctx, countMemoryRecords)
	var count int64
	err := row.Scan(&count)
	return count, err
}
