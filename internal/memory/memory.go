// Package memory is the persistence layer for interaction memories. The
// engine hands records over through Writer and reads recent ones back as
// conversation context through Reader.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrStoreUnavailable wraps every write or read failure of a backend.
var ErrStoreUnavailable = errors.New("memory: store unavailable")

// Record is one durable memory.
type Record struct {
	ID                uuid.UUID `json:"id"`
	SourceActionID    uuid.UUID `json:"source_action_id"`
	Summary           string    `json:"summary"`
	ArtifactReference string    `json:"artifact_reference,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Writer persists records.
type Writer interface {
	Write(ctx context.Context, r Record) error
}

// Reader returns up to n records, newest first.
type Reader interface {
	Recent(ctx context.Context, n int) ([]Record, error)
}

// Store is a full backend.
type Store interface {
	Writer
	Reader
}

// Backend names accepted by the memory.backend setting.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)
