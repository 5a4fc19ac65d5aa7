// Package memsync turns successful actions into memory records and hands
// them to the memory store. Failed writes are retried by a background worker
// on a bounded queue; they never touch the action they came from.
package memsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/oracle-garnett/oracle/internal/capability"
	"github.com/oracle-garnett/oracle/internal/memory"
	"github.com/oracle-garnett/oracle/internal/task"
)

// Errors returned by Sync.
var (
	ErrSkipped = errors.New("memsync: action not eligible")
	ErrQueued  = errors.New("memsync: write failed, queued for retry")
	ErrDropped = errors.New("memsync: write failed, retry queue full")
)

// Config holds the retry parameters.
type Config struct {
	QueueSize       int
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Bridge is the memory sync bridge.
type Bridge struct {
	w       memory.Writer
	queue   chan memory.Record
	cfg     Config
	dropped atomic.Int64
	now     func() time.Time
}

// New creates a bridge writing to w.
func New(w memory.Writer, cfg Config) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = time.Minute
	}
	return &Bridge{
		w:     w,
		queue: make(chan memory.Record, cfg.QueueSize),
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Sync builds the record for a and writes it. a must be a snapshot; Sync
// only reads it. Non-SUCCESS actions return ErrSkipped.
func (b *Bridge) Sync(ctx context.Context, a task.Action, res capability.Result) (memory.Record, error) {
	if a.State != task.StateSuccess {
		return memory.Record{}, ErrSkipped
	}
	rec := memory.Record{
		ID:                uuid.New(),
		SourceActionID:    a.ID,
		Summary:           Summarize(a, res),
		ArtifactReference: res.Artifact,
		CreatedAt:         b.now(),
	}

	err := b.w.Write(ctx, rec)
	if err == nil {
		slog.Debug("memsync: record written", slog.String("action_id", a.ID.String()))
		return rec, nil
	}

	slog.Warn("memsync: write failed",
		slog.String("action_id", a.ID.String()),
		slog.String("error", err.Error()),
	)
	select {
	case b.queue <- rec:
		return rec, fmt.Errorf("%w: %v", ErrQueued, err)
	default:
		b.dropped.Add(1)
		slog.Error("memsync: retry queue full, record dropped", slog.String("action_id", a.ID.String()))
		return rec, fmt.Errorf("%w: %v", ErrDropped, err)
	}
}

// Run retries queued records until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	slog.Info("memsync: retry worker started", slog.Int("queue_size", cap(b.queue)))
	for {
		select {
		case <-ctx.Done():
			slog.Info("memsync: retry worker stopped", slog.Int("pending", len(b.queue)))
			return ctx.Err()
		case rec := <-b.queue:
			b.retry(ctx, rec)
		}
	}
}

func (b *Bridge) retry(ctx context.Context, rec memory.Record) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.cfg.InitialInterval
	eb.MaxInterval = b.cfg.MaxInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := b.w.Write(ctx, rec)
		if err != nil {
			slog.Warn("memsync: retry failed",
				slog.String("action_id", rec.SourceActionID.String()),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(b.cfg.MaxAttempts)))

	if err != nil {
		b.dropped.Add(1)
		slog.Error("memsync: giving up on record",
			slog.String("action_id", rec.SourceActionID.String()),
			slog.Int("attempts", attempt),
			slog.String("error", err.Error()),
		)
		return
	}
	slog.Info("memsync: record written after retry",
		slog.String("action_id", rec.SourceActionID.String()),
		slog.Int("attempts", attempt),
	)
}

// Pending returns the number of queued records.
func (b *Bridge) Pending() int { return len(b.queue) }

// Dropped returns how many records were abandoned.
func (b *Bridge) Dropped() int64 { return b.dropped.Load() }

// Summarize renders the memory summary of a successful action: capability
// tag, key parameters and the handler's own summary.
func Summarize(a task.Action, res capability.Result) string {
	parts := []string{a.CapabilityTag}
	if kp := a.KeyParameters(); kp != "" {
		parts = append(parts, kp)
	}
	if s := strings.TrimSpace(res.Summary); s != "" {
		parts = append(parts, "-> "+task.Truncate(s, 400))
	}
	if res.Artifact != "" {
		parts = append(parts, "artifact="+res.Artifact)
	}
	return strings.Join(parts, " ")
}
