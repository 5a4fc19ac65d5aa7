// Package healing implements the bounded self-healing policy applied to
// handler failures. It classifies an error as transient or structural,
// decides between retry and abort and records every attempt.
package healing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/oracle-garnett/oracle/internal/actionlog"
	"github.com/oracle-garnett/oracle/internal/capability"
	"github.com/oracle-garnett/oracle/internal/task"
)

// Decision is the policy verdict.
type Decision string

const (
	DecisionRetry Decision = "retry"
	DecisionAbort Decision = "abort"
)

// RepairOutcome is returned by AttemptRepair. Reason is the audit detail
// and may carry wrapped error text; Message is safe to show the requester.
type RepairOutcome struct {
	Decision Decision
	Kind     capability.Kind
	Delay    time.Duration
	Reason   string
	Message  string
}

// Recorder persists repair attempts.
type Recorder interface {
	Append(e actionlog.Entry) (actionlog.Entry, error)
}

// Config holds the policy parameters.
type Config struct {
	MaxRetries          int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// Policy is the self-healing policy. It holds no per-action state and is
// safe for concurrent use.
type Policy struct {
	cfg   Config
	rec   Recorder
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a policy. Zero config fields fall back to defaults.
func NewPolicy(cfg Config, rec Recorder) *Policy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 10 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2
	}
	return &Policy{cfg: cfg, rec: rec, sleep: sleepCtx}
}

// MaxRetries returns the retry budget for a capability.
func (p *Policy) MaxRetries(d capability.Descriptor) int {
	n := d.Retries(p.cfg.MaxRetries)
	if n < 0 {
		return 0
	}
	return n
}

// AttemptRepair classifies err raised by the handler of d while running
// action a and decides whether to retry. It never mutates a. The attempt
// is written to the action log with the error detail whatever the verdict.
func (p *Policy) AttemptRepair(a task.Action, d capability.Descriptor, err error) RepairOutcome {
	kind, detail := Classify(err)
	msg := Explain(err)
	limit := p.MaxRetries(d)

	out := RepairOutcome{Decision: DecisionAbort, Kind: kind, Message: msg}
	switch {
	case kind == capability.KindStructural:
		out.Reason = detail
	case !d.Retryable:
		out.Reason = fmt.Sprintf("%s (capability is not retryable)", detail)
	case a.RetryCount >= limit:
		out.Reason = fmt.Sprintf("%s (gave up after %d retries)", detail, a.RetryCount)
		out.Message = fmt.Sprintf("%s (gave up after %d retries)", msg, a.RetryCount)
	default:
		out.Decision = DecisionRetry
		out.Reason = detail
		out.Delay = p.delay(a.RetryCount + 1)
	}

	p.record(a, out)
	return out
}

// Wait blocks for the outcome's delay or until ctx is done.
func (p *Policy) Wait(ctx context.Context, out RepairOutcome) error {
	if out.Delay <= 0 {
		return ctx.Err()
	}
	return p.sleep(ctx, out.Delay)
}

// delay returns the backoff interval before the given retry attempt.
func (p *Policy) delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	b.MaxInterval = p.cfg.MaxInterval
	b.Multiplier = p.cfg.Multiplier
	b.RandomizationFactor = p.cfg.RandomizationFactor
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p *Policy) record(a task.Action, out RepairOutcome) {
	attrs := []any{
		slog.String("action_id", a.ID.String()),
		slog.String("capability", a.CapabilityTag),
		slog.String("decision", string(out.Decision)),
		slog.String("kind", string(out.Kind)),
		slog.Int("retry_count", a.RetryCount),
		slog.Duration("delay", out.Delay),
		slog.String("error", out.Reason),
	}
	if out.Decision == DecisionRetry {
		slog.Warn("healing: retry scheduled", attrs...)
	} else {
		slog.Error("healing: abort", attrs...)
	}

	if p.rec == nil {
		return
	}
	e := actionlog.FromAction(a, "repair_"+string(out.Decision))
	e.ErrorDetail = out.Reason
	if _, err := p.rec.Append(e); err != nil {
		slog.Error("healing: record attempt failed", slog.String("error", err.Error()))
	}
}

// Classify maps a handler error to a failure kind and an audit detail.
// Declared failures keep their kind; timeouts and busy resources are
// transient; anything else is structural.
func Classify(err error) (capability.Kind, string) {
	if err == nil {
		return capability.KindStructural, "handler reported failure without detail"
	}
	if f, ok := capability.AsFailure(err); ok {
		if f.Err != nil {
			return f.Kind, f.Detail + ": " + f.Err.Error()
		}
		return f.Kind, f.Detail
	}
	if isTransient(err) {
		return capability.KindRecoverable, err.Error()
	}
	return capability.KindStructural, err.Error()
}

// Explain returns the requester-facing reason for err. Only the detail a
// handler declared is shown; undeclared errors get a generic sentence.
func Explain(err error) string {
	if f, ok := capability.AsFailure(err); ok && f.Detail != "" {
		return f.Detail
	}
	if err != nil && isTransient(err) {
		return "a service was temporarily unavailable"
	}
	return "something went wrong while handling it"
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "resource busy") || strings.Contains(msg, "temporarily unavailable")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
