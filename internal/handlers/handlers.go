// Package handlers implements the concrete capabilities the executor
// dispatches to. Each handler reports failures as capability.Failure so the
// self-healing policy can tell transient from structural errors.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/oracle-garnett/oracle/internal/backend"
	"github.com/oracle-garnett/oracle/internal/capability"
)

// Backend names registered with the backend monitor.
const (
	BackendLLM   = "llm"
	BackendImage = "image"
)

// Caller guards calls to an external backend. *backend.Monitor satisfies it.
type Caller interface {
	Call(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

type direct struct{}

func (direct) Call(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func callerOrDirect(c Caller) Caller {
	if c == nil {
		return direct{}
	}
	return c
}

// guard runs fn through the breaker and maps an open circuit to a
// recoverable failure.
func guard(ctx context.Context, c Caller, name string, fn func(ctx context.Context) error) error {
	err := callerOrDirect(c).Call(ctx, name, fn)
	if errors.Is(err, backend.ErrUnavailable) {
		return capability.Recoverable(name+" backend is unavailable", err)
	}
	return err
}

// statusFailure maps an HTTP status from an upstream to a failure kind:
// 429 and 5xx are transient, other 4xx are structural.
func statusFailure(what string, code int) error {
	detail := fmt.Sprintf("%s returned status %d", what, code)
	if code == http.StatusTooManyRequests || code >= 500 {
		return capability.Recoverable(detail, nil)
	}
	return capability.Structural(detail, nil)
}

// transportFailure wraps a network error as recoverable. The raw error
// stays in the chain for the audit log only. When the caller's
// context is done the context error is returned unchanged so the executor
// can account for its own deadline.
func transportFailure(ctx context.Context, what string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return capability.Recoverable(what+" could not be reached", err)
}

func missingParam(name string) error {
	return capability.Structural("missing parameter "+name, nil)
}
