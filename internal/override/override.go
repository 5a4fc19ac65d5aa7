// Package override implements the process-wide administrative pause gate.
// Every dispatch consults the gate; pausing stops new dispatches but never
// interrupts handler calls that are already in flight.
package override

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oracle-garnett/oracle/internal/auth"
)

// Errors returned by the gate.
var (
	ErrPaused       = errors.New("override: paused by admin")
	ErrUnauthorized = errors.New("override: principal not allowed")
)

// State is a snapshot of the override flag.
type State struct {
	Paused   bool      `json:"paused"`
	PausedBy string    `json:"paused_by,omitempty"`
	PausedAt time.Time `json:"paused_at,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Ack acknowledges a transition and carries the state it committed.
type Ack struct {
	State   State `json:"state"`
	Changed bool  `json:"changed"`
}

// Gate owns the single OverrideState of the process. All reads and writes
// are serialized by mu; the zero value is an unpaused gate.
//
// Conflicting commands resolve by commit order: whichever transition takes
// the lock last wins. Only root may resume, so a family pause issued after
// a root resume re-pauses, and a root resume issued after any pause clears it.
type Gate struct {
	mu    sync.RWMutex
	state State
	now   func() time.Time
}

// NewGate returns an unpaused gate.
func NewGate() *Gate {
	return &Gate{now: func() time.Time { return time.Now().UTC() }}
}

// Pause sets the gate. Root and family principals may pause. Pausing while
// paused refreshes the reason, principal and timestamp.
func (g *Gate) Pause(p auth.Principal, reason string) (Ack, error) {
	if p.Role != auth.RoleRoot && p.Role != auth.RoleFamily {
		return Ack{}, ErrUnauthorized
	}

	g.mu.Lock()
	changed := !g.state.Paused
	g.state = State{
		Paused:   true,
		PausedBy: p.Name,
		PausedAt: g.clock(),
		Reason:   reason,
	}
	st := g.state
	g.mu.Unlock()

	slog.Warn("override: paused",
		slog.String("principal", p.Name),
		slog.String("reason", reason),
		slog.Bool("changed", changed),
	)
	return Ack{State: st, Changed: changed}, nil
}

// Resume clears the gate. Only the root principal may resume.
func (g *Gate) Resume(p auth.Principal) (Ack, error) {
	if !p.IsRoot() {
		return Ack{}, ErrUnauthorized
	}

	g.mu.Lock()
	changed := g.state.Paused
	g.state = State{}
	g.mu.Unlock()

	slog.Info("override: resumed", slog.String("principal", p.Name), slog.Bool("changed", changed))
	return Ack{State: State{}, Changed: changed}, nil
}

// IsPaused reports whether the gate is currently paused.
func (g *Gate) IsPaused() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.Paused
}

// Snapshot returns the current state.
func (g *Gate) Snapshot() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Admit runs fn while holding the gate's read lock, or returns ErrPaused
// without calling it. A Pause cannot commit while fn runs, so anything fn
// marks as dispatched happened strictly before the pause. fn must not block.
func (g *Gate) Admit(fn func()) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.state.Paused {
		return ErrPaused
	}
	fn()
	return nil
}

func (g *Gate) clock() time.Time {
	if g.now == nil {
		return time.Now().UTC()
	}
	return g.now()
}
