// Package task defines the request, classification and action records that
// flow through the execution engine.
package task

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Request is an incoming natural-language request. It is immutable once
// created by NewRequest.
type Request struct {
	ID        uuid.UUID `json:"id"`
	RawText   string    `json:"raw_text"`
	Timestamp time.Time `json:"timestamp"`
	Principal string    `json:"requesting_principal"`
}

// NewRequest stamps a request with a fresh id and the current UTC time.
func NewRequest(rawText, principal string) Request {
	return Request{
		ID:        uuid.New(),
		RawText:   rawText,
		Timestamp: time.Now().UTC(),
		Principal: principal,
	}
}

// Classification is derived from a Request by the classifier.
type Classification struct {
	CapabilityTag string            `json:"capability_tag"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	Confidence    float64           `json:"confidence"`
}

// State is a step of the per-action state machine.
type State string

const (
	StateCreated         State = "CREATED"
	StateGateCheck       State = "GATE_CHECK"
	StatePermissionCheck State = "PERMISSION_CHECK"
	StateDispatched      State = "DISPATCHED"
	StateRetrying        State = "RETRYING"
	StateSuccess         State = "SUCCESS"
	StateBlocked         State = "BLOCKED"
	StateAborted         State = "ABORTED"
)

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateBlocked || s == StateAborted
}

// Outcome is the audit-level result recorded for an action.
type Outcome string

const (
	OutcomePending Outcome = ""
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure" // a failed attempt that will be retried
	OutcomeBlocked Outcome = "blocked"
	OutcomeAborted Outcome = "aborted"
)

// Block reasons surfaced to the requester.
const (
	ReasonPaused              = "paused by admin"
	ReasonNeedsConfirmation   = "needs your confirmation"
	ReasonRecoveryHaltedPause = "recovery halted: paused by admin"
)

// Action is the unit of audit: one per dispatch attempt-sequence. Retries
// update RetryCount on the same Action.
type Action struct {
	ID            uuid.UUID         `json:"id"`
	RequestID     uuid.UUID         `json:"request_id"`
	Principal     string            `json:"principal"`
	CapabilityTag string            `json:"capability_tag"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at,omitempty"`
	State         State             `json:"state"`
	Outcome       Outcome           `json:"outcome"`
	ErrorDetail   string            `json:"error_detail,omitempty"`
	BlockReason   string            `json:"block_reason,omitempty"`
	RetryCount    int               `json:"retry_count"`
}

// NewAction creates an action in the CREATED state for the given request.
func NewAction(req Request, c Classification) *Action {
	return &Action{
		ID:            uuid.New(),
		RequestID:     req.ID,
		Principal:     req.Principal,
		CapabilityTag: c.CapabilityTag,
		Parameters:    c.Parameters,
		StartedAt:     time.Now().UTC(),
		State:         StateCreated,
	}
}

// Terminal reports whether the action has reached SUCCESS, BLOCKED or ABORTED.
func (a *Action) Terminal() bool {
	return a.State.Terminal()
}

// Snapshot returns a copy safe to hand to other goroutines.
func (a *Action) Snapshot() Action {
	cp := *a
	if a.Parameters != nil {
		cp.Parameters = make(map[string]string, len(a.Parameters))
		for k, v := range a.Parameters {
			cp.Parameters[k] = v
		}
	}
	return cp
}

// KeyParameters renders the parameters worth keeping in a memory summary.
func (a *Action) KeyParameters() string {
	if len(a.Parameters) == 0 {
		return ""
	}
	var parts []string
	for _, k := range []string{"url", "prompt", "source", "name", "query", "text"} {
		if v, ok := a.Parameters[k]; ok && v != "" {
			parts = append(parts, k+"="+Truncate(v, 120))
		}
	}
	return strings.Join(parts, " ")
}

// Clip returns the longest prefix of s that fits in n bytes without
// splitting a UTF-8 sequence.
func Clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 0 {
		n = 0
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Truncate clips s to n bytes and marks the cut with "...".
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return Clip(s, n) + "..."
}
