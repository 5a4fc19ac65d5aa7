// Package engine provides the task executor: it classifies a request, checks
// the override gate and permissions, dispatches to the capability handler,
// engages the self-healing policy on failure and records every transition.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oracle-garnett/oracle/internal/auth"
	"github.com/oracle-garnett/oracle/internal/capability"
	"github.com/oracle-garnett/oracle/internal/healing"
	"github.com/oracle-garnett/oracle/internal/memory"
	"github.com/oracle-garnett/oracle/internal/notify"
	"github.com/oracle-garnett/oracle/internal/override"
	"github.com/oracle-garnett/oracle/internal/permission"
	"github.com/oracle-garnett/oracle/internal/task"
)

// DefaultHandlerTimeout bounds one handler invocation when neither the
// descriptor nor the config sets a timeout.
const DefaultHandlerTimeout = 60 * time.Second

// Errors returned by the engine.
var (
	ErrEmptyRequest = errors.New("engine: empty request")
	ErrNoPending    = errors.New("engine: no pending confirmation for request")
	ErrForbidden    = errors.New("engine: principal may not confirm this request")
)

// Transition events written to the action log.
const (
	EventCreated         = "created"
	EventGateCheck       = "gate_check"
	EventPermissionCheck = "permission_check"
	EventDispatched      = "dispatched"
	EventRetrying        = "retrying"
	EventSuccess         = "success"
	EventBlocked         = "blocked"
	EventAborted         = "aborted"
)

// --- Dependency interfaces for testability ---

// Classifier turns a request into a classification. It must not fail.
type Classifier interface {
	Classify(ctx context.Context, req task.Request) task.Classification
}

// Registry resolves capability tags.
type Registry interface {
	Resolve(tag capability.Tag) (capability.Descriptor, error)
}

// Gate is the admin override gate.
type Gate interface {
	IsPaused() bool
	Admit(fn func()) error
}

// Permissions evaluates and records confirmations.
type Permissions interface {
	Evaluate(ctx context.Context, requestID uuid.UUID, d capability.Descriptor, p capability.Params) permission.Decision
	Grant(ctx context.Context, requestID uuid.UUID, p auth.Principal) error
}

// Healer is the self-healing policy.
type Healer interface {
	AttemptRepair(a task.Action, d capability.Descriptor, err error) healing.RepairOutcome
	Wait(ctx context.Context, out healing.RepairOutcome) error
}

// ActionLog persists transitions.
type ActionLog interface {
	Record(a task.Action, event string) error
}

// MemorySync hands successful actions to the memory store.
type MemorySync interface {
	Sync(ctx context.Context, a task.Action, res capability.Result) (memory.Record, error)
}

// Config holds executor settings.
type Config struct {
	HandlerTimeout time.Duration
	PendingLimit   int
}

// Deps groups the executor's collaborators. Memory and Notifier may be nil.
type Deps struct {
	Classifier  Classifier
	Registry    Registry
	Gate        Gate
	Permissions Permissions
	Healer      Healer
	Log         ActionLog
	Memory      MemorySync
	Notifier    notify.Notifier
}

// Reply is what the requester sees for one executed request.
type Reply struct {
	RequestID  uuid.UUID         `json:"request_id"`
	ActionID   uuid.UUID         `json:"action_id"`
	Capability string            `json:"capability"`
	State      task.State        `json:"state"`
	Text       string            `json:"text"`
	Artifact   string            `json:"artifact,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	RetryCount int               `json:"retry_count"`
}

// Executor runs the per-action state machine. Actions are independent; the
// only shared state is the gate, the log and the pending confirmations.
type Executor struct {
	deps    Deps
	timeout time.Duration
	pending *pendingSet
}

// New creates an executor.
func New(deps Deps, cfg Config) *Executor {
	timeout := cfg.HandlerTimeout
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	return &Executor{deps: deps, timeout: timeout, pending: newPendingSet(cfg.PendingLimit)}
}

// Submit creates a request for p and executes it.
func (e *Executor) Submit(ctx context.Context, p auth.Principal, text string) (*task.Action, Reply, error) {
	if strings.TrimSpace(text) == "" {
		return nil, Reply{}, ErrEmptyRequest
	}
	a, r := e.Execute(ctx, task.NewRequest(text, p.Name))
	return a, r, nil
}

// Execute classifies req and runs it to a terminal state. The returned
// action is terminal and owned by the caller.
func (e *Executor) Execute(ctx context.Context, req task.Request) (*task.Action, Reply) {
	c := e.deps.Classifier.Classify(ctx, req)
	return e.run(ctx, req, c)
}

// Confirm grants permission for a request that was blocked pending
// confirmation and executes it again as a new action.
//
// The pending entry is taken before the grant is written, so concurrent
// confirmations of one request dispatch it at most once. If the gate
// blocks the confirmed run, the entry is queued again for a later confirm.
func (e *Executor) Confirm(ctx context.Context, p auth.Principal, requestID uuid.UUID) (*task.Action, Reply, error) {
	pr, err := e.pending.take(requestID, func(pr pendingEntry) error {
		if !permission.CanGrant(p, pr.req.Principal) {
			return ErrForbidden
		}
		return nil
	})
	if err != nil {
		return nil, Reply{}, err
	}
	if err := e.deps.Permissions.Grant(ctx, requestID, p); err != nil {
		e.pending.restore(pr)
		return nil, Reply{}, fmt.Errorf("engine: confirm: %w", err)
	}

	slog.Info("engine: request confirmed",
		slog.String("request_id", requestID.String()),
		slog.String("principal", p.Name),
	)
	a, r := e.run(ctx, pr.req, pr.class)
	if a.State == task.StateBlocked && a.BlockReason == task.ReasonPaused {
		e.pending.restore(pr)
	}
	return a, r, nil
}

// Pending lists requests awaiting confirmation. A non-empty principal
// limits the list to that requester.
func (e *Executor) Pending(principal string) []PendingRequest {
	return e.pending.list(principal)
}

func (e *Executor) run(ctx context.Context, req task.Request, c task.Classification) (*task.Action, Reply) {
	start := time.Now()
	d, c := e.route(req, c)
	a := task.NewAction(req, c)
	e.record(a, EventCreated)

	slog.Info("engine: action start",
		slog.String("action_id", a.ID.String()),
		slog.String("request_id", req.ID.String()),
		slog.String("capability", a.CapabilityTag),
		slog.Float64("confidence", c.Confidence),
	)

	reply, res := e.drive(ctx, req, c, a, d)
	a.FinishedAt = time.Now().UTC()
	e.record(a, terminalEvent(a.State))

	slog.Info("engine: action end",
		slog.String("action_id", a.ID.String()),
		slog.String("state", string(a.State)),
		slog.Int("retry_count", a.RetryCount),
		slog.Duration("duration", time.Since(start)),
	)

	if a.State == task.StateSuccess && e.deps.Memory != nil {
		// The action is terminal; a sync failure only affects the memory store.
		if _, err := e.deps.Memory.Sync(ctx, a.Snapshot(), res); err != nil {
			slog.Warn("engine: memory sync",
				slog.String("action_id", a.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	if e.deps.Notifier != nil && a.BlockReason != task.ReasonNeedsConfirmation {
		e.deps.Notifier.NotifyResult(req.ID, req.Principal, reply.Text)
	}

	reply.RequestID = req.ID
	reply.ActionID = a.ID
	reply.Capability = a.CapabilityTag
	reply.State = a.State
	reply.RetryCount = a.RetryCount
	return a, reply
}

// route resolves the handler. Unknown or unregistered tags go to the
// fallback capability with the raw text as input.
func (e *Executor) route(req task.Request, c task.Classification) (capability.Descriptor, task.Classification) {
	params := make(map[string]string, len(c.Parameters)+1)
	for k, v := range c.Parameters {
		params[k] = v
	}
	c.Parameters = params

	tag := capability.ParseTag(c.CapabilityTag)
	d, err := e.deps.Registry.Resolve(tag)
	if tag == capability.TagUnknown || err != nil {
		if tag != capability.TagUnknown {
			slog.Warn("engine: capability not registered, using fallback", slog.String("capability", c.CapabilityTag))
		}
		tag = capability.TagFallback
		d, err = e.deps.Registry.Resolve(tag)
	}
	c.CapabilityTag = string(tag)
	if err != nil {
		return capability.Descriptor{Tag: tag}, c
	}
	if tag == capability.TagChat || tag == capability.TagFallback {
		if _, ok := params["text"]; !ok {
			params["text"] = req.RawText
		}
	}
	return d, c
}

// drive walks a from CREATED to a terminal state.
func (e *Executor) drive(ctx context.Context, req task.Request, c task.Classification, a *task.Action, d capability.Descriptor) (Reply, capability.Result) {
	e.transition(a, task.StateGateCheck, EventGateCheck)
	if e.deps.Gate.IsPaused() {
		e.block(a, task.ReasonPaused)
		return Reply{Text: "Paused by admin."}, capability.Result{}
	}

	if d.Handler == nil {
		msg := "no handler is registered for " + a.CapabilityTag
		return e.abort(a, msg, msg), capability.Result{}
	}

	e.transition(a, task.StatePermissionCheck, EventPermissionCheck)
	dec := e.deps.Permissions.Evaluate(ctx, req.ID, d, a.Parameters)
	if !dec.Allowed() {
		e.block(a, task.ReasonNeedsConfirmation)
		desc := describe(a, d, dec)
		e.pending.add(req, c)
		if e.deps.Notifier != nil {
			e.deps.Notifier.NotifyPendingPermission(req.ID, req.Principal, desc)
		}
		return Reply{Text: "Needs your confirmation: " + desc}, capability.Result{}
	}

	for {
		if err := ctx.Err(); err != nil {
			return e.cancelled(a, err), capability.Result{}
		}

		err := e.deps.Gate.Admit(func() { a.State = task.StateDispatched })
		if errors.Is(err, override.ErrPaused) {
			if a.RetryCount == 0 {
				e.block(a, task.ReasonPaused)
				return Reply{Text: "Paused by admin."}, capability.Result{}
			}
			return e.abort(a, task.ReasonRecoveryHaltedPause, task.ReasonRecoveryHaltedPause), capability.Result{}
		}
		e.record(a, EventDispatched)

		res, err := e.invoke(ctx, d, a.Parameters)
		if err == nil {
			a.State = task.StateSuccess
			a.Outcome = task.OutcomeSuccess
			a.ErrorDetail = ""
			return Reply{Text: res.Summary, Artifact: res.Artifact, Data: res.Data}, res
		}
		if ctx.Err() != nil {
			return e.cancelled(a, ctx.Err()), capability.Result{}
		}

		out := e.deps.Healer.AttemptRepair(a.Snapshot(), d, err)
		if out.Decision != healing.DecisionRetry {
			return e.abort(a, out.Reason, out.Message), capability.Result{}
		}

		a.RetryCount++
		a.Outcome = task.OutcomeFailure
		a.ErrorDetail = out.Reason
		e.transition(a, task.StateRetrying, EventRetrying)

		if err := e.deps.Healer.Wait(ctx, out); err != nil {
			return e.cancelled(a, err), capability.Result{}
		}
	}
}

// invoke calls the handler under the capability's timeout. A handler that
// overruns is abandoned: it keeps running until it honors its context, but
// its result is discarded and the action aborts.
func (e *Executor) invoke(ctx context.Context, d capability.Descriptor, p capability.Params) (capability.Result, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		res capability.Result
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("engine: handler panic",
					slog.String("capability", string(d.Tag)),
					slog.String("panic", fmt.Sprint(r)),
				)
				done <- result{err: capability.Structural("handler crashed", fmt.Errorf("%v", r))}
			}
		}()
		res, err := d.Handler.Invoke(hctx, copyParams(p))
		done <- result{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return r.res, timedOut(timeout, r.err)
		}
		return r.res, r.err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return capability.Result{}, ctx.Err()
		}
		return capability.Result{}, timedOut(timeout, hctx.Err())
	}
}

func timedOut(d time.Duration, err error) error {
	return capability.Structural(fmt.Sprintf("timed out after %s", d), err)
}

func (e *Executor) transition(a *task.Action, s task.State, event string) {
	a.State = s
	e.record(a, event)
}

func (e *Executor) block(a *task.Action, reason string) {
	a.State = task.StateBlocked
	a.Outcome = task.OutcomeBlocked
	a.BlockReason = reason
}

// abort records detail for audit and shows only msg to the requester.
func (e *Executor) abort(a *task.Action, detail, msg string) Reply {
	a.State = task.StateAborted
	a.Outcome = task.OutcomeAborted
	a.ErrorDetail = detail
	return Reply{Text: "Could not complete: " + msg}
}

func (e *Executor) cancelled(a *task.Action, err error) Reply {
	return e.abort(a, "request cancelled: "+err.Error(), "the request was cancelled")
}

func (e *Executor) record(a *task.Action, event string) {
	if e.deps.Log == nil {
		return
	}
	if err := e.deps.Log.Record(a.Snapshot(), event); err != nil {
		slog.Error("engine: action log write failed",
			slog.String("action_id", a.ID.String()),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func terminalEvent(s task.State) string {
	switch s {
	case task.StateSuccess:
		return EventSuccess
	case task.StateBlocked:
		return EventBlocked
	default:
		return EventAborted
	}
}

func describe(a *task.Action, d capability.Descriptor, dec permission.Decision) string {
	what := d.Description
	if what == "" {
		what = a.CapabilityTag
	}
	if kp := a.KeyParameters(); kp != "" {
		what += " (" + kp + ")"
	}
	if dec.Reason != "" {
		what += ": " + dec.Reason
	}
	return what
}

func copyParams(p capability.Params) capability.Params {
	cp := make(capability.Params, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}
