package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/oracle-garnett/oracle/internal/actionlog"
	"github.com/oracle-garnett/oracle/internal/auth"
	"github.com/oracle-garnett/oracle/internal/capability"
	"github.com/oracle-garnett/oracle/internal/healing"
	"github.com/oracle-garnett/oracle/internal/memory"
	"github.com/oracle-garnett/oracle/internal/notify"
	"github.com/oracle-garnett/oracle/internal/override"
	"github.com/oracle-garnett/oracle/internal/permission"
	"github.com/oracle-garnett/oracle/internal/task"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

var (
	root   = auth.Principal{Name: "dad", Role: auth.RoleRoot}
	alice  = auth.Principal{Name: "alice", Role: auth.RoleFamily}
	bobby  = auth.Principal{Name: "bobby", Role: auth.RoleFamily}
	errBad = errors.New("malformed input")
)

// scriptHandler returns the scripted error for call n (1-based); calls past
// the script succeed.
type scriptHandler struct {
	mu      sync.Mutex
	calls   int
	params  []capability.Params
	script  []error
	perm    bool
	noRetry bool
	invoke  func(ctx context.Context, call int) (capability.Result, error)
}

func (h *scriptHandler) Invoke(ctx context.Context, p capability.Params) (capability.Result, error) {
	h.mu.Lock()
	h.calls++
	call := h.calls
	h.params = append(h.params, p)
	h.mu.Unlock()

	if h.invoke != nil {
		return h.invoke(ctx, call)
	}
	if call <= len(h.script) && h.script[call-1] != nil {
		return capability.Result{}, h.script[call-1]
	}
	return capability.Result{Summary: "done", Artifact: "outputs/x.png"}, nil
}

func (h *scriptHandler) RequiresPermission() bool { return h.perm }
func (h *scriptHandler) IsRetryable() bool        { return !h.noRetry }

func (h *scriptHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func recoverable() error { return capability.Recoverable("backend busy", nil) }

type fixedClassifier struct {
	c task.Classification
}

func (f fixedClassifier) Classify(context.Context, task.Request) task.Classification {
	return f.c
}

func classifyAs(tag capability.Tag, params map[string]string) fixedClassifier {
	return fixedClassifier{task.Classification{CapabilityTag: string(tag), Parameters: params, Confidence: 0.9}}
}

type syncCall struct {
	action task.Action
	res    capability.Result
}

type fakeSync struct {
	mu    sync.Mutex
	err   error
	calls []syncCall
}

func (f *fakeSync) Sync(_ context.Context, a task.Action, res capability.Result) (memory.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, syncCall{a, res})
	return memory.Record{SourceActionID: a.ID}, f.err
}

type harness struct {
	exec  *Executor
	gate  *override.Gate
	log   *actionlog.Logger
	inbox *notify.Inbox
	mem   *fakeSync
}

type registration struct {
	tag  capability.Tag
	h    capability.Handler
	opts []capability.Option
}

func reg(tag capability.Tag, h capability.Handler, opts ...capability.Option) registration {
	return registration{tag, h, opts}
}

// fatalHelper is satisfied by *testing.T and *rapid.T.
type fatalHelper interface {
	Helper()
	Fatalf(format string, args ...any)
}

func newHarness(t fatalHelper, cls Classifier, maxRetries int, regs ...registration) *harness {
	t.Helper()
	r := capability.NewRegistry()
	for _, rg := range regs {
		if err := r.Register(rg.tag, rg.h, rg.opts...); err != nil {
			t.Fatalf("register %s: %v", rg.tag, err)
		}
	}
	r.Freeze()

	h := &harness{
		gate:  override.NewGate(),
		log:   actionlog.NewWriter(&bytes.Buffer{}, 4096),
		inbox: notify.NewInbox(100),
		mem:   &fakeSync{},
	}
	policy := healing.NewPolicy(healing.Config{
		MaxRetries:      maxRetries,
		InitialInterval: time.Microsecond,
		MaxInterval:     time.Microsecond,
	}, h.log)

	h.exec = New(Deps{
		Classifier:  cls,
		Registry:    r,
		Gate:        h.gate,
		Permissions: permission.NewChecker(permission.NewMemoryGrants(0)),
		Healer:      policy,
		Log:         h.log,
		Memory:      h.mem,
		Notifier:    h.inbox,
	}, Config{HandlerTimeout: 2 * time.Second})
	return h
}

// events returns the transition events of one action, skipping repair entries.
func (h *harness) events(a *task.Action) []string {
	var out []string
	for _, e := range h.log.ForAction(a.ID.String()) {
		if !strings.HasPrefix(e.Event, "repair_") {
			out = append(out, e.Event)
		}
	}
	return out
}

func (h *harness) countEvent(a *task.Action, event string) int {
	n := 0
	for _, e := range h.log.ForAction(a.ID.String()) {
		if e.Event == event {
			n++
		}
	}
	return n
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

func TestSuccessPath(t *testing.T) {
	hd := &scriptHandler{}
	h := newHarness(t, classifyAs(capability.TagImageCreate, map[string]string{"prompt": "a cat"}), 3,
		reg(capability.TagImageCreate, hd))

	a, reply, err := h.exec.Submit(context.Background(), alice, "draw a cat")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if a.State != task.StateSuccess || a.Outcome != task.OutcomeSuccess || a.FinishedAt.IsZero() {
		t.Fatalf("action = %+v", a)
	}
	if reply.Text != "done" || reply.Artifact != "outputs/x.png" || reply.State != task.StateSuccess {
		t.Errorf("reply = %+v", reply)
	}
	want := []string{EventCreated, EventGateCheck, EventPermissionCheck, EventDispatched, EventSuccess}
	if got := h.events(a); !equalStrings(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if len(h.mem.calls) != 1 || h.mem.calls[0].action.State != task.StateSuccess {
		t.Errorf("memory sync calls = %+v", h.mem.calls)
	}
	if h.inbox.Count(a.RequestID, notify.KindResult) != 1 {
		t.Error("result notification not emitted")
	}
}

func TestUnknownRoutesToFallback(t *testing.T) {
	fb := &scriptHandler{}
	h := newHarness(t, fixedClassifier{task.Classification{CapabilityTag: "unknown", Parameters: map[string]string{}}}, 3,
		reg(capability.TagFallback, fb))

	a, _, _ := h.exec.Submit(context.Background(), alice, "what's the meaning of life")
	if a.State != task.StateSuccess || a.CapabilityTag != "fallback" {
		t.Fatalf("action = %+v", a)
	}
	for _, e := range h.log.ForAction(a.ID.String()) {
		if e.CapabilityTag != "fallback" {
			t.Errorf("entry %s logged with capability %q", e.Event, e.CapabilityTag)
		}
	}
	if fb.params[0]["text"] != "what's the meaning of life" {
		t.Errorf("fallback params = %v", fb.params[0])
	}
}

func TestUnregisteredTagRoutesToFallback(t *testing.T) {
	fb := &scriptHandler{}
	h := newHarness(t, classifyAs(capability.TagWebBrowse, map[string]string{"url": "http://x"}), 3,
		reg(capability.TagFallback, fb))

	a, _, _ := h.exec.Submit(context.Background(), alice, "open http://x")
	if a.State != task.StateSuccess || a.CapabilityTag != "fallback" || fb.count() != 1 {
		t.Errorf("action = %+v calls=%d", a, fb.count())
	}
}

func TestNoFallbackAborts(t *testing.T) {
	h := newHarness(t, classifyAs(capability.TagUnknown, nil), 3)
	a, reply, _ := h.exec.Submit(context.Background(), alice, "hello")
	if a.State != task.StateAborted || !strings.HasPrefix(reply.Text, "Could not complete: ") {
		t.Errorf("action = %+v reply = %q", a, reply.Text)
	}
}

func TestPausedRequestBlocked(t *testing.T) {
	hd := &scriptHandler{}
	h := newHarness(t, classifyAs(capability.TagChat, nil), 3, reg(capability.TagChat, hd))
	h.gate.Pause(bobby, "OVERRIDE")

	a, reply, _ := h.exec.Submit(context.Background(), alice, "hi")
	if a.State != task.StateBlocked || a.Outcome != task.OutcomeBlocked || a.BlockReason != "paused by admin" {
		t.Fatalf("action = %+v", a)
	}
	if reply.Text != "Paused by admin." {
		t.Errorf("reply = %q", reply.Text)
	}
	if hd.count() != 0 {
		t.Error("handler invoked while paused")
	}
	want := []string{EventCreated, EventGateCheck, EventBlocked}
	if got := h.events(a); !equalStrings(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	h.gate.Resume(root)
	if a, _, _ := h.exec.Submit(context.Background(), alice, "hi"); a.State != task.StateSuccess {
		t.Errorf("after resume: %s", a.State)
	}
}

func TestRecoverableExhaustsRetries(t *testing.T) {
	hd := &scriptHandler{invoke: func(context.Context, int) (capability.Result, error) {
		return capability.Result{}, recoverable()
	}}
	h := newHarness(t, classifyAs(capability.TagWebBrowse, nil), 3, reg(capability.TagWebBrowse, hd))

	a, reply, _ := h.exec.Submit(context.Background(), alice, "browse")
	if a.State != task.StateAborted || a.RetryCount != 3 || a.ErrorDetail == "" {
		t.Fatalf("action = %+v", a)
	}
	if hd.count() != 4 {
		t.Errorf("handler calls = %d, want 4", hd.count())
	}
	if n := h.countEvent(a, EventRetrying); n != 3 {
		t.Errorf("retrying transitions = %d, want 3", n)
	}
	if h.countEvent(a, EventSuccess) != 0 {
		t.Error("success logged for aborted action")
	}
	if h.countEvent(a, "repair_retry") != 3 || h.countEvent(a, "repair_abort") != 1 {
		t.Error("every repair attempt must be logged")
	}
	if !strings.Contains(reply.Text, "gave up after 3 retries") {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestRecoverThenSucceed(t *testing.T) {
	hd := &scriptHandler{script: []error{recoverable(), recoverable()}}
	h := newHarness(t, classifyAs(capability.TagChat, nil), 3, reg(capability.TagChat, hd))

	a, _, _ := h.exec.Submit(context.Background(), alice, "hi")
	if a.State != task.StateSuccess || a.RetryCount != 2 || a.ErrorDetail != "" {
		t.Errorf("action = %+v", a)
	}
}

func TestPerCapabilityRetryOverride(t *testing.T) {
	hd := &scriptHandler{invoke: func(context.Context, int) (capability.Result, error) {
		return capability.Result{}, recoverable()
	}}
	h := newHarness(t, classifyAs(capability.TagChat, nil), 3,
		reg(capability.TagChat, hd, capability.WithMaxRetries(1)))

	a, _, _ := h.exec.Submit(context.Background(), alice, "hi")
	if a.RetryCount != 1 || hd.count() != 2 {
		t.Errorf("retry_count=%d calls=%d", a.RetryCount, hd.count())
	}
}

func TestStructuralAbortsImmediately(t *testing.T) {
	hd := &scriptHandler{script: []error{capability.Structural("bad parameters", errBad)}}
	h := newHarness(t, classifyAs(capability.TagChat, nil), 3, reg(capability.TagChat, hd))

	a, reply, _ := h.exec.Submit(context.Background(), alice, "hi")
	if a.State != task.StateAborted || a.RetryCount != 0 || hd.count() != 1 {
		t.Errorf("action = %+v calls=%d", a, hd.count())
	}
	if reply.Text != "Could not complete: bad parameters" {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestReplyHidesInternalErrors(t *testing.T) {
	raw := errors.New(`Get "http://127.0.0.1:1": dial tcp 127.0.0.1:1: connect: connection refused`)
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"declared failure", capability.Recoverable("shop.example could not be reached", raw), "Could not complete: shop.example could not be reached"},
		{"undeclared error", raw, "Could not complete: something went wrong while handling it"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hd := &scriptHandler{noRetry: true, script: []error{tt.err}}
			h := newHarness(t, classifyAs(capability.TagWebBrowse, nil), 3, reg(capability.TagWebBrowse, hd))

			a, reply, _ := h.exec.Submit(context.Background(), alice, "browse")
			if reply.Text != tt.want {
				t.Errorf("reply = %q, want %q", reply.Text, tt.want)
			}
			if !strings.Contains(a.ErrorDetail, "connection refused") {
				t.Errorf("audit detail lost the cause: %q", a.ErrorDetail)
			}
		})
	}
}

func TestNonRetryableNeverRetries(t *testing.T) {
	hd := &scriptHandler{noRetry: true, script: []error{recoverable()}}
	h := newHarness(t, classifyAs(capability.TagChat, nil), 3, reg(capability.TagChat, hd))

	a, _, _ := h.exec.Submit(context.Background(), alice, "hi")
	if a.State != task.StateAborted || a.RetryCount != 0 || hd.count() != 1 {
		t.Errorf("action = %+v calls=%d", a, hd.count())
	}
}

func TestHandlerTimeoutIsStructural(t *testing.T) {
	hd := &scriptHandler{invoke: func(ctx context.Context, _ int) (capability.Result, error) {
		<-ctx.Done()
		return capability.Result{}, ctx.Err()
	}}
	h := newHarness(t, classifyAs(capability.TagChat, nil), 3,
		reg(capability.TagChat, hd, capability.WithTimeout(20*time.Millisecond)))

	a, _, _ := h.exec.Submit(context.Background(), alice, "hi")
	if a.State != task.StateAborted || a.RetryCount != 0 || hd.count() != 1 {
		t.Fatalf("action = %+v calls=%d", a, hd.count())
	}
	if !strings.Contains(a.ErrorDetail, "timed out after 20ms") {
		t.Errorf("error detail = %q", a.ErrorDetail)
	}
}

func TestHandlerPanicIsStructural(t *testing.T) {
	hd := &scriptHandler{invoke: func(context.Context, int) (capability.Result, error) {
		panic("nil map")
	}}
	h := newHarness(t, classifyAs(capability.TagChat, nil), 3, reg(capability.TagChat, hd))

	a, reply, _ := h.exec.Submit(context.Background(), alice, "hi")
	if a.State != task.StateAborted || hd.count() != 1 || !strings.Contains(a.ErrorDetail, "handler crashed: nil map") {
		t.Errorf("action = %+v", a)
	}
	if reply.Text != "Could not complete: handler crashed" {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestPauseDuringRecoveryHalts(t *testing.T) {
	var h *harness
	hd := &scriptHandler{invoke: func(context.Context, int) (capability.Result, error) {
		h.gate.Pause(bobby, "stop")
		return capability.Result{}, recoverable()
	}}
	h = newHarness(t, classifyAs(capability.TagChat, nil), 3, reg(capability.TagChat, hd))

	a, reply, _ := h.exec.Submit(context.Background(), alice, "hi")
	if a.State != task.StateAborted || a.ErrorDetail != "recovery halted: paused by admin" {
		t.Fatalf("action = %+v", a)
	}
	if hd.count() != 1 || a.RetryCount != 1 {
		t.Errorf("calls=%d retry_count=%d", hd.count(), a.RetryCount)
	}
	if reply.Text != "Could not complete: recovery halted: paused by admin" {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestCancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hd := &scriptHandler{invoke: func(context.Context, int) (capability.Result, error) {
		cancel()
		return capability.Result{}, recoverable()
	}}
	h := newHarness(t, classifyAs(capability.TagChat, nil), 3, reg(capability.TagChat, hd))

	a, reply, _ := h.exec.Submit(ctx, alice, "hi")
	if a.State != task.StateAborted || !strings.HasPrefix(a.ErrorDetail, "request cancelled") {
		t.Errorf("action = %+v", a)
	}
	if reply.Text != "Could not complete: the request was cancelled" {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestEmptySubmit(t *testing.T) {
	h := newHarness(t, classifyAs(capability.TagChat, nil), 3)
	if _, _, err := h.exec.Submit(context.Background(), alice, "  "); !errors.Is(err, ErrEmptyRequest) {
		t.Errorf("err = %v", err)
	}
}

func TestMemorySyncFailureKeepsOutcome(t *testing.T) {
	h := newHarness(t, classifyAs(capability.TagChat, nil), 3, reg(capability.TagChat, &scriptHandler{}))
	h.mem.err = memory.ErrStoreUnavailable

	a, _, _ := h.exec.Submit(context.Background(), alice, "hi")
	if a.State != task.StateSuccess || a.Outcome != task.OutcomeSuccess {
		t.Errorf("action = %+v", a)
	}
	entries := h.log.ForAction(a.ID.String())
	if last := entries[len(entries)-1]; last.State != task.StateSuccess {
		t.Errorf("last entry = %+v", last)
	}
}

// ---------------------------------------------------------------------------
// Permission
// ---------------------------------------------------------------------------

func TestPermissionNeverGrantedStalls(t *testing.T) {
	hd := &scriptHandler{perm: true, noRetry: true}
	h := newHarness(t, classifyAs(capability.TagWebAction, map[string]string{"url": "https://shop.example"}), 3,
		reg(capability.TagWebAction, hd, capability.WithDescription("submit a web form")))

	a, reply, _ := h.exec.Submit(context.Background(), alice, "buy the thing at https://shop.example")
	if a.State != task.StateBlocked || a.BlockReason != "needs your confirmation" {
		t.Fatalf("action = %+v", a)
	}
	if hd.count() != 0 {
		t.Error("handler dispatched without a grant")
	}
	if !strings.HasPrefix(reply.Text, "Needs your confirmation: submit a web form (url=https://shop.example)") {
		t.Errorf("reply = %q", reply.Text)
	}
	if n := h.inbox.Count(a.RequestID, notify.KindPendingPermission); n != 1 {
		t.Errorf("pending notifications = %d, want 1", n)
	}
	if n := h.inbox.Count(a.RequestID, notify.KindResult); n != 0 {
		t.Errorf("result notifications = %d, want 0", n)
	}
	want := []string{EventCreated, EventGateCheck, EventPermissionCheck, EventBlocked}
	if got := h.events(a); !equalStrings(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if p := h.exec.Pending(""); len(p) != 1 || p[0].RequestID != a.RequestID {
		t.Errorf("pending = %+v", p)
	}
}

func TestPaymentMarkersRequireConfirmation(t *testing.T) {
	hd := &scriptHandler{}
	h := newHarness(t, classifyAs(capability.TagWebBrowse, map[string]string{"url": "https://x", "amount": "5"}), 3,
		reg(capability.TagWebBrowse, hd))

	a, _, _ := h.exec.Submit(context.Background(), alice, "pay $5 at https://x")
	if a.State != task.StateBlocked || hd.count() != 0 {
		t.Errorf("action = %+v calls=%d", a, hd.count())
	}
}

func TestConfirmDispatches(t *testing.T) {
	hd := &scriptHandler{perm: true, noRetry: true}
	h := newHarness(t, classifyAs(capability.TagWebAction, map[string]string{"url": "https://x"}), 3,
		reg(capability.TagWebAction, hd))

	blocked, _, _ := h.exec.Submit(context.Background(), alice, "submit https://x")

	if _, _, err := h.exec.Confirm(context.Background(), bobby, blocked.RequestID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("sibling confirm err = %v", err)
	}

	a, reply, err := h.exec.Confirm(context.Background(), alice, blocked.RequestID)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if a.State != task.StateSuccess || a.ID == blocked.ID || a.RequestID != blocked.RequestID {
		t.Errorf("confirmed action = %+v", a)
	}
	if reply.Text != "done" || hd.count() != 1 {
		t.Errorf("reply = %+v calls=%d", reply, hd.count())
	}
	if n := h.inbox.Count(blocked.RequestID, notify.KindPendingPermission); n != 1 {
		t.Errorf("pending notifications = %d, want 1", n)
	}
	if _, _, err := h.exec.Confirm(context.Background(), alice, blocked.RequestID); !errors.Is(err, ErrNoPending) {
		t.Errorf("second confirm err = %v", err)
	}
}

func TestConfirmWhilePausedBlocks(t *testing.T) {
	hd := &scriptHandler{perm: true}
	h := newHarness(t, classifyAs(capability.TagWebAction, map[string]string{"url": "https://x"}), 3,
		reg(capability.TagWebAction, hd))

	blocked, _, _ := h.exec.Submit(context.Background(), alice, "submit https://x")
	h.gate.Pause(root, "maintenance")
	a, _, err := h.exec.Confirm(context.Background(), root, blocked.RequestID)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if a.State != task.StateBlocked || a.BlockReason != "paused by admin" || hd.count() != 0 {
		t.Errorf("action = %+v calls=%d", a, hd.count())
	}
	if p := h.exec.Pending(""); len(p) != 1 || p[0].RequestID != blocked.RequestID {
		t.Fatalf("request dropped while paused: %+v", p)
	}

	h.gate.Resume(root)
	a, _, err = h.exec.Confirm(context.Background(), root, blocked.RequestID)
	if err != nil {
		t.Fatalf("re-confirm after resume: %v", err)
	}
	if a.State != task.StateSuccess || hd.count() != 1 {
		t.Errorf("action = %+v calls=%d", a, hd.count())
	}
	if p := h.exec.Pending(""); len(p) != 0 {
		t.Errorf("pending = %+v", p)
	}
}

// slowGrants delays Grant so that concurrent confirmations overlap.
type slowGrants struct {
	Permissions
	delay time.Duration
	err   error
}

func (s slowGrants) Grant(ctx context.Context, id uuid.UUID, p auth.Principal) error {
	time.Sleep(s.delay)
	if s.err != nil {
		return s.err
	}
	return s.Permissions.Grant(ctx, id, p)
}

func TestConcurrentConfirmDispatchesOnce(t *testing.T) {
	hd := &scriptHandler{perm: true, noRetry: true}
	h := newHarness(t, classifyAs(capability.TagWebAction, map[string]string{"url": "https://shop.example", "amount": "20"}), 3,
		reg(capability.TagWebAction, hd))
	h.exec.deps.Permissions = slowGrants{Permissions: h.exec.deps.Permissions, delay: 50 * time.Millisecond}

	blocked, _, _ := h.exec.Submit(context.Background(), alice, "pay $20 at https://shop.example")

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, refused := 0, 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := h.exec.Confirm(context.Background(), alice, blocked.RequestID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrNoPending):
				refused++
			default:
				t.Errorf("Confirm: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 1 || refused != 3 {
		t.Errorf("accepted=%d refused=%d, want 1 and 3", accepted, refused)
	}
	if hd.count() != 1 {
		t.Errorf("non-retryable handler invoked %d times", hd.count())
	}
}

func TestConfirmGrantFailureKeepsPending(t *testing.T) {
	hd := &scriptHandler{perm: true}
	h := newHarness(t, classifyAs(capability.TagWebAction, map[string]string{"url": "https://x"}), 3,
		reg(capability.TagWebAction, hd))
	grants := h.exec.deps.Permissions
	h.exec.deps.Permissions = slowGrants{Permissions: grants, err: errors.New("grant store down")}

	blocked, _, _ := h.exec.Submit(context.Background(), alice, "submit https://x")
	if _, _, err := h.exec.Confirm(context.Background(), alice, blocked.RequestID); err == nil {
		t.Fatal("Confirm succeeded with a failing grant store")
	}
	if hd.count() != 0 || len(h.exec.Pending("")) != 1 {
		t.Fatalf("calls=%d pending=%+v", hd.count(), h.exec.Pending(""))
	}

	h.exec.deps.Permissions = grants
	if a, _, err := h.exec.Confirm(context.Background(), alice, blocked.RequestID); err != nil || a.State != task.StateSuccess {
		t.Errorf("retry confirm = %+v, %v", a, err)
	}
}

func TestPendingKeepsClassification(t *testing.T) {
	h := newHarness(t, classifyAs(capability.TagWebAction, map[string]string{"url": "https://x"}), 3,
		reg(capability.TagWebAction, &scriptHandler{perm: true}))

	blocked, _, _ := h.exec.Submit(context.Background(), alice, "submit https://x")
	e, err := h.exec.pending.take(blocked.RequestID, func(pendingEntry) error { return nil })
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if e.class.Confidence != 0.9 || e.class.CapabilityTag != "web_action" || e.class.Parameters["url"] != "https://x" {
		t.Errorf("classification = %+v", e.class)
	}
}

func TestPendingSetBounded(t *testing.T) {
	s := newPendingSet(2)
	var reqs []task.Request
	for i := 0; i < 3; i++ {
		r := task.NewRequest("x", "alice")
		reqs = append(reqs, r)
		s.add(r, task.Classification{CapabilityTag: "web_action"})
	}
	accept := func(pendingEntry) error { return nil }
	if _, err := s.take(reqs[0].ID, accept); !errors.Is(err, ErrNoPending) {
		t.Error("oldest entry not evicted")
	}
	if got := s.list("ALICE"); len(got) != 2 || got[0].RequestID != reqs[1].ID {
		t.Errorf("list = %+v", got)
	}
	if _, err := s.take(reqs[1].ID, func(pendingEntry) error { return ErrForbidden }); !errors.Is(err, ErrForbidden) {
		t.Errorf("rejected take err = %v", err)
	}
	e, err := s.take(reqs[1].ID, accept)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if got := s.list(""); len(got) != 1 || got[0].RequestID != reqs[2].ID {
		t.Errorf("after take = %+v", got)
	}
	s.restore(e)
	if got := s.list(""); len(got) != 2 || !got[1].BlockedAt.Equal(e.at) {
		t.Errorf("after restore = %+v", got)
	}
	if got := s.list("bobby"); len(got) != 0 {
		t.Errorf("bobby sees %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestConcurrentActionsAndPause(t *testing.T) {
	hd := &scriptHandler{}
	h := newHarness(t, classifyAs(capability.TagChat, nil), 3, reg(capability.TagChat, hd))

	var wg sync.WaitGroup
	results := make(chan *task.Action, 64)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, _, _ := h.exec.Submit(context.Background(), alice, "hi")
			results <- a
		}()
	}
	h.gate.Pause(bobby, "OVERRIDE")
	wg.Wait()

	// Everything submitted after the pause committed is blocked.
	for i := 0; i < 32; i++ {
		a, _, _ := h.exec.Submit(context.Background(), alice, "hi")
		results <- a
	}
	close(results)

	success := 0
	total := 0
	for a := range results {
		total++
		switch a.State {
		case task.StateSuccess:
			success++
		case task.StateBlocked:
		default:
			t.Errorf("unexpected state %s", a.State)
		}
	}
	if total != 64 || success > 32 || hd.count() != success {
		t.Errorf("total=%d success=%d calls=%d", total, success, hd.count())
	}
}
