package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/oracle-garnett/oracle/internal/auth"
	"github.com/oracle-garnett/oracle/internal/capability"
	"github.com/oracle-garnett/oracle/internal/task"
)

func newTestRouter(h *harness) http.Handler {
	r := chi.NewRouter()
	r.Mount("/api/requests", NewHandler(h.exec).Routes())
	return r
}

func do(t *testing.T, router http.Handler, p *auth.Principal, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if p != nil {
		req = req.WithContext(auth.WithPrincipal(req.Context(), *p))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleSubmit(t *testing.T) {
	h := newHarness(t, classifyAs(capability.TagChat, nil), 3, reg(capability.TagChat, &scriptHandler{}))
	router := newTestRouter(h)

	rec := do(t, router, &alice, http.MethodPost, "/api/requests", `{"text":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	var reply Reply
	json.NewDecoder(rec.Body).Decode(&reply)
	if reply.State != task.StateSuccess || reply.Text != "done" || reply.Capability != "chat" {
		t.Errorf("reply = %+v", reply)
	}

	if rec := do(t, router, &alice, http.MethodPost, "/api/requests", `{"text":"  "}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty text status = %d", rec.Code)
	}
	if rec := do(t, router, &alice, http.MethodPost, "/api/requests", `{`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", rec.Code)
	}
	if rec := do(t, router, nil, http.MethodPost, "/api/requests", `{"text":"hi"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("no auth status = %d", rec.Code)
	}
}

func TestHandleSubmitRejectsOversizedBody(t *testing.T) {
	hd := &scriptHandler{}
	h := newHarness(t, classifyAs(capability.TagChat, nil), 3, reg(capability.TagChat, hd))
	router := newTestRouter(h)

	body := `{"text":"` + strings.Repeat("a", 2*maxSubmitBytes) + `"}`
	rec := do(t, router, &alice, http.MethodPost, "/api/requests", body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if hd.calls != 0 {
		t.Error("oversized request reached a handler")
	}
	if got := h.log.Recent(0); len(got) != 0 {
		t.Errorf("oversized request was logged: %d entries", len(got))
	}
}

func TestHandleConfirmFlow(t *testing.T) {
	hd := &scriptHandler{perm: true, noRetry: true}
	h := newHarness(t, classifyAs(capability.TagWebAction, map[string]string{"url": "https://x"}), 3,
		reg(capability.TagWebAction, hd))
	router := newTestRouter(h)

	rec := do(t, router, &alice, http.MethodPost, "/api/requests", `{"text":"submit https://x"}`)
	var blocked Reply
	json.NewDecoder(rec.Body).Decode(&blocked)
	if blocked.State != task.StateBlocked {
		t.Fatalf("reply = %+v", blocked)
	}

	rec = do(t, router, &bobby, http.MethodGet, "/api/requests/pending", "")
	var pending struct {
		Pending []PendingRequest `json:"pending"`
	}
	json.NewDecoder(rec.Body).Decode(&pending)
	if len(pending.Pending) != 0 {
		t.Errorf("bobby sees %+v", pending.Pending)
	}
	rec = do(t, router, &root, http.MethodGet, "/api/requests/pending", "")
	json.NewDecoder(rec.Body).Decode(&pending)
	if len(pending.Pending) != 1 {
		t.Errorf("root sees %+v", pending.Pending)
	}

	path := "/api/requests/" + blocked.RequestID.String() + "/confirm"
	if rec := do(t, router, &bobby, http.MethodPost, path, ""); rec.Code != http.StatusForbidden {
		t.Errorf("sibling confirm status = %d", rec.Code)
	}
	rec = do(t, router, &root, http.MethodPost, path, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d body=%s", rec.Code, rec.Body)
	}
	var done Reply
	json.NewDecoder(rec.Body).Decode(&done)
	if done.State != task.StateSuccess || hd.count() != 1 {
		t.Errorf("reply = %+v calls=%d", done, hd.count())
	}

	if rec := do(t, router, &root, http.MethodPost, path, ""); rec.Code != http.StatusNotFound {
		t.Errorf("repeat confirm status = %d", rec.Code)
	}
	if rec := do(t, router, &root, http.MethodPost, "/api/requests/not-a-uuid/confirm", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", rec.Code)
	}
}
