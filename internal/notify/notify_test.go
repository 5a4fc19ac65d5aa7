package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/oracle-garnett/oracle/internal/auth"
)

func TestInboxBoundedAndFiltered(t *testing.T) {
	in := NewInbox(3)
	id := uuid.New()
	in.NotifyPendingPermission(id, "alice", "submit form")
	in.NotifyResult(uuid.New(), "bob", "done")
	in.NotifyResult(uuid.New(), "alice", "done")
	in.NotifyResult(uuid.New(), "alice", "done again")

	all := in.List("", 0)
	if len(all) != 3 || all[0].Seq != 2 {
		t.Fatalf("inbox not bounded: %+v", all)
	}
	if got := in.List("ALICE", 0); len(got) != 2 {
		t.Errorf("alice sees %d, want 2", len(got))
	}
	if got := in.List("", 3); len(got) != 1 || got[0].Seq != 4 {
		t.Errorf("after=3 = %+v", got)
	}
	if in.Count(id, KindPendingPermission) != 0 {
		t.Error("evicted notification still counted")
	}
}

func TestHandleListScopesFamily(t *testing.T) {
	in := NewInbox(10)
	in.NotifyResult(uuid.New(), "alice", "a")
	in.NotifyResult(uuid.New(), "bob", "b")

	get := func(p auth.Principal) []Notification {
		req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
		req = req.WithContext(auth.WithPrincipal(req.Context(), p))
		rec := httptest.NewRecorder()
		in.HandleList(rec, req)
		var body struct {
			Notifications []Notification `json:"notifications"`
		}
		json.NewDecoder(rec.Body).Decode(&body)
		return body.Notifications
	}

	if n := get(auth.Principal{Name: "dad", Role: auth.RoleRoot}); len(n) != 2 {
		t.Errorf("root sees %d, want 2", len(n))
	}
	if n := get(auth.Principal{Name: "bob", Role: auth.RoleFamily}); len(n) != 1 || n[0].Text != "b" {
		t.Errorf("bob sees %+v", n)
	}

	rec := httptest.NewRecorder()
	in.HandleList(rec, httptest.NewRequest(http.MethodGet, "/api/notifications", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
