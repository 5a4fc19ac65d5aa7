// Package notify delivers user-facing notifications: pending confirmation
// prompts and action results.
package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oracle-garnett/oracle/internal/auth"
)

// Kind distinguishes notifications.
type Kind string

const (
	KindPendingPermission Kind = "pending_permission"
	KindResult            Kind = "result"
)

// Notification is one delivered message.
type Notification struct {
	Seq       uint64    `json:"seq"`
	Kind      Kind      `json:"kind"`
	RequestID uuid.UUID `json:"request_id"`
	Principal string    `json:"principal"`
	Text      string    `json:"text"`
	Time      time.Time `json:"time"`
}

// Notifier is the UI notification interface.
type Notifier interface {
	NotifyPendingPermission(requestID uuid.UUID, principal, description string)
	NotifyResult(requestID uuid.UUID, principal, summary string)
}

// Inbox keeps the most recent notifications in memory for the API and the
// console, and mirrors them to the process log.
type Inbox struct {
	mu    sync.Mutex
	items []Notification
	limit int
	seq   uint64
}

// NewInbox creates an inbox retaining at most limit notifications.
func NewInbox(limit int) *Inbox {
	if limit <= 0 {
		limit = 256
	}
	return &Inbox{limit: limit}
}

// NotifyPendingPermission implements Notifier.
func (i *Inbox) NotifyPendingPermission(requestID uuid.UUID, principal, description string) {
	i.push(KindPendingPermission, requestID, principal, description)
}

// NotifyResult implements Notifier.
func (i *Inbox) NotifyResult(requestID uuid.UUID, principal, summary string) {
	i.push(KindResult, requestID, principal, summary)
}

func (i *Inbox) push(kind Kind, requestID uuid.UUID, principal, text string) {
	i.mu.Lock()
	i.seq++
	n := Notification{
		Seq:       i.seq,
		Kind:      kind,
		RequestID: requestID,
		Principal: principal,
		Text:      text,
		Time:      time.Now().UTC(),
	}
	i.items = append(i.items, n)
	if len(i.items) > i.limit {
		i.items = i.items[len(i.items)-i.limit:]
	}
	i.mu.Unlock()

	slog.Info("notify: "+string(kind),
		slog.String("request_id", requestID.String()),
		slog.String("principal", principal),
		slog.String("text", text),
	)
}

// List returns notifications newer than afterSeq. A non-empty principal
// limits the result to that principal.
func (i *Inbox) List(principal string, afterSeq uint64) []Notification {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := []Notification{}
	for _, n := range i.items {
		if n.Seq <= afterSeq {
			continue
		}
		if principal != "" && !strings.EqualFold(n.Principal, principal) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Count returns how many notifications of kind exist for requestID.
func (i *Inbox) Count(requestID uuid.UUID, kind Kind) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	c := 0
	for _, n := range i.items {
		if n.RequestID == requestID && n.Kind == kind {
			c++
		}
	}
	return c
}

// HandleList handles GET /api/notifications?after=N. Root sees every
// notification, family members only their own.
func (i *Inbox) HandleList(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, `{"error":{"code":"UNAUTHORIZED","message":"missing auth"}}`, http.StatusUnauthorized)
		return
	}
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		after, _ = strconv.ParseUint(v, 10, 64)
	}
	filter := p.Name
	if p.IsRoot() {
		filter = ""
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"notifications": i.List(filter, after)})
}
