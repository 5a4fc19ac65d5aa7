package engine

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oracle-garnett/oracle/internal/task"
)

// DefaultPendingLimit bounds the requests awaiting confirmation.
const DefaultPendingLimit = 256

// PendingRequest is a request blocked until someone confirms it.
type PendingRequest struct {
	RequestID  uuid.UUID         `json:"request_id"`
	Principal  string            `json:"principal"`
	Text       string            `json:"text"`
	Capability string            `json:"capability"`
	Parameters map[string]string `json:"parameters,omitempty"`
	BlockedAt  time.Time         `json:"blocked_at"`
}

type pendingEntry struct {
	req   task.Request
	class task.Classification
	at    time.Time
}

// pendingSet is a bounded, insertion-ordered set; the oldest entry is
// evicted when full.
type pendingSet struct {
	mu    sync.Mutex
	limit int
	byID  map[uuid.UUID]pendingEntry
	order []uuid.UUID
}

func newPendingSet(limit int) *pendingSet {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	return &pendingSet{limit: limit, byID: make(map[uuid.UUID]pendingEntry)}
}

func (s *pendingSet) add(req task.Request, c task.Classification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(pendingEntry{req: req, class: c, at: time.Now().UTC()})
}

func (s *pendingSet) insertLocked(e pendingEntry) {
	if _, ok := s.byID[e.req.ID]; !ok {
		s.order = append(s.order, e.req.ID)
	}
	s.byID[e.req.ID] = e
	for len(s.order) > s.limit {
		delete(s.byID, s.order[0])
		s.order = s.order[1:]
	}
}

// take removes the entry for id if check accepts it. The lookup, check and
// removal happen under one lock so only one caller can win an entry.
func (s *pendingSet) take(id uuid.UUID, check func(pendingEntry) error) (pendingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return pendingEntry{}, ErrNoPending
	}
	if err := check(e); err != nil {
		return pendingEntry{}, err
	}
	s.removeLocked(id)
	return e, nil
}

// restore puts back an entry returned by take, keeping its block time.
func (s *pendingSet) restore(e pendingEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(e)
}

func (s *pendingSet) removeLocked(id uuid.UUID) {
	if _, ok := s.byID[id]; !ok {
		return
	}
	delete(s.byID, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *pendingSet) list(principal string) []PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []PendingRequest{}
	for _, id := range s.order {
		e := s.byID[id]
		if principal != "" && !strings.EqualFold(e.req.Principal, principal) {
			continue
		}
		out = append(out, PendingRequest{
			RequestID:  id,
			Principal:  e.req.Principal,
			Text:       e.req.RawText,
			Capability: e.class.CapabilityTag,
			Parameters: e.class.Parameters,
			BlockedAt:  e.at,
		})
	}
	return out
}
