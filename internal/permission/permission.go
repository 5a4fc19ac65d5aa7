// Package permission decides whether a dispatch needs explicit confirmation
// and whether that confirmation has been granted. Rules run as a chain of
// independent functions; the first rule that demands permission wins.
package permission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/oracle-garnett/oracle/internal/auth"
	"github.com/oracle-garnett/oracle/internal/capability"
)

// GrantState is the confirmation status of a request.
type GrantState string

const (
	GrantNotRequired GrantState = "not_required"
	GrantPending     GrantState = "pending"
	GrantGranted     GrantState = "granted"
)

// Decision is the outcome of a permission check.
type Decision struct {
	Required bool       `json:"required"`
	Granted  GrantState `json:"granted"`
	Reason   string     `json:"reason,omitempty"`
}

// Allowed reports whether dispatch may proceed.
func (d Decision) Allowed() bool {
	return !d.Required || d.Granted == GrantGranted
}

// GrantStore records one-shot confirmations keyed by request id.
type GrantStore interface {
	Grant(ctx context.Context, requestID uuid.UUID, by string) error
	Consume(ctx context.Context, requestID uuid.UUID) (bool, error)
}

// Checker evaluates the rule chain and consults the grant store.
type Checker struct {
	grants GrantStore
}

// NewChecker creates a new permission checker.
func NewChecker(grants GrantStore) *Checker {
	return &Checker{grants: grants}
}

// ruleFunc returns a non-empty reason when permission is required.
type ruleFunc func(d capability.Descriptor, p capability.Params) string

func rules() []ruleFunc {
	return []ruleFunc{
		checkDescriptor,
		checkPaymentMarkers,
	}
}

// Evaluate runs the rule chain for one dispatch. A required grant is
// consumed on success, so each confirmation admits exactly one action.
// Grant store errors leave the decision pending.
func (c *Checker) Evaluate(ctx context.Context, requestID uuid.UUID, d capability.Descriptor, p capability.Params) Decision {
	dec := Require(d, p)
	if !dec.Required {
		return dec
	}

	ok, err := c.grants.Consume(ctx, requestID)
	switch {
	case err != nil:
		slog.Error("permission: grant lookup failed",
			slog.String("request_id", requestID.String()),
			slog.String("error", err.Error()),
		)
	case ok:
		dec.Granted = GrantGranted
	}

	slog.Info("permission: decision",
		slog.String("request_id", requestID.String()),
		slog.String("capability", string(d.Tag)),
		slog.String("granted", string(dec.Granted)),
		slog.String("reason", dec.Reason),
	)
	return dec
}

// Require runs the rule chain without touching the grant store.
func Require(d capability.Descriptor, p capability.Params) Decision {
	for _, rule := range rules() {
		if reason := rule(d, p); reason != "" {
			return Decision{Required: true, Granted: GrantPending, Reason: reason}
		}
	}
	return Decision{Granted: GrantNotRequired}
}

// Grant records a confirmation for requestID on behalf of p.
func (c *Checker) Grant(ctx context.Context, requestID uuid.UUID, p auth.Principal) error {
	if err := c.grants.Grant(ctx, requestID, p.Name); err != nil {
		return fmt.Errorf("permission: grant: %w", err)
	}
	slog.Info("permission: granted",
		slog.String("request_id", requestID.String()),
		slog.String("principal", p.Name),
	)
	return nil
}

// CanGrant reports whether p may confirm a request made by requester.
func CanGrant(p auth.Principal, requester string) bool {
	return p.IsRoot() || strings.EqualFold(p.Name, requester)
}

// --- Individual rules ---

func checkDescriptor(d capability.Descriptor, _ capability.Params) string {
	if d.RequiresPermission {
		return fmt.Sprintf("%s performs an irreversible action", d.Tag)
	}
	return ""
}

var paymentKeys = []string{"amount", "price", "card", "checkout", "payment"}

func checkPaymentMarkers(_ capability.Descriptor, p capability.Params) string {
	for _, k := range paymentKeys {
		if v, ok := p[k]; ok && v != "" {
			return fmt.Sprintf("request carries payment details (%s)", k)
		}
	}
	return ""
}
