package dispatch

import (
	"fmt"
	"strings"
)

// Kind buckets dispatch failures for the HTTP layer's status mapping.
type Kind string

const (
	// KindBadRequest: the request itself is invalid (unknown model
	// override, disabled model). Never retried.
	KindBadRequest Kind = "bad_request"
	// KindBudgetExceeded: a budget gate rejected the task before any
	// upstream call.
	KindBudgetExceeded Kind = "budget_exceeded"
	// KindRateLimited: every attempted target ended rate-limited after the
	// full retry and fallback chain.
	KindRateLimited Kind = "rate_limited_upstream"
	// KindUpstreamFailed: all targets exhausted; carries per-target causes.
	KindUpstreamFailed Kind = "upstream_failed"
	// KindCancelled: the caller's context was cancelled mid-dispatch.
	KindCancelled Kind = "cancelled"
	// KindInternal: invariant violation (ledger write failure, missing
	// adapter). Always logged.
	KindInternal Kind = "internal"
)

// TargetError records why one target in the fallback chain did not produce
// a response.
type TargetError struct {
	Tier   string `json:"tier"`
	Model  string `json:"model,omitempty"`
	Class  string `json:"class,omitempty"`
	Detail string `json:"detail"`
}

// Error is the dispatch failure surfaced to callers. Cause preserves the
// underlying error chain for errors.As inspection (budget.ExceededError in
// particular).
type Error struct {
	Kind    Kind
	Detail  string
	Cause   error
	Targets []TargetError
}

func (e *Error) Error() string {
	if len(e.Targets) == 0 {
		return fmt.Sprintf("dispatch: %s: %s", e.Kind, e.Detail)
	}
	parts := make([]string, 0, len(e.Targets))
	for _, t := range e.Targets {
		parts = append(parts, t.Tier+": "+t.Detail)
	}
	return fmt.Sprintf("dispatch: %s: %s [%s]", e.Kind, e.Detail, strings.Join(parts, "; "))
}

func (e *Error) Unwrap() error { return e.Cause }
