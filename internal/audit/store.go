// Package audit is the append-only trail of every evolution request.
// Records are written once, keyed by request ID, ordered by a monotonic
// sequence, and never mutated or deleted.
package audit

import (
	"context"
	"errors"
	"time"

	"evolution-gate/internal/analyzer"
	"evolution-gate/internal/policy"
	"evolution-gate/internal/sandbox"
)

var (
	ErrNotFound  = errors.New("audit record not found")
	ErrDuplicate = errors.New("audit record already exists for request")
)

// RequestSnapshot is the immutable copy of the submitted request stored in
// the trail. It deliberately duplicates the controller's request type so the
// stored shape cannot drift when the in-memory type changes.
type RequestSnapshot struct {
	ID          string             `json:"id"`
	Source      string             `json:"source"`
	Tests       []sandbox.TestCase `json:"tests"`
	Isolation   string             `json:"isolation"`
	Priority    int                `json:"priority"`
	SubmittedAt time.Time          `json:"submitted_at"`
}

// Record is one request's complete trail: what was submitted, what the
// analyzer saw, what the sandbox observed, and what the policy decided.
type Record struct {
	Seq       int64                    `json:"seq"`
	RequestID string                   `json:"request_id"`
	State     string                   `json:"state"`
	Request   RequestSnapshot          `json:"request"`
	Report    analyzer.Report          `json:"report"`
	Execution *sandbox.ExecutionResult `json:"execution,omitempty"`
	Decision  *policy.Decision         `json:"decision,omitempty"`
	DecidedAt time.Time                `json:"decided_at"`
}

// PendingReview reports whether the record is parked awaiting a human
// decision.
func (r Record) PendingReview() bool {
	return r.State == "pending_human_review"
}

// Store is the persistence contract. Append assigns the sequence number and
// fails with ErrDuplicate when the request already has a record; Resolve is
// the one sanctioned follow-up write, which appends the review outcome as
// the terminal record rather than mutating the parked one.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	Resolve(ctx context.Context, requestID string, rec *Record) error
	Get(ctx context.Context, requestID string) (*Record, error)
	List(ctx context.Context, filter Filter) ([]Record, error)
	PendingReviews(ctx context.Context) ([]Record, error)
	Healthy(ctx context.Context) bool
	Close()
}

// Filter narrows List queries.
type Filter struct {
	State  string
	Since  *time.Time
	Limit  int
	Offset int
}
