// Package gate orchestrates the evolution pipeline: it takes submitted
// candidate units through static analysis, sandboxed testing and the policy
// decision, records every outcome in the audit trail, and parks units that
// need a human review.
package gate

import (
	"errors"
	"strings"
	"time"

	"evolution-gate/internal/sandbox"
)

var (
	ErrQueueFull      = errors.New("evolution queue full")
	ErrDuplicateID    = errors.New("request ID already in use")
	ErrNotFound       = errors.New("evolution request not found")
	ErrNotCancellable = errors.New("request is no longer cancellable")
	ErrNotPending     = errors.New("request is not pending human review")
	ErrClosed         = errors.New("controller is shut down")
)

// Priority orders queued requests. Higher runs first; within a priority the
// queue is FIFO.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	}
	return 0, errors.New("priority must be low, normal or high")
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// EvolutionRequest is one candidate unit waiting to pass the gate.
type EvolutionRequest struct {
	ID          string                 `json:"id"`
	Source      string                 `json:"source"`
	Tests       []sandbox.TestCase     `json:"tests"`
	Isolation   sandbox.IsolationLevel `json:"isolation"`
	Priority    Priority               `json:"priority"`
	SubmittedAt time.Time              `json:"submitted_at"`
}

// Validate rejects requests the pipeline could not process. Tests may be
// empty: a unit without test cases still goes through static analysis and
// the policy decision.
func (r *EvolutionRequest) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return errors.New("source must not be empty")
	}
	for _, tc := range r.Tests {
		if strings.TrimSpace(tc.Call) == "" {
			return errors.New("test case call must not be empty")
		}
	}
	return nil
}
