// Package policy converts static and dynamic evidence into an auditable
// approval decision. Decide is a pure function: the same report and result
// always produce the same decision, which the audit trail depends on.
package policy

import (
	"fmt"
	"time"

	"evolution-gate/internal/analyzer"
	"evolution-gate/internal/sandbox"
)

// ApprovalLevel is the engine's final verdict for one evolution request.
type ApprovalLevel string

const (
	AutoApprove   ApprovalLevel = "auto_approve"
	RequireReview ApprovalLevel = "require_review"
	Reject        ApprovalLevel = "reject"

	// Approve is never produced by the engine; it records a human reviewer
	// resolving a RequireReview verdict.
	Approve ApprovalLevel = "approve"
)

// Decision carries the verdict and a non-empty list of reasons. Reasons name
// the specific evidence (status, flagged import/call) that triggered the
// rule, so review surfaces never show a bare verdict.
type Decision struct {
	Approval  ApprovalLevel `json:"approval"`
	Reasons   []string      `json:"reasons"`
	Reviewer  string        `json:"reviewer,omitempty"`
	DecidedAt time.Time     `json:"decided_at"`
}

// HumanDecision builds the decision recorded when a reviewer resolves a
// parked request.
func HumanDecision(approve bool, reviewer, note string, at time.Time) Decision {
	d := Decision{Reviewer: reviewer, DecidedAt: at.UTC()}
	if approve {
		d.Approval = Approve
		d.Reasons = append(d.Reasons, "approved by reviewer")
	} else {
		d.Approval = Reject
		d.Reasons = append(d.Reasons, "rejected by reviewer")
	}
	if note != "" {
		d.Reasons = append(d.Reasons, note)
	}
	return d
}

// Cancelled builds the decision recorded when a submitter withdraws a
// request a worker already picked up. The run is torn down and the trail
// carries a rejection rather than a silent disappearance.
func Cancelled(at time.Time) Decision {
	return Decision{
		Approval:  Reject,
		Reasons:   []string{"cancelled"},
		DecidedAt: at.UTC(),
	}
}

// reviewThreshold is the security score below which even clean units go to
// a human.
const reviewThreshold = 0.85

type Engine struct {
	now func() time.Time
}

func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// Decide evaluates the rules in order; the first match wins. The result may
// be nil when the controller skipped the sandbox stage (blocked or dangerous
// units are never executed). Dynamic success never overrides a dangerous
// static verdict.
func (e *Engine) Decide(report analyzer.Report, result *sandbox.ExecutionResult) Decision {
	d := Decision{DecidedAt: e.now().UTC()}

	switch {
	case report.Risk == analyzer.RiskBlocked:
		d.Approval = Reject
		d.Reasons = append(d.Reasons, "static analysis blocked")
		if report.SyntaxError != "" {
			d.Reasons = append(d.Reasons, "syntax error: "+report.SyntaxError)
		}

	case result != nil && result.Status.Failure():
		d.Approval = Reject
		d.Reasons = append(d.Reasons, statusReason(result))

	case report.Risk == analyzer.RiskDangerous:
		d.Approval = RequireReview
		d.Reasons = append(d.Reasons, "static analysis flagged dangerous constructs")
		d.Reasons = append(d.Reasons, report.ReviewEvidence()...)

	case report.Risk == analyzer.RiskCaution || report.SecurityScore < reviewThreshold:
		d.Approval = RequireReview
		d.Reasons = append(d.Reasons,
			fmt.Sprintf("security score %.2f below auto-approval threshold %.2f",
				report.SecurityScore, reviewThreshold))

	default:
		d.Approval = AutoApprove
		d.Reasons = append(d.Reasons, "static analysis safe, all tests passed")
	}

	return d
}

func statusReason(result *sandbox.ExecutionResult) string {
	switch result.Status {
	case sandbox.StatusFailed:
		for _, t := range result.Tests {
			if t.Status == sandbox.StatusFailed {
				return fmt.Sprintf("test %q failed: got %q, expected %q", t.Name, t.Got, t.Expected)
			}
		}
		return "test mismatch"
	case sandbox.StatusTimeout:
		return "execution timed out"
	case sandbox.StatusResourceExceeded:
		return "resource limit exceeded"
	case sandbox.StatusEnvironmentError:
		if result.Error != "" {
			return "environment error: " + result.Error
		}
		return "environment error"
	}
	return string(result.Status)
}
