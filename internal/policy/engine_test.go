package policy

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"evolution-gate/internal/analyzer"
	"evolution-gate/internal/sandbox"
)

func fixedEngine() *Engine {
	e := NewEngine()
	e.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func safeReport() analyzer.Report {
	return analyzer.Report{SyntaxValid: true, SecurityScore: 0.95, Risk: analyzer.RiskSafe}
}

func passedResult() *sandbox.ExecutionResult {
	return &sandbox.ExecutionResult{
		Status: sandbox.StatusPassed,
		Tests:  []sandbox.TestResult{{Name: "t1", Status: sandbox.StatusPassed}},
	}
}

func TestDecide_BlockedRejects(t *testing.T) {
	e := fixedEngine()
	report := analyzer.Report{SyntaxValid: false, SyntaxError: "got ':', want ')'", Risk: analyzer.RiskBlocked}

	d := e.Decide(report, nil)
	if d.Approval != Reject {
		t.Errorf("Approval = %s, want %s", d.Approval, Reject)
	}
	if len(d.Reasons) < 2 || !strings.Contains(d.Reasons[1], "syntax error") {
		t.Errorf("Reasons = %v, want syntax error detail", d.Reasons)
	}
}

func TestDecide_SafeAndPassedAutoApproves(t *testing.T) {
	e := fixedEngine()
	d := e.Decide(safeReport(), passedResult())
	if d.Approval != AutoApprove {
		t.Errorf("Approval = %s, want %s", d.Approval, AutoApprove)
	}
	if len(d.Reasons) == 0 {
		t.Error("Reasons is empty")
	}
}

func TestDecide_DynamicFailuresReject(t *testing.T) {
	tests := []struct {
		name   string
		status sandbox.ExecutionStatus
		reason string
	}{
		{"timeout", sandbox.StatusTimeout, "timed out"},
		{"resource", sandbox.StatusResourceExceeded, "resource limit"},
		{"environment", sandbox.StatusEnvironmentError, "environment error"},
	}

	e := fixedEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Decide(safeReport(), &sandbox.ExecutionResult{Status: tt.status})
			if d.Approval != Reject {
				t.Errorf("Approval = %s, want %s", d.Approval, Reject)
			}
			if !strings.Contains(strings.Join(d.Reasons, " "), tt.reason) {
				t.Errorf("Reasons = %v, want substring %q", d.Reasons, tt.reason)
			}
		})
	}
}

func TestDecide_FailedTestNamesEvidence(t *testing.T) {
	e := fixedEngine()
	result := &sandbox.ExecutionResult{
		Status: sandbox.StatusFailed,
		Tests: []sandbox.TestResult{
			{Name: "t1", Status: sandbox.StatusPassed},
			{Name: "t2", Status: sandbox.StatusFailed, Got: "54", Expected: "55"},
		},
	}

	d := e.Decide(safeReport(), result)
	if d.Approval != Reject {
		t.Fatalf("Approval = %s, want %s", d.Approval, Reject)
	}
	joined := strings.Join(d.Reasons, " ")
	for _, want := range []string{"t2", "54", "55"} {
		if !strings.Contains(joined, want) {
			t.Errorf("Reasons = %v, missing %q", d.Reasons, want)
		}
	}
}

func TestDecide_DangerousRequiresReviewWithoutExecution(t *testing.T) {
	e := fixedEngine()
	report := analyzer.Report{
		SyntaxValid:      true,
		SecurityScore:    0.5,
		Risk:             analyzer.RiskDangerous,
		ForbiddenImports: []analyzer.Finding{{Identifier: "os", Line: 1}},
	}

	// nil result: the controller never executes dangerous units.
	d := e.Decide(report, nil)
	if d.Approval != RequireReview {
		t.Errorf("Approval = %s, want %s", d.Approval, RequireReview)
	}
	if !strings.Contains(strings.Join(d.Reasons, " "), "os") {
		t.Errorf("Reasons = %v, want flagged import named", d.Reasons)
	}
}

func TestDecide_DynamicSuccessDoesNotLaunderDangerous(t *testing.T) {
	e := fixedEngine()
	report := analyzer.Report{
		SyntaxValid:    true,
		SecurityScore:  0.6,
		Risk:           analyzer.RiskDangerous,
		DangerousCalls: []analyzer.Finding{{Identifier: "eval", Line: 3}},
	}

	d := e.Decide(report, passedResult())
	if d.Approval != RequireReview {
		t.Errorf("Approval = %s, want %s", d.Approval, RequireReview)
	}
}

func TestDecide_LowScoreRequiresReview(t *testing.T) {
	e := fixedEngine()
	report := analyzer.Report{SyntaxValid: true, SecurityScore: 0.80, Risk: analyzer.RiskSafe}

	d := e.Decide(report, passedResult())
	if d.Approval != RequireReview {
		t.Errorf("Approval = %s, want %s", d.Approval, RequireReview)
	}
}

func TestDecide_Deterministic(t *testing.T) {
	e := fixedEngine()
	report := safeReport()
	result := passedResult()

	first := e.Decide(report, result)
	for i := 0; i < 5; i++ {
		if got := e.Decide(report, result); !reflect.DeepEqual(got, first) {
			t.Fatalf("decision %d differs: got %+v, want %+v", i, got, first)
		}
	}
}

func TestHumanDecision(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	approve := HumanDecision(true, "alice", "looks fine", at)
	if approve.Approval != Approve || approve.Reviewer != "alice" {
		t.Errorf("approve = %+v", approve)
	}
	if len(approve.Reasons) != 2 || approve.Reasons[1] != "looks fine" {
		t.Errorf("Reasons = %v", approve.Reasons)
	}

	reject := HumanDecision(false, "bob", "", at)
	if reject.Approval != Reject {
		t.Errorf("reject Approval = %s, want %s", reject.Approval, Reject)
	}
	if len(reject.Reasons) != 1 {
		t.Errorf("Reasons = %v, want single reason", reject.Reasons)
	}
}
