package api

import (
	"evolution-gate/internal/sandbox"
)

// SubmitRequest is the API-level submission of one candidate unit.
type SubmitRequest struct {
	Source    string     `json:"source"`
	Tests     []TestCase `json:"tests,omitempty"`
	Isolation string     `json:"isolation,omitempty"` // low, medium, high, maximum (default)
	Priority  string     `json:"priority,omitempty"`  // low, normal (default), high
}

// TestCase pairs a call expression with its expected printed output.
type TestCase struct {
	Name     string `json:"name,omitempty"`
	Call     string `json:"call"`
	Expected string `json:"expected"`
}

func (t TestCase) toSandbox() sandbox.TestCase {
	return sandbox.TestCase{Name: t.Name, Call: t.Call, Expected: t.Expected}
}

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// ResolveRequest is a human reviewer's verdict on a parked request.
type ResolveRequest struct {
	Approve  bool   `json:"approve"`
	Reviewer string `json:"reviewer"`
	Note     string `json:"note,omitempty"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	AuditDB bool   `json:"audit_db"`
	Sandbox bool   `json:"sandbox"`
	Uptime  string `json:"uptime"`
}
