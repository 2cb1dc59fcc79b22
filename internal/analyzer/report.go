package analyzer

// RiskLevel is the static-analysis verdict, independent of any dynamic
// execution evidence.
type RiskLevel string

const (
	RiskSafe      RiskLevel = "safe"
	RiskCaution   RiskLevel = "caution"
	RiskDangerous RiskLevel = "dangerous"
	RiskBlocked   RiskLevel = "blocked"
)

// Finding records one flagged import or call, with enough position detail
// for a reviewer to locate it.
type Finding struct {
	Identifier string `json:"identifier"`
	Line       int    `json:"line"`
	Detail     string `json:"detail,omitempty"`
}

// Report is the complete static-analysis result for one candidate unit.
// It is a deterministic pure function of the source text: identical input
// always yields an identical report, which audit reproducibility depends on.
type Report struct {
	SyntaxValid      bool      `json:"syntax_valid"`
	SyntaxError      string    `json:"syntax_error,omitempty"`
	ForbiddenImports []Finding `json:"forbidden_imports,omitempty"`
	DangerousCalls   []Finding `json:"dangerous_calls,omitempty"`
	ComplexityScore  float64   `json:"complexity_score"`
	SecurityScore    float64   `json:"security_score"`
	Risk             RiskLevel `json:"risk"`
}

// Blocked reports whether the unit must never reach the sandbox stage.
func (r Report) Blocked() bool {
	return r.Risk == RiskBlocked
}

// ReviewEvidence flattens the findings into human-readable reasons for the
// review surface.
func (r Report) ReviewEvidence() []string {
	var out []string
	for _, f := range r.ForbiddenImports {
		out = append(out, "forbidden import: "+f.Identifier)
	}
	for _, f := range r.DangerousCalls {
		out = append(out, "dangerous call: "+f.Identifier)
	}
	return out
}
