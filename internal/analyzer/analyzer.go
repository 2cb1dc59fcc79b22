// Package analyzer is the static safety stage of the evolution gate. It
// inspects a candidate unit's source text without executing it and produces
// a Report that either blocks the unit outright or scores it for the policy
// engine.
//
// Candidate units are Python-syntax code parsed with the Starlark grammar,
// a Python-compatible subset. Import statements are recognized lexically
// before parsing (the gate treats them as declarations, not executable
// statements); anything the grammar cannot express afterwards is Blocked,
// fail-closed.
package analyzer

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"go.starlark.net/syntax"
)

// Analyzer is safe for concurrent use: it holds only immutable rules.
type Analyzer struct {
	rules RuleSet
}

func New(rules RuleSet) *Analyzer {
	return &Analyzer{rules: rules}
}

// complexityCap is the construct count that normalizes ComplexityScore
// to 1.0.
const complexityCap = 20

var (
	importRe     = regexp.MustCompile(`^(\s*)import\s+([A-Za-z_][\w.]*)(\s*,\s*[A-Za-z_][\w.]*)*(\s+as\s+\w+)?\s*$`)
	fromImportRe = regexp.MustCompile(`^(\s*)from\s+([A-Za-z_][\w.]*)\s+import\s+.+$`)
)

// Analyze is a total function: it never panics and never returns an error.
// Unparsable input is represented as SyntaxValid=false with Risk=Blocked.
func (a *Analyzer) Analyze(source string) Report {
	var report Report

	imports := scanImports(source)
	body := StripImports(source)

	file, err := FileOptions().Parse("candidate.star", body, 0)
	if err != nil {
		report.SyntaxValid = false
		report.SyntaxError = err.Error()
		report.Risk = RiskBlocked
		return report
	}
	report.SyntaxValid = true

	for _, imp := range imports {
		if a.rules.importDenied(imp.Identifier) || !a.rules.importAllowed(imp.Identifier) {
			report.ForbiddenImports = append(report.ForbiddenImports, imp)
		}
	}

	var constructs int
	syntax.Walk(file, func(n syntax.Node) bool {
		if call, ok := n.(*syntax.CallExpr); ok {
			if f, ok := a.flagCall(call); ok {
				report.DangerousCalls = append(report.DangerousCalls, f)
			}
			return true
		}
		switch n.(type) {
		case *syntax.IfStmt, *syntax.ForStmt, *syntax.WhileStmt,
			*syntax.DefStmt, *syntax.LambdaExpr, *syntax.Comprehension,
			*syntax.CondExpr:
			constructs++
		}
		return true
	})

	sortFindings(report.ForbiddenImports)
	sortFindings(report.DangerousCalls)

	report.ComplexityScore = math.Min(float64(constructs)/complexityCap, 1.0)
	report.SecurityScore = clamp(
		1.0-
			0.3*float64(len(report.ForbiddenImports))-
			0.2*float64(len(report.DangerousCalls))-
			0.1*report.ComplexityScore,
		0.0, 1.0)

	switch {
	case len(report.ForbiddenImports) > 0 || len(report.DangerousCalls) > 0:
		report.Risk = RiskDangerous
	case report.SecurityScore < 0.7:
		report.Risk = RiskCaution
	default:
		report.Risk = RiskSafe
	}

	return report
}

// flagCall matches a call expression's callee against the dangerous-call
// rules. open() is flagged only when called with a write mode.
func (a *Analyzer) flagCall(call *syntax.CallExpr) (Finding, bool) {
	callee := calleeName(call.Fn)
	if callee == "" {
		return Finding{}, false
	}
	start, _ := call.Span()

	if callee == "open" {
		if mode, writes := openWriteMode(call); writes {
			return Finding{
				Identifier: "open",
				Line:       int(start.Line),
				Detail:     fmt.Sprintf("file opened for writing (mode %q)", mode),
			}, true
		}
		return Finding{}, false
	}

	for _, rule := range a.rules.DangerousCalls {
		if strings.HasSuffix(rule, ".") {
			if strings.HasPrefix(callee, rule) {
				return Finding{Identifier: callee, Line: int(start.Line)}, true
			}
			continue
		}
		if callee == rule {
			return Finding{Identifier: callee, Line: int(start.Line)}, true
		}
	}
	return Finding{}, false
}

// calleeName renders an identifier or dotted chain ("os.system"); calls on
// arbitrary expressions return "".
func calleeName(e syntax.Expr) string {
	switch node := e.(type) {
	case *syntax.Ident:
		return node.Name
	case *syntax.DotExpr:
		base := calleeName(node.X)
		if base == "" {
			return ""
		}
		return base + "." + node.Name.Name
	}
	return ""
}

// openWriteMode inspects an open() call for a write/append/create mode
// argument.
func openWriteMode(call *syntax.CallExpr) (string, bool) {
	for _, arg := range call.Args {
		lit, ok := arg.(*syntax.Literal)
		if !ok || lit.Token != syntax.STRING {
			continue
		}
		mode, ok := lit.Value.(string)
		if !ok {
			continue
		}
		if strings.ContainsAny(mode, "wax+") && len(mode) <= 3 {
			return mode, true
		}
	}
	return "", false
}

// scanImports lexically collects module roots from import statements. Lines
// inside triple-quoted strings are skipped: an import spelled out in a
// docstring is text, not a declaration.
func scanImports(source string) []Finding {
	var out []Finding
	seen := make(map[string]bool)

	lines := strings.Split(source, "\n")
	inString := stringMask(lines)
	for i, line := range lines {
		if inString[i] {
			continue
		}
		var modules []string
		if m := importRe.FindStringSubmatch(line); m != nil {
			rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "import"))
			for _, part := range strings.Split(rest, ",") {
				name := strings.TrimSpace(part)
				if idx := strings.Index(name, " as "); idx >= 0 {
					name = name[:idx]
				}
				modules = append(modules, name)
			}
		} else if m := fromImportRe.FindStringSubmatch(line); m != nil {
			modules = append(modules, m[2])
		}

		for _, mod := range modules {
			root := mod
			if idx := strings.Index(root, "."); idx >= 0 {
				root = root[:idx]
			}
			if root == "" || seen[root] {
				continue
			}
			seen[root] = true
			out = append(out, Finding{Identifier: root, Line: i + 1})
		}
	}
	return out
}

// StripImports replaces recognized import lines with pass statements so the
// remaining body parses under the Starlark grammar. Indentation is kept:
// an import inside a block must not change the block structure.
func StripImports(source string) string {
	lines := strings.Split(source, "\n")
	inString := stringMask(lines)
	for i, line := range lines {
		if inString[i] {
			continue
		}
		if m := importRe.FindStringSubmatch(line); m != nil {
			lines[i] = m[1] + "pass"
		} else if m := fromImportRe.FindStringSubmatch(line); m != nil {
			lines[i] = m[1] + "pass"
		}
	}
	return strings.Join(lines, "\n")
}

// stringMask marks lines that begin inside a triple-quoted string, so the
// lexical import pass never fires on (or rewrites) string contents. A line
// that merely contains a delimiter cannot match the anchored import regexes,
// so only the line-start position matters.
func stringMask(lines []string) []bool {
	mask := make([]bool, len(lines))
	var open string
	for i, line := range lines {
		mask[i] = open != ""
		rest := line
		for {
			if open == "" {
				d := strings.Index(rest, `"""`)
				s := strings.Index(rest, "'''")
				if d < 0 && s < 0 {
					break
				}
				if d < 0 || (s >= 0 && s < d) {
					open, rest = "'''", rest[s+3:]
				} else {
					open, rest = `"""`, rest[d+3:]
				}
				continue
			}
			j := strings.Index(rest, open)
			if j < 0 {
				break
			}
			open, rest = "", rest[j+len(open):]
		}
	}
	return mask
}

// FileOptions is the dialect both the analyzer and the in-process backend
// accept. Keeping one definition guarantees the analyzer never approves
// syntax the interpreter would reject.
func FileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}
}

func sortFindings(fs []Finding) {
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].Line != fs[j].Line {
			return fs[i].Line < fs[j].Line
		}
		return fs[i].Identifier < fs[j].Identifier
	})
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
