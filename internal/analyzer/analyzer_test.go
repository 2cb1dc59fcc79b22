package analyzer

import (
	"reflect"
	"strings"
	"testing"
)

func TestAnalyze_PureFunctionIsSafe(t *testing.T) {
	a := New(DefaultRuleSet())
	report := a.Analyze("def add(a, b):\n    return a + b\n")

	if !report.SyntaxValid {
		t.Fatalf("SyntaxValid = false, error: %s", report.SyntaxError)
	}
	if report.Risk != RiskSafe {
		t.Errorf("Risk = %s, want %s", report.Risk, RiskSafe)
	}
	if len(report.ForbiddenImports) != 0 || len(report.DangerousCalls) != 0 {
		t.Errorf("unexpected findings: %+v %+v", report.ForbiddenImports, report.DangerousCalls)
	}
	if report.SecurityScore < 0.9 {
		t.Errorf("SecurityScore = %.2f, want >= 0.9", report.SecurityScore)
	}
}

func TestAnalyze_SyntaxErrorBlocks(t *testing.T) {
	a := New(DefaultRuleSet())
	report := a.Analyze("def broken(:\n")

	if report.SyntaxValid {
		t.Error("SyntaxValid = true for unparsable input")
	}
	if report.SyntaxError == "" {
		t.Error("SyntaxError is empty")
	}
	if report.Risk != RiskBlocked {
		t.Errorf("Risk = %s, want %s", report.Risk, RiskBlocked)
	}
	if !report.Blocked() {
		t.Error("Blocked() = false")
	}
}

func TestAnalyze_Imports(t *testing.T) {
	tests := []struct {
		name      string
		source    string
		forbidden []string
	}{
		{"allowed import", "import math\n\ndef f(x):\n    return math.sqrt(x)\n", nil},
		{"denied import", "import os\n\ndef f():\n    return 1\n", []string{"os"}},
		{"unknown import fails closed", "import requests\n\ndef f():\n    return 1\n", []string{"requests"}},
		{"from import", "from subprocess import run\n\ndef f():\n    return 1\n", []string{"subprocess"}},
		{"dotted root", "import os.path\n\ndef f():\n    return 1\n", []string{"os"}},
		{"multiple on one line", "import os, sys\n\ndef f():\n    return 1\n", []string{"os", "sys"}},
	}

	a := New(DefaultRuleSet())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := a.Analyze(tt.source)
			if !report.SyntaxValid {
				t.Fatalf("SyntaxValid = false: %s", report.SyntaxError)
			}

			var got []string
			for _, f := range report.ForbiddenImports {
				got = append(got, f.Identifier)
			}
			if !reflect.DeepEqual(got, tt.forbidden) {
				t.Errorf("forbidden imports = %v, want %v", got, tt.forbidden)
			}

			wantRisk := RiskSafe
			if len(tt.forbidden) > 0 {
				wantRisk = RiskDangerous
			}
			if report.Risk != wantRisk {
				t.Errorf("Risk = %s, want %s", report.Risk, wantRisk)
			}
		})
	}
}

func TestAnalyze_DangerousCalls(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   []string
	}{
		{"eval", "def f(s):\n    return eval(s)\n", []string{"eval"}},
		{"dotted prefix", "def f(cmd):\n    return os.system(cmd)\n", []string{"os.system"}},
		{"dunder import", "def f():\n    return __import__(\"os\")\n", []string{"__import__"}},
		{"plain call untouched", "def f(xs):\n    return len(xs)\n", nil},
		{"open for write", "def f(p):\n    return open(p, \"w\")\n", []string{"open"}},
		{"open for read ok", "def f(p):\n    return open(p, \"r\")\n", nil},
	}

	a := New(DefaultRuleSet())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := a.Analyze(tt.source)

			var got []string
			for _, f := range report.DangerousCalls {
				got = append(got, f.Identifier)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("dangerous calls = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAnalyze_FindingLines(t *testing.T) {
	a := New(DefaultRuleSet())
	source := "import math\nimport os\n\ndef f(s):\n    return eval(s)\n"
	report := a.Analyze(source)

	if len(report.ForbiddenImports) != 1 || report.ForbiddenImports[0].Line != 2 {
		t.Errorf("forbidden imports = %+v, want os at line 2", report.ForbiddenImports)
	}
	if len(report.DangerousCalls) != 1 || report.DangerousCalls[0].Line != 5 {
		t.Errorf("dangerous calls = %+v, want eval at line 5", report.DangerousCalls)
	}
}

func TestAnalyze_ScorePenalties(t *testing.T) {
	a := New(DefaultRuleSet())

	clean := a.Analyze("def f(x):\n    return x\n")
	oneImport := a.Analyze("import os\n\ndef f(x):\n    return x\n")
	oneCall := a.Analyze("def f(s):\n    return eval(s)\n")

	if diff := clean.SecurityScore - oneImport.SecurityScore; diff < 0.29 || diff > 0.31 {
		t.Errorf("forbidden import penalty = %.2f, want 0.30", diff)
	}
	if diff := clean.SecurityScore - oneCall.SecurityScore; diff < 0.19 || diff > 0.21 {
		t.Errorf("dangerous call penalty = %.2f, want 0.20", diff)
	}
}

func TestAnalyze_ScoreNeverNegative(t *testing.T) {
	a := New(DefaultRuleSet())
	var b strings.Builder
	for _, mod := range []string{"os", "sys", "subprocess", "socket", "shutil"} {
		b.WriteString("import " + mod + "\n")
	}
	b.WriteString("\ndef f(s):\n    return eval(exec(compile(s, s, s)))\n")

	report := a.Analyze(b.String())
	if report.SecurityScore < 0 {
		t.Errorf("SecurityScore = %.2f, want >= 0", report.SecurityScore)
	}
	if report.Risk != RiskDangerous {
		t.Errorf("Risk = %s, want %s", report.Risk, RiskDangerous)
	}
}

func TestAnalyze_Deterministic(t *testing.T) {
	a := New(DefaultRuleSet())
	source := "import os\nimport sys\n\ndef f(s):\n    os.system(s)\n    return eval(s)\n"

	first := a.Analyze(source)
	for i := 0; i < 10; i++ {
		if got := a.Analyze(source); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs:\n got %+v\nwant %+v", i, got, first)
		}
	}
}

func TestStripImports(t *testing.T) {
	source := "import os\nfrom sys import path\n\ndef f():\n    import json\n    return 1\n"
	got := StripImports(source)
	want := "pass\npass\n\ndef f():\n    pass\n    return 1\n"
	if got != want {
		t.Errorf("StripImports =\n%q\nwant\n%q", got, want)
	}

	// The stripped body must parse under the shared dialect.
	if _, err := FileOptions().Parse("candidate.star", got, 0); err != nil {
		t.Errorf("stripped body does not parse: %v", err)
	}
}

func TestAnalyze_ImportInDocstringIsText(t *testing.T) {
	a := New(DefaultRuleSet())
	source := "def f():\n    '''\n    import os\n    from subprocess import run\n    '''\n    return 1\n"

	report := a.Analyze(source)
	if !report.SyntaxValid {
		t.Fatalf("SyntaxValid = false: %s", report.SyntaxError)
	}
	if len(report.ForbiddenImports) != 0 {
		t.Errorf("forbidden imports = %+v, want none from string contents", report.ForbiddenImports)
	}
	if report.Risk != RiskSafe {
		t.Errorf("Risk = %s, want %s", report.Risk, RiskSafe)
	}
}

func TestStripImports_LeavesStringContentsAlone(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"docstring", "def f():\n    \"\"\"\n    import os\n    \"\"\"\n    return 1\n"},
		{"single quoted", "s = '''\nimport os\n'''\n"},
		{"reopened string", "a = '''x'''\nb = '''\nimport sys\n'''\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripImports(tt.source); got != tt.source {
				t.Errorf("StripImports =\n%q\nwant unchanged\n%q", got, tt.source)
			}
		})
	}

	// Real imports around a string are still stripped.
	source := "import os\ns = '''\nimport sys\n'''\n"
	want := "pass\ns = '''\nimport sys\n'''\n"
	if got := StripImports(source); got != want {
		t.Errorf("StripImports =\n%q\nwant\n%q", got, want)
	}
}

func TestAnalyze_NeverPanicsOnGarbage(t *testing.T) {
	a := New(DefaultRuleSet())
	inputs := []string{
		"",
		"\x00\x01\x02",
		strings.Repeat("(", 100),
		"def f():\n\treturn [x for x in range(10) if x % 2]\n",
		"while True:\n    pass\n",
	}
	for _, in := range inputs {
		_ = a.Analyze(in) // must not panic
	}
}
