package analyzer

// RuleSet configures what the analyzer flags. The zero value blocks nothing;
// use DefaultRuleSet (or the config file) in production.
type RuleSet struct {
	// AllowedImports are module roots candidate units may import.
	AllowedImports []string `yaml:"allowed_imports" json:"allowed_imports"`

	// DeniedImports are module roots that are always forbidden. Imports on
	// neither list are treated as forbidden too: the gate fails closed.
	DeniedImports []string `yaml:"denied_imports" json:"denied_imports"`

	// DangerousCalls are callee names flagged wherever they appear. Bare
	// names match exact identifiers; entries ending in "." match any call
	// under that dotted prefix (e.g. "subprocess." flags subprocess.run).
	DangerousCalls []string `yaml:"dangerous_calls" json:"dangerous_calls"`
}

// DefaultRuleSet is the gate's built-in posture: pure computation allowed,
// anything that can reach the interpreter, the process table, the
// filesystem or the network flagged.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		AllowedImports: []string{
			"math", "json", "re", "string", "time",
			"itertools", "functools", "collections", "random",
		},
		DeniedImports: []string{
			"os", "sys", "subprocess", "socket", "shutil",
			"ctypes", "importlib", "pickle", "marshal", "signal",
		},
		DangerousCalls: []string{
			"eval", "exec", "compile", "__import__",
			"getattr", "setattr", "delattr", "globals", "vars",
			"os.", "sys.", "subprocess.", "socket.", "shutil.",
			"ctypes.", "importlib.", "pickle.", "signal.",
		},
	}
}

func (rs RuleSet) importAllowed(module string) bool {
	for _, m := range rs.AllowedImports {
		if m == module {
			return true
		}
	}
	return false
}

func (rs RuleSet) importDenied(module string) bool {
	for _, m := range rs.DeniedImports {
		if m == module {
			return true
		}
	}
	return false
}
