package gate

import (
	"testing"

	"evolution-gate/internal/sandbox"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		input   string
		want    Priority
		wantErr bool
	}{
		{"", PriorityNormal, false},
		{"normal", PriorityNormal, false},
		{"LOW", PriorityLow, false},
		{"High", PriorityHigh, false},
		{"urgent", 0, true},
	}

	for _, tt := range tests {
		got, err := ParsePriority(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePriority(%q) err = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     EvolutionRequest
		wantErr bool
	}{
		{"valid", EvolutionRequest{Source: "def f():\n    return 1\n"}, false},
		{"valid with tests", EvolutionRequest{
			Source: "def f():\n    return 1\n",
			Tests:  []sandbox.TestCase{{Call: "f()", Expected: "1"}},
		}, false},
		{"empty source", EvolutionRequest{Source: ""}, true},
		{"whitespace source", EvolutionRequest{Source: "  \n\t"}, true},
		{"empty test call", EvolutionRequest{
			Source: "def f():\n    return 1\n",
			Tests:  []sandbox.TestCase{{Call: "", Expected: "1"}},
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
