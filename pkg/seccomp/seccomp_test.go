package seccomp

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func allowed(p *specs.LinuxSeccomp, syscall string) bool {
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActAllow {
			continue
		}
		for _, name := range rule.Names {
			if name == syscall {
				return true
			}
		}
	}
	return false
}

func TestDefaultProfile_DenyByDefault(t *testing.T) {
	p := DefaultProfile()
	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
}

func TestDefaultProfile_InterpreterSyscallsAllowed(t *testing.T) {
	p := DefaultProfile()
	for _, name := range []string{"read", "mmap", "futex", "getrandom", "execve"} {
		if !allowed(p, name) {
			t.Errorf("%s should be allowed in default profile", name)
		}
	}
}

func TestDefaultProfile_NoNetworkSyscalls(t *testing.T) {
	p := DefaultProfile()
	if allowed(p, "socket") {
		t.Error("default (no-network) profile should not allow 'socket'")
	}
}

func TestDefaultProfile_EscapeVectorsNotAllowed(t *testing.T) {
	p := DefaultProfile()
	for _, name := range []string{"ptrace", "bpf", "mount", "unshare", "setns"} {
		if allowed(p, name) {
			t.Errorf("%s must not be allowed", name)
		}
	}
}

func TestNetworkProfile_HasSocketSyscalls(t *testing.T) {
	p := NetworkAllowProfile()
	for _, name := range []string{"socket", "connect", "bind"} {
		if !allowed(p, name) {
			t.Errorf("network profile missing allowed syscall %q", name)
		}
	}
}

func TestDockerProfileJSON_ValidJSON(t *testing.T) {
	data, err := DockerProfileJSON()
	if err != nil {
		t.Fatalf("DockerProfileJSON: %v", err)
	}

	var dp struct {
		DefaultAction string `json:"defaultAction"`
		Syscalls      []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if dp.DefaultAction != "SCMP_ACT_ERRNO" {
		t.Errorf("defaultAction = %q, want SCMP_ACT_ERRNO", dp.DefaultAction)
	}
	if len(dp.Syscalls) == 0 {
		t.Error("expected syscall rules, got none")
	}
}

func TestProfileBuilder(t *testing.T) {
	p := NewBuilder().AllowSyscalls("read", "write").Build()

	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
	if len(p.Syscalls) != 1 {
		t.Fatalf("got %d rules, want 1", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.Action != specs.ActAllow {
		t.Errorf("rule Action = %v, want ActAllow", rule.Action)
	}
	if len(rule.Names) != 2 || rule.Names[0] != "read" || rule.Names[1] != "write" {
		t.Errorf("names = %v, want [read write]", rule.Names)
	}
}
